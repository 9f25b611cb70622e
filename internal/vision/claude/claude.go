package claude

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

const backend = "claude"

// maxTokens leaves ample room for the six-property JSON reply.
const maxTokens = 1024

// Scorer sends all five views in a single Messages API request.
type Scorer struct {
	client *anthropic.Client
	model  string
}

func NewScorer(apiKey, model string, opts ...anthropic.ClientOption) *Scorer {
	return &Scorer{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
	}
}

// buildMessages constructs the message payload: one labelled image block per
// view followed by the scoring prompt.
func buildMessages(images []vision.LabeledImage) []anthropic.Message {
	content := make([]anthropic.MessageContent, 0, 2*len(images)+1)
	for _, img := range vision.Ordered(images) {
		content = append(content,
			anthropic.NewTextMessageContent(fmt.Sprintf("View: %s", img.View)),
			anthropic.NewImageMessageContent(anthropic.NewMessageContentSource(
				anthropic.MessagesContentSourceTypeBase64,
				vision.NormaliseMIME(img.MimeType),
				base64.StdEncoding.EncodeToString(img.Data),
			)),
		)
	}
	content = append(content, anthropic.NewTextMessageContent(vision.ScoringPrompt))
	return []anthropic.Message{{Role: anthropic.RoleUser, Content: content}}
}

// Name is the backend and model, as recorded in each result's Method.
func (s *Scorer) Name() string {
	return backend + "/" + s.model
}

func (s *Scorer) Score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	if err := vision.CheckImages(images); err != nil {
		return nil, err
	}

	resp, err := s.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(s.model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(images),
	})
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("failed to call claude: %w", err)}
	}

	props, err := vision.ParseScores(resp.GetFirstContentText())
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: err}
	}

	return &vision.ScoreResult{
		Properties: props,
		Method:     s.Name(),
	}, nil
}
