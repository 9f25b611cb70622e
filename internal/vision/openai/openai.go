package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

const backend = "openai"

const maxTokens = 1024

type Option func(*openai.ClientConfig)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *openai.ClientConfig) { c.BaseURL = url }
}

// Scorer sends all five views as image parts of one chat completion.
type Scorer struct {
	client *openai.Client
	model  string
}

func NewScorer(apiKey, model string, opts ...Option) *Scorer {
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scorer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func buildParts(images []vision.LabeledImage) []openai.ChatMessagePart {
	parts := make([]openai.ChatMessagePart, 0, 2*len(images)+1)
	for _, img := range vision.Ordered(images) {
		dataURI := fmt.Sprintf("data:%s;base64,%s", vision.NormaliseMIME(img.MimeType), base64.StdEncoding.EncodeToString(img.Data))
		parts = append(parts,
			openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("View: %s", img.View)},
			openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: dataURI, Detail: openai.ImageURLDetailAuto},
			},
		)
	}
	return append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: vision.ScoringPrompt})
}

// Name is the backend and model, as recorded in each result's Method.
func (s *Scorer) Name() string {
	return backend + "/" + s.model
}

func (s *Scorer) Score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	if err := vision.CheckImages(images); err != nil {
		return nil, err
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: buildParts(images),
		}},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("failed to create completion: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &domain.AnalysisError{Backend: backend, Err: errors.New("completion returned no choices")}
	}

	props, err := vision.ParseScores(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: err}
	}

	return &vision.ScoreResult{
		Properties: props,
		Method:     s.Name(),
	}, nil
}
