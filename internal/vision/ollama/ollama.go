package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

const backend = "ollama"

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Format string   `json:"format"`
	Stream bool     `json:"stream"`
}

// Scorer calls a local Ollama server's generate endpoint with every view
// attached to one prompt.
type Scorer struct {
	host   string
	model  string
	client *http.Client
}

func NewScorer(host, model string) *Scorer {
	return &Scorer{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{},
	}
}

// Name is the backend and model, as recorded in each result's Method.
func (s *Scorer) Name() string {
	return backend + "/" + s.model
}

func (s *Scorer) Score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	if err := vision.CheckImages(images); err != nil {
		return nil, err
	}

	ordered := vision.Ordered(images)
	encoded := make([]string, 0, len(ordered))
	for _, img := range ordered {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(img.Data))
	}

	payload, err := json.Marshal(generateRequest{
		Model:  s.model,
		Prompt: vision.ScoringPrompt,
		Images: encoded,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("failed to call ollama: %w", err)}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close ollama response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)}
	}

	var respBody struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	props, err := vision.ParseScores(respBody.Response)
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: err}
	}

	return &vision.ScoreResult{
		Properties: props,
		Method:     s.Name(),
	}, nil
}
