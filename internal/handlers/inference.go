package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/taskwell/taskwell/internal/task"
)

// InferencePayload is the payload schema for model-inference tasks.
type InferencePayload struct {
	Prompt string `json:"prompt"`
	// Model overrides the configured default when set.
	Model string `json:"model,omitempty"`
}

// InferenceResult is the inference task's result document.
type InferenceResult struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

// InferenceHandler calls the Gemini API for model-inference tasks.
type InferenceHandler struct {
	queue        string
	client       *genai.Client
	defaultModel string
}

// NewInferenceHandler creates an InferenceHandler using the given API key.
func NewInferenceHandler(ctx context.Context, queue, apiKey, defaultModel string) (*InferenceHandler, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("inference handler requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &InferenceHandler{
		queue:        queue,
		client:       client,
		defaultModel: defaultModel,
	}, nil
}

// Type implements task.Handler.
func (h *InferenceHandler) Type() string { return "inference" }

// Queue implements task.Handler.
func (h *InferenceHandler) Queue() string { return h.queue }

// ValidatePayload requires a non-empty prompt.
func (h *InferenceHandler) ValidatePayload(payload json.RawMessage) error {
	var p InferencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", task.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", task.ErrInvalidPayload)
	}
	return nil
}

// Execute calls the model. API errors are treated as transient — the
// provider's own rate limiting and availability blips recover on retry —
// while an empty completion is terminal, since resubmitting the identical
// prompt deterministically reproduces it.
func (h *InferenceHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p InferencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, task.Terminal(fmt.Errorf("malformed payload: %w", err))
	}

	model := p.Model
	if model == "" {
		model = h.defaultModel
	}

	resp, err := h.client.Models.GenerateContent(ctx, model, genai.Text(p.Prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, task.Terminal(fmt.Errorf("model returned no content"))
	}
	return json.Marshal(InferenceResult{Model: model, Text: text})
}
