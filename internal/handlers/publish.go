package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/taskwell/taskwell/internal/task"
)

// PublishPayload is the payload schema for publish tasks: a JSON document
// POSTed to a destination webhook.
type PublishPayload struct {
	URL      string          `json:"url"`
	Document json.RawMessage `json:"document"`
}

// PublishResult is the publish task's result document.
type PublishResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// PublishHandler delivers documents to external endpoints.
type PublishHandler struct {
	queue     string
	client    *http.Client
	userAgent string
}

// NewPublishHandler creates a PublishHandler running on the given queue.
func NewPublishHandler(queue, userAgent string, timeout time.Duration) *PublishHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PublishHandler{
		queue:     queue,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Type implements task.Handler.
func (h *PublishHandler) Type() string { return "publish" }

// Queue implements task.Handler.
func (h *PublishHandler) Queue() string { return h.queue }

// ValidatePayload checks the destination URL and that a document is
// present.
func (h *PublishHandler) ValidatePayload(payload json.RawMessage) error {
	var p PublishPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", task.ErrInvalidPayload, err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be absolute http(s)", task.ErrInvalidPayload)
	}
	if len(p.Document) == 0 {
		return fmt.Errorf("%w: document is required", task.ErrInvalidPayload)
	}
	return nil
}

// Execute POSTs the document. 2xx succeeds; 4xx means the destination
// permanently rejected the document (terminal); everything else is
// transient.
func (h *PublishHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p PublishPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, task.Terminal(fmt.Errorf("malformed payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Document))
	if err != nil {
		return nil, task.Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("publish to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.Marshal(PublishResult{URL: p.URL, StatusCode: resp.StatusCode})
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, task.Terminal(fmt.Errorf("publish to %s: rejected with status %d", p.URL, resp.StatusCode))
	default:
		return nil, fmt.Errorf("publish to %s: status %d", p.URL, resp.StatusCode)
	}
}
