package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/taskwell/taskwell/internal/task"
)

// scrapeBodyLimit caps how much of a fetched page is read.
const scrapeBodyLimit = 2 << 20 // 2 MB

var titleRegex = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// ScrapePayload is the payload schema for scrape tasks.
type ScrapePayload struct {
	URL string `json:"url"`
}

// ScrapeResult is the scrape task's result document.
type ScrapeResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	BodyBytes   int    `json:"body_bytes"`
	Title       string `json:"title,omitempty"`
}

// ScrapeHandler fetches a page and extracts basic metadata.
type ScrapeHandler struct {
	queue     string
	client    *http.Client
	userAgent string
}

// NewScrapeHandler creates a ScrapeHandler running on the given queue.
func NewScrapeHandler(queue, userAgent string, timeout time.Duration) *ScrapeHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ScrapeHandler{
		queue:     queue,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Type implements task.Handler.
func (h *ScrapeHandler) Type() string { return "scrape" }

// Queue implements task.Handler.
func (h *ScrapeHandler) Queue() string { return h.queue }

// ValidatePayload checks for a well-formed absolute http(s) URL.
func (h *ScrapeHandler) ValidatePayload(payload json.RawMessage) error {
	var p ScrapePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", task.ErrInvalidPayload, err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be absolute http(s)", task.ErrInvalidPayload)
	}
	return nil
}

// Execute fetches the page. Network errors and 5xx responses are
// transient; 4xx responses mean the target will never serve this URL, so
// they are terminal.
func (h *ScrapeHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p ScrapePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, task.Terminal(fmt.Errorf("malformed payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, task.Terminal(err)
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, task.Terminal(fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, scrapeBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", p.URL, err)
	}

	result := ScrapeResult{
		URL:         p.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		BodyBytes:   len(body),
	}
	if m := titleRegex.FindSubmatch(body); m != nil {
		result.Title = strings.TrimSpace(string(m[1]))
	}
	return json.Marshal(result)
}
