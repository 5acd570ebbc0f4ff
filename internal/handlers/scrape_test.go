package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwell/taskwell/internal/task"
)

func scrapePayload(url string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"url":%q}`, url))
}

func TestScrapeValidatePayload(t *testing.T) {
	t.Parallel()

	h := NewScrapeHandler("crawl", "taskwell-test/1.0", time.Second)
	assert.Equal(t, "scrape", h.Type())
	assert.Equal(t, "crawl", h.Queue())

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "http url", payload: `{"url":"http://example.com/page"}`},
		{name: "https url", payload: `{"url":"https://example.com"}`},
		{name: "relative url", payload: `{"url":"/page"}`, wantErr: true},
		{name: "wrong scheme", payload: `{"url":"ftp://example.com"}`, wantErr: true},
		{name: "empty url", payload: `{"url":""}`, wantErr: true},
		{name: "malformed", payload: `{`, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := h.ValidatePayload(json.RawMessage(tc.payload))
			if tc.wantErr {
				assert.ErrorIs(t, err, task.ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScrapeExecute(t *testing.T) {
	t.Parallel()

	t.Run("extracts page metadata", func(t *testing.T) {
		t.Parallel()

		var gotUA string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><title> Example Domain </title></head><body>hi</body></html>`)
		}))
		defer srv.Close()

		h := NewScrapeHandler("crawl", "taskwell-test/1.0", time.Second)
		raw, err := h.Execute(context.Background(), scrapePayload(srv.URL))
		require.NoError(t, err)

		var res ScrapeResult
		require.NoError(t, json.Unmarshal(raw, &res))
		assert.Equal(t, srv.URL, res.URL)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "text/html; charset=utf-8", res.ContentType)
		assert.Equal(t, "Example Domain", res.Title, "titles are trimmed")
		assert.Greater(t, res.BodyBytes, 0)
		assert.Equal(t, "taskwell-test/1.0", gotUA)
	})

	t.Run("page without title", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"not":"html"}`)
		}))
		defer srv.Close()

		h := NewScrapeHandler("crawl", "taskwell-test/1.0", time.Second)
		raw, err := h.Execute(context.Background(), scrapePayload(srv.URL))
		require.NoError(t, err)

		var res ScrapeResult
		require.NoError(t, json.Unmarshal(raw, &res))
		assert.Empty(t, res.Title)
	})

	t.Run("4xx is terminal", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		h := NewScrapeHandler("crawl", "taskwell-test/1.0", time.Second)
		_, err := h.Execute(context.Background(), scrapePayload(srv.URL))
		require.Error(t, err)
		assert.True(t, task.IsTerminalError(err), "the target will never serve this URL")
	})

	t.Run("5xx is transient", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		h := NewScrapeHandler("crawl", "taskwell-test/1.0", time.Second)
		_, err := h.Execute(context.Background(), scrapePayload(srv.URL))
		require.Error(t, err)
		assert.False(t, task.IsTerminalError(err), "server errors are worth retrying")
	})

	t.Run("connection failure is transient", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // nothing is listening anymore

		h := NewScrapeHandler("crawl", "taskwell-test/1.0", time.Second)
		_, err := h.Execute(context.Background(), scrapePayload(srv.URL))
		require.Error(t, err)
		assert.False(t, task.IsTerminalError(err))
	})

	t.Run("cancelled context propagates", func(t *testing.T) {
		t.Parallel()

		blocked := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-blocked
		}))
		defer srv.Close()
		defer close(blocked)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		h := NewScrapeHandler("crawl", "taskwell-test/1.0", 5*time.Second)
		_, err := h.Execute(ctx, scrapePayload(srv.URL))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
