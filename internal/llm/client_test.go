package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "llama3.1",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func newTestClient(url string, timeout time.Duration) *Client {
	return New(Config{URL: url, APIKey: "sk-test", Model: "llama3.1", Timeout: timeout, Temperature: 0.2}, nil)
}

func TestComplete_Success(t *testing.T) {
	var gotPath, gotAuth, gotModel string
	var gotMessages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model    string           `json:"model"`
			Messages []map[string]any `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		gotMessages = len(body.Messages)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion("  A walk by the lake  ")))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	out, err := c.Complete(context.Background(), "system", "user text")
	require.NoError(t, err)
	assert.Equal(t, "A walk by the lake", out)
	assert.Equal(t, "/api/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "llama3.1", gotModel)
	assert.Equal(t, 2, gotMessages)
}

func TestComplete_ServerErrorIsTransient(t *testing.T) {
	for _, code := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"busy"}}`))
		}))
		_, err := newTestClient(srv.URL, time.Second).Complete(context.Background(), "", "x")
		srv.Close()
		require.Error(t, err)
		assert.True(t, apperr.IsTransient(err), "status %d: %v", code, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}

func TestComplete_BadRequestIsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model not found"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Complete(context.Background(), "", "x")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPartial, apperr.KindOf(err))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestComplete_EmptyContentIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion("   ")))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Complete(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, apperr.KindPartial, apperr.KindOf(err))
}

func TestComplete_TimeoutIsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 50*time.Millisecond).Complete(context.Background(), "", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, apperr.KindPartial, apperr.KindOf(err))
}

func TestComplete_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, time.Second).Complete(context.Background(), "", "x")
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/", time.Second)
	require.NoError(t, c.Health(context.Background()))
	healthy.Store(false)
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestTruncator_RuneFallback(t *testing.T) {
	tr := NewTruncator(2)
	tr.once.Do(func() {})
	assert.Equal(t, "abcdefgh", tr.Truncate(strings.Repeat("abcdefgh", 3)))
	assert.Equal(t, "short", tr.Truncate("short"))

	off := NewTruncator(0)
	assert.Equal(t, "unchanged", off.Truncate("unchanged"))
}
