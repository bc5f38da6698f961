package ollama

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

	"github.com/okonma/parley/internal/log"
)

// ndjsonHandler writes the given chunk lines as an NDJSON stream.
func ndjsonHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.NotEmpty(t, req.Model)

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, seq func(func(string, error) bool)) (string, error) {
	t.Helper()
	var out string
	for fragment, err := range seq {
		if err != nil {
			return out, err
		}
		out += fragment
	}
	return out, nil
}

func TestClient_Chat(t *testing.T) {
	t.Parallel()

	t.Run("streams fragments in order", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(ndjsonHandler(t, []string{
			`{"message":{"content":"The "},"done":false}`,
			`{"message":{"content":"answer "},"done":false}`,
			`{"message":{"content":"is 4."},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		got, err := collect(t, client.Chat(context.Background(), "llama3.2", []Message{
			{Role: "user", Content: "What is 2+2?"},
		}))
		require.NoError(t, err)
		assert.Equal(t, "The answer is 4.", got)
	})

	t.Run("mid-stream error terminates the sequence", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(ndjsonHandler(t, []string{
			`{"message":{"content":"partial"},"done":false}`,
			`{"error":"model crashed"}`,
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		got, err := collect(t, client.Chat(context.Background(), "llama3.2", nil))
		assert.Equal(t, "partial", got, "fragments before the error are still delivered")
		assert.ErrorIs(t, err, ErrUpstream)
		assert.ErrorContains(t, err, "model crashed")
	})

	t.Run("non-2xx status maps to ErrUpstream", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		_, err := collect(t, client.Chat(context.Background(), "nope", nil))
		assert.ErrorIs(t, err, ErrUpstream)
		assert.ErrorContains(t, err, "404")
	})

	t.Run("unreachable runtime maps to ErrUnavailable", func(t *testing.T) {
		t.Parallel()
		client := New("http://127.0.0.1:1", log.NewNop())
		_, err := collect(t, client.Chat(context.Background(), "llama3.2", nil))
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("truncated stream maps to ErrUpstream", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(ndjsonHandler(t, []string{
			`{"message":{"content":"never finished"},"done":false}`,
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		got, err := collect(t, client.Chat(context.Background(), "llama3.2", nil))
		assert.Equal(t, "never finished", got)
		assert.ErrorIs(t, err, ErrUpstream)
	})

	t.Run("context cancellation aborts the stream", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/x-ndjson")
			fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
			w.(http.Flusher).Flush()
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		client := New(srv.URL, log.NewNop())

		var got string
		var streamErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			got, streamErr = collect(t, client.Chat(ctx, "llama3.2", nil))
		}()

		// Give the stream a moment to deliver the first fragment, then cancel.
		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not terminate after cancellation")
		}
		assert.Equal(t, "first", got)
		assert.ErrorIs(t, streamErr, context.Canceled)
	})

	t.Run("breaking out of the loop stops consumption", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(ndjsonHandler(t, []string{
			`{"message":{"content":"one"},"done":false}`,
			`{"message":{"content":"two"},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		var got string
		for fragment, err := range client.Chat(context.Background(), "llama3.2", nil) {
			require.NoError(t, err)
			got = fragment
			break
		}
		assert.Equal(t, "one", got)
	})
}

func TestClient_Models(t *testing.T) {
	t.Parallel()

	t.Run("lists installed models", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/tags", r.URL.Path)
			fmt.Fprint(w, `{"models":[{"name":"llama3.2"},{"name":"qwen2.5-coder"}]}`)
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		models, err := client.Models(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"llama3.2", "qwen2.5-coder"}, models)
	})

	t.Run("unreachable runtime falls back to default", func(t *testing.T) {
		t.Parallel()
		client := New("http://127.0.0.1:1", log.NewNop())
		models, err := client.Models(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, []string{DefaultModel}, models)
	})

	t.Run("empty list falls back to default", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"models":[]}`)
		}))
		defer srv.Close()

		client := New(srv.URL, log.NewNop())
		models, err := client.Models(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{DefaultModel}, models)
	})
}

func TestClient_Healthy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	assert.True(t, New(srv.URL, log.NewNop()).Healthy(context.Background()))
	assert.False(t, New("http://127.0.0.1:1", log.NewNop()).Healthy(context.Background()))
}
