// Package ollama is a thin client for a local Ollama-compatible model
// runtime. It exposes token streaming as a Go iterator and model discovery,
// nothing more; conversation semantics live in the convo package.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/okonma/parley/internal/log"
)

// Defaults matching a stock local Ollama install.
const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2"
)

// Sentinel errors. ErrUnavailable means the runtime could not be reached at
// all; ErrUpstream means it was reached but refused or failed the request.
var (
	ErrUnavailable = errors.New("model runtime unavailable")
	ErrUpstream    = errors.New("model runtime error")
)

// Message is one turn of model context in the runtime's wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to one Ollama-compatible runtime.
type Client struct {
	baseURL string
	http    *http.Client
	logger  log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the runtime at baseURL. An empty baseURL falls
// back to DefaultBaseURL.
func New(baseURL string, logger log.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		// No overall timeout: streams are open-ended. Cancellation and idle
		// policing come from the caller's context.
		http:   &http.Client{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// chatRequest is the /api/chat request body.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatChunk is one NDJSON line of the /api/chat streaming response.
type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Chat streams a completion for the given context window. The returned
// sequence yields content fragments in order; a non-nil error terminates the
// sequence. Cancelling ctx aborts the underlying request promptly.
//
// The sequence is single-use. Breaking out of the range loop closes the
// response body and releases the connection.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(chatRequest{
			Model:    model,
			Messages: messages,
			Stream:   true,
		})
		if err != nil {
			yield("", fmt.Errorf("encode chat request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("build chat request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", fmt.Errorf("%w: %v", ErrUnavailable, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, bytes.TrimSpace(msg)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield("", fmt.Errorf("%w: malformed stream line: %v", ErrUpstream, err))
				return
			}
			if chunk.Error != "" {
				yield("", fmt.Errorf("%w: %s", ErrUpstream, chunk.Error))
				return
			}
			if chunk.Message.Content != "" {
				if !yield(chunk.Message.Content, nil) {
					return
				}
			}
			if chunk.Done {
				c.logger.DebugContext(ctx, "chat stream complete",
					"model", model, "elapsed", time.Since(start))
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", fmt.Errorf("%w: stream interrupted: %v", ErrUpstream, err))
			return
		}
		// EOF without a done marker. The runtime dropped the stream.
		yield("", fmt.Errorf("%w: stream ended without completion", ErrUpstream))
	}
}

// tagsResponse is the /api/tags response body.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models returns the names of models installed in the runtime. When the
// runtime is unreachable it returns the default model name so callers can
// still render a usable picker, along with ErrUnavailable.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "model runtime unreachable, using default model list", "error", err)
		return []string{DefaultModel}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", ErrUpstream, err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	if len(names) == 0 {
		names = []string{DefaultModel}
	}
	return names, nil
}

// Healthy reports whether the runtime answers at all.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
