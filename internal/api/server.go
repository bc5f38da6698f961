// Package api exposes the conversation service over HTTP: a JSON API for
// thread management plus an SSE endpoint for streaming chat turns.
package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okonma/parley/internal/convo"
	"github.com/okonma/parley/internal/log"
	"github.com/okonma/parley/internal/ollama"
	"github.com/okonma/parley/internal/thread"
)

// ServerConfig contains everything the API server needs.
type ServerConfig struct {
	Logger           log.Logger
	Store            *thread.Store        // required
	Orchestrator     *convo.Orchestrator  // required
	Ollama           *ollama.Client       // required
	Pool             *pgxpool.Pool        // optional: nil disables pool stats in /ready
	CORSOrigins      []string
	TrustProxy       bool
	RateLimit        float64 // requests per second per IP (0 = default 10)
	RateBurst        int     // burst size per IP (0 = default 20)
	TitlePlaceholder string
	FallbackModels   []string
}

// Server is the JSON+SSE HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("thread store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Ollama == nil {
		return nil, errors.New("ollama client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	th := &threadHandler{
		store:       cfg.Store,
		placeholder: cfg.TitlePlaceholder,
		logger:      logger,
	}
	ch := &chatHandler{orch: cfg.Orchestrator, logger: logger}
	mh := &modelHandler{client: cfg.Ollama, fallback: cfg.FallbackModels, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/threads", th.list)
	mux.HandleFunc("POST /api/v1/threads", th.create)
	mux.HandleFunc("GET /api/v1/threads/{id}", th.get)
	mux.HandleFunc("GET /api/v1/threads/{id}/messages", th.messages)
	mux.HandleFunc("DELETE /api/v1/threads/{id}", th.delete)
	mux.HandleFunc("PATCH /api/v1/threads/{id}", th.rename)

	mux.HandleFunc("POST /api/v1/chat/stream", ch.stream)
	mux.HandleFunc("POST /api/v1/threads/{id}/cancel", ch.cancel)

	mux.HandleFunc("GET /api/v1/models", mh.list)

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	rl := newRateLimiter(limit, burst)

	// Middleware stack, outermost first:
	//   Recovery → Logging → CORS → RateLimit → Routes
	// CORS sits before RateLimit so preflight OPTIONS gets proper headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
