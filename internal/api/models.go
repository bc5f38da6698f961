package api

import (
	"errors"
	"net/http"

	"github.com/okonma/parley/internal/log"
	"github.com/okonma/parley/internal/ollama"
)

// modelHandler serves model discovery.
type modelHandler struct {
	client   *ollama.Client
	fallback []string
	logger   log.Logger
}

// list handles GET /api/v1/models. When the runtime is unreachable the
// configured fallback list is returned so clients can still render a picker.
func (h *modelHandler) list(w http.ResponseWriter, r *http.Request) {
	models, err := h.client.Models(r.Context())
	if err != nil {
		if errors.Is(err, ollama.ErrUnavailable) {
			h.logger.Warn("model runtime unreachable", "error", err)
			if len(h.fallback) > 0 {
				models = h.fallback
			}
			writeJSON(w, http.StatusOK, map[string]any{"models": models, "degraded": true}, h.logger)
			return
		}
		h.logger.Error("list models", "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to list models", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models}, h.logger)
}
