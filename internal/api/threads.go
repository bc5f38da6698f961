package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/okonma/parley/internal/log"
	"github.com/okonma/parley/internal/thread"
)

// threadHandler serves the thread CRUD endpoints.
type threadHandler struct {
	store       *thread.Store
	placeholder string // title for threads created without one
	logger      log.Logger
}

// list handles GET /api/v1/threads[?q=...], most recently updated first.
func (h *threadHandler) list(w http.ResponseWriter, r *http.Request) {
	threads, err := h.store.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error("list threads", "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list threads", h.logger)
		return
	}
	if threads == nil {
		threads = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads}, h.logger)
}

// create handles POST /api/v1/threads.
func (h *threadHandler) create(w http.ResponseWriter, r *http.Request) {
	// An empty body is fine: the thread starts with the derivation
	// placeholder for a title.
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	title := strings.TrimSpace(body.Title)
	if title == "" {
		title = h.placeholder
	}

	th, err := h.store.Create(r.Context(), title)
	if err != nil {
		h.logger.Error("create thread", "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to create thread", h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, th, h.logger)
}

// get handles GET /api/v1/threads/{id}.
func (h *threadHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	th, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, th, h.logger)
}

// messages handles GET /api/v1/threads/{id}/messages.
func (h *threadHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.Messages(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*thread.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs}, h.logger)
}

// delete handles DELETE /api/v1/threads/{id}. Deleting a missing thread
// still returns 204: the end state is the same.
func (h *threadHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.Delete(r.Context(), id); err != nil {
		h.logger.Error("delete thread", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to delete thread", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rename handles PATCH /api/v1/threads/{id}. A rename marks the title
// user-set, so automatic derivation stops touching it.
func (h *threadHandler) rename(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	if err := h.store.Rename(r.Context(), id, body.Title); err != nil {
		switch {
		case errors.Is(err, thread.ErrEmptyContent):
			writeError(w, http.StatusBadRequest, "empty_title", "title must not be empty", h.logger)
		default:
			h.storeError(w, err, "failed to rename thread")
		}
		return
	}

	th, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, th, h.logger)
}

// pathID parses the {id} path segment, writing a 400 on failure.
func (h *threadHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_thread_id", "thread id must be a UUID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

// storeError maps store errors to HTTP responses.
func (h *threadHandler) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, thread.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "thread not found", h.logger)
		return
	}
	h.logger.Error(message, "error", err)
	writeError(w, http.StatusInternalServerError, "storage_error", message, h.logger)
}
