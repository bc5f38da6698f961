package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/okonma/parley/internal/convo"
	"github.com/okonma/parley/internal/log"
	"github.com/okonma/parley/internal/ollama"
	"github.com/okonma/parley/internal/thread"
)

// SSE event types for chat streaming.
const (
	EventChunk = "chunk" // partial response text
	EventDone  = "done"  // turn reached a terminal state with a committed reply
	EventError = "error" // turn ended without a committed reply
)

// ChunkPayload is the SSE data payload for streaming text fragments.
type ChunkPayload struct {
	Text string `json:"text"`
}

// DonePayload is the SSE data payload for a terminal turn state. Interrupted
// marks a partial reply (failed or cancelled mid-stream); Cause carries the
// error code in that case.
type DonePayload struct {
	ThreadID    uuid.UUID `json:"threadId"`
	MessageID   uuid.UUID `json:"messageId"`
	Title       string    `json:"title"`
	Interrupted bool      `json:"interrupted"`
	Cause       string    `json:"cause,omitempty"`
}

// ErrorPayload is the SSE data payload when no reply was committed.
type ErrorPayload struct {
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	ThreadID *uuid.UUID `json:"threadId,omitempty"`
}

// chatHandler serves the streaming chat endpoint.
type chatHandler struct {
	orch   *convo.Orchestrator
	logger log.Logger
}

// streamRequest is the POST /api/v1/chat/stream body.
type streamRequest struct {
	ThreadID *uuid.UUID `json:"threadId,omitempty"`
	Message  string     `json:"message"`
	ModelID  string     `json:"modelId,omitempty"`
}

// stream handles POST /api/v1/chat/stream: one full turn over SSE.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var input streamRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{
			Code:    "INVALID_REQUEST",
			Message: "invalid request body",
		})
		return
	}

	req := convo.Request{Text: input.Message, Model: input.ModelID}
	if input.ThreadID != nil {
		req.ThreadID = *input.ThreadID
	}

	ctx := r.Context()
	h.logger.Debug("SSE stream started", "thread_id", req.ThreadID)

	result, err := h.orch.Send(ctx, req, func(fragment string) {
		if writeErr := writeEvent(w, flusher, EventChunk, ChunkPayload{Text: fragment}); writeErr != nil {
			// Write failure usually means the client went away; the context
			// cancellation will unwind the turn.
			h.logger.Debug("failed to write chunk", "error", writeErr)
		}
	})
	if err != nil {
		h.sendError(w, flusher, err, input.ThreadID)
		return
	}

	// Every terminal state commits a reply, full or partial; only a failed
	// commit leaves Reply nil and terminates with error.
	if result.Reply == nil {
		payload := ErrorPayload{
			Code:     causeCode(result.Cause),
			Message:  result.Cause.Error(),
			ThreadID: &result.ThreadID,
		}
		_ = writeEvent(w, flusher, EventError, payload)
		return
	}

	done := DonePayload{
		ThreadID:    result.ThreadID,
		MessageID:   result.Reply.ID,
		Title:       result.Title,
		Interrupted: result.Reply.Interrupted,
	}
	if result.Cause != nil {
		done.Cause = causeCode(result.Cause)
	}
	_ = writeEvent(w, flusher, EventDone, done)

	h.logger.Info("SSE stream completed",
		"thread_id", result.ThreadID, "state", result.State)
}

// cancel handles POST /api/v1/threads/{id}/cancel: cooperative cancellation
// of the thread's in-flight turn.
func (h *chatHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_thread_id", "thread id must be a UUID", h.logger)
		return
	}

	cancelled := h.orch.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled}, h.logger)
}

// sendError maps pre-stream errors to SSE error events.
func (h *chatHandler) sendError(w http.ResponseWriter, flusher http.Flusher, err error, threadID *uuid.UUID) {
	payload := ErrorPayload{
		Code:     causeCode(err),
		Message:  err.Error(),
		ThreadID: threadID,
	}
	_ = writeEvent(w, flusher, EventError, payload)
}

// causeCode maps errors to stable SSE error codes.
func causeCode(err error) string {
	switch {
	case errors.Is(err, convo.ErrEmptyMessage):
		return "EMPTY_MESSAGE"
	case errors.Is(err, convo.ErrMessageTooLong):
		return "MESSAGE_TOO_LONG"
	case errors.Is(err, convo.ErrBusy):
		return "BUSY"
	case errors.Is(err, convo.ErrIdleTimeout):
		return "IDLE_TIMEOUT"
	case errors.Is(err, thread.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ollama.ErrUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, ollama.ErrUpstream):
		return "UPSTREAM_ERROR"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	default:
		return "STREAM_ERROR"
	}
}
