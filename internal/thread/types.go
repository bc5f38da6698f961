package thread

import (
	"time"

	"github.com/google/uuid"
)

// Role constants define valid message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Thread represents a conversation thread (application-level type).
type Thread struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	TitleOverridden bool      `json:"titleOverridden"`
	MessageCount    int       `json:"messageCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message represents a single conversation message (application-level type).
//
// ParentID links an assistant message to the user message that started its
// turn. The store enforces at most one assistant reply per parent, which
// makes the final commit of a turn idempotent under retry.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ThreadID       uuid.UUID  `json:"threadId"`
	ParentID       *uuid.UUID `json:"parentId,omitempty"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	Interrupted    bool       `json:"interrupted"`
	SequenceNumber int32      `json:"sequenceNumber"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Draft is the input for appending a message to a thread.
type Draft struct {
	ParentID    *uuid.UUID
	Role        string
	Content     string
	Interrupted bool
}
