package thread

import "errors"

// MaxContentLength bounds a single message's content, in bytes.
// Oversized input is rejected before any append takes effect.
const MaxContentLength = 64 * 1024

// Sentinel errors for store operations. These are part of the Store's public
// API and should be checked with errors.Is().
var (
	// ErrNotFound indicates the requested thread does not exist.
	ErrNotFound = errors.New("thread not found")

	// ErrEmptyContent indicates a user message with no content.
	ErrEmptyContent = errors.New("empty message content")

	// ErrContentTooLong indicates content exceeding MaxContentLength.
	ErrContentTooLong = errors.New("message content too long")

	// ErrInvalidRole indicates a role outside {user, assistant}.
	ErrInvalidRole = errors.New("invalid message role")
)
