package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. No peer is contacted.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned by Open when the meeting already has a session.
	ErrConflict = errors.New("session already open")
	// ErrNotFound is returned for unknown sessions or meetings.
	ErrNotFound = errors.New("not found")
)

// UpstreamError reports the peer step that failed. Steps completed before it
// have been compensated by the time the error is returned.
type UpstreamError struct {
	// Peer names the failing step: edge, conference, chat-bridge,
	// frontend-chat or live-encoder.
	Peer    string
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("couldn't start %q: %s", e.Peer, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PeerError is one non-fatal peer failure surfaced alongside a successful
// result.
type PeerError struct {
	Peer    string `json:"peer"`
	Message string `json:"message"`
}

func validationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

func notFound(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}
