package storage

import (
	"context"
	"errors"
	"time"

	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
)

var (
	// ErrNotFound is returned when no live session matches.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create when a live session already uses
	// the external id.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrAlreadyEnded is returned by the teardown claims when another caller
	// already claimed the session or it was deleted.
	ErrAlreadyEnded = errors.New("session already ended")
	// ErrFrontendNotBound is returned by IncrementViewer for an unbound frontend
	// or a session with no bindings.
	ErrFrontendNotBound = errors.New("frontend not bound to session")
)

// SessionStore is the authoritative record of live sessions and their
// viewer bindings. A deleted session leaves a tombstone until purged.
type SessionStore interface {
	Ping(ctx context.Context) error

	// Create stores a new open session with primaryFrontend bound at
	// position zero.
	Create(ctx context.Context, externalID, rtmpURI, primaryFrontend string) (models.Session, error)
	FindByExternalID(ctx context.Context, externalID string) (models.Session, error)
	FindByInternalID(ctx context.Context, internalID string) (models.Session, error)

	// BindChatAndEncoder records the Start selections and marks the session
	// started. It and the other mutators below return ErrAlreadyEnded once
	// the session has been claimed for teardown.
	BindChatAndEncoder(ctx context.Context, externalID, chatBridge, encoder, internalID string) (models.Session, error)
	SetMeetingPassword(ctx context.Context, externalID, password string) error
	// BindFrontend adds a zero-initialised binding; binding twice is a no-op.
	BindFrontend(ctx context.Context, externalID, frontendID string) (models.Session, error)
	// IncrementViewer bumps one binding's counter. An empty frontendID picks
	// the binding with the smallest counter, earliest position first.
	IncrementViewer(ctx context.Context, externalID, frontendID string) (models.ViewerBinding, error)

	// BeginTeardown atomically moves a live session to the ending state.
	// Exactly one caller succeeds; later callers get ErrAlreadyEnded and
	// unknown ids get ErrNotFound.
	BeginTeardown(ctx context.Context, externalID string) (models.Session, error)
	BeginTeardownByInternalID(ctx context.Context, internalID string) (models.Session, error)
	// Delete removes a session and its bindings, leaving a tombstone.
	// Deleting an unknown or already deleted session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// CountByPeer counts live sessions referencing each peer of role.
	CountByPeer(ctx context.Context, role peers.Role) (map[string]int, error)
	// PurgeTombstones drops tombstones deleted before the cutoff.
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)

	Close(ctx context.Context) error
}
