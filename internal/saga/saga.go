// Package saga drives the session lifecycle across conference backends, chat
// bridges, live encoders and frontends. Every forward step that touches a
// peer records how to undo itself; a failing step unwinds the recorded undo
// actions in reverse before the error is returned.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bbb-stream-controller/internal/bbb"
	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
	"bbb-stream-controller/internal/storage"
)

// DefaultChatUser is the display name the chat bridge joins meetings with.
const DefaultChatUser = "Stream"

// MeetingDirectory answers questions about meetings hosted on conference
// backends.
type MeetingDirectory interface {
	IsMeetingRunning(ctx context.Context, backend peers.Peer, meetingID string) (bool, error)
	GetMeetingInfo(ctx context.Context, backend peers.Peer, meetingID string) (bbb.MeetingInfo, error)
}

// Config wires a Saga to its collaborators.
type Config struct {
	Registry *peers.Registry
	Store    storage.SessionStore
	Caller   rpc.Caller
	Meetings MeetingDirectory
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	// IngestFrontend pins every session's primary frontend to one peer
	// instead of picking the least loaded one.
	IngestFrontend string
	ChatUser       string
	Now            func() time.Time
}

// Saga implements Open, Start, Join, End and ExternalEnd.
type Saga struct {
	registry *peers.Registry
	store    storage.SessionStore
	caller   rpc.Caller
	meetings MeetingDirectory
	metrics  *metrics.Recorder
	logger   *slog.Logger
	ingest   string
	chatUser string
	now      func() time.Time
}

// New validates cfg and returns a Saga.
func New(cfg Config) (*Saga, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("saga: peer registry is required")
	case cfg.Store == nil:
		return nil, errors.New("saga: session store is required")
	case cfg.Caller == nil:
		return nil, errors.New("saga: rpc caller is required")
	case cfg.Meetings == nil:
		return nil, errors.New("saga: meeting directory is required")
	}
	if len(cfg.Registry.PeersOf(peers.RoleFrontend)) == 0 {
		return nil, errors.New("saga: at least one frontend is required")
	}
	ingest := strings.TrimSpace(cfg.IngestFrontend)
	if ingest != "" {
		peer, err := cfg.Registry.Get(ingest)
		if err != nil {
			return nil, fmt.Errorf("saga: ingest frontend: %w", err)
		}
		if peer.Role != peers.RoleFrontend {
			return nil, fmt.Errorf("saga: ingest frontend %q has role %s", ingest, peer.Role)
		}
	}
	s := &Saga{
		registry: cfg.Registry,
		store:    cfg.Store,
		caller:   cfg.Caller,
		meetings: cfg.Meetings,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		ingest:   ingest,
		chatUser: cfg.ChatUser,
		now:      cfg.Now,
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = logging.WithComponent(s.logger, "saga")
	if s.chatUser == "" {
		s.chatUser = DefaultChatUser
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Saga) log(ctx context.Context, meetingID string) *slog.Logger {
	return logging.WithContext(logging.ContextWithMeetingID(ctx, meetingID), s.logger)
}

// leastLoaded picks the peer of role bound to the fewest live sessions, using
// a fresh count from the store.
func (s *Saga) leastLoaded(ctx context.Context, role peers.Role) (peers.Peer, error) {
	counts, err := s.store.CountByPeer(ctx, role)
	if err != nil {
		return peers.Peer{}, fmt.Errorf("count %s load: %w", role, err)
	}
	peer, err := peers.LeastLoaded(s.registry.PeersOf(role), peers.CountLoad(counts))
	if err != nil {
		return peers.Peer{}, fmt.Errorf("select %s: %w", role, err)
	}
	return peer, nil
}

// lookup returns the live session for meetingID. Sessions being torn down
// are reported as missing.
func (s *Saga) lookup(ctx context.Context, meetingID string) (models.Session, error) {
	session, err := s.store.FindByExternalID(ctx, meetingID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Session{}, notFound("no channel was opened for this meeting")
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	if session.State == models.SessionEnding {
		return models.Session{}, notFound("the stream for this meeting is stopping")
	}
	return session, nil
}

func (s *Saga) observe(operation string, err error) {
	s.metrics.ObserveOperation(operation, outcomeOf(err))
}

func outcomeOf(err error) string {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &upstream):
		return "upstream_failure"
	default:
		return "error"
	}
}

func requireMeetingID(meetingID string) (string, error) {
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return "", validationError("meetingId is required")
	}
	return meetingID, nil
}
