package saga

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
	"bbb-stream-controller/internal/storage"
)

const maxConcurrentOpens = 8

// OpenResult describes a freshly opened session. Errors lists secondary
// frontends whose channel could not be opened.
type OpenResult struct {
	Session models.Session
	Errors  []PeerError
}

// Open creates a session for meetingID. The primary frontend's channel must
// open for the session to exist; every other frontend is attempted
// concurrently and bound when it succeeds. extra is forwarded to every
// openChannel call.
func (s *Saga) Open(ctx context.Context, meetingID string, extra map[string]any) (result OpenResult, err error) {
	defer func() { s.observe("open", err) }()

	meetingID, err = requireMeetingID(meetingID)
	if err != nil {
		return OpenResult{}, err
	}
	logger := s.log(ctx, meetingID)

	if _, err := s.store.FindByExternalID(ctx, meetingID); err == nil {
		return OpenResult{}, fmt.Errorf("the channel has already been opened: %w", ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return OpenResult{}, fmt.Errorf("load session: %w", err)
	}

	primary, err := s.primaryFrontend(ctx)
	if err != nil {
		return OpenResult{}, err
	}
	frontend := rpc.Frontend{Caller: s.caller, Peer: primary}
	var stack undoStack

	res := frontend.OpenChannel(ctx, meetingID, extra)
	if !res.OK() {
		logger.Warn("primary frontend refused channel", "peer", primary.ID, "outcome", res.Outcome.String(), "message", res.Message)
		return OpenResult{}, &UpstreamError{Peer: "edge", Message: res.Message, Err: res.Err()}
	}
	stack.push("close_channel", func(ctx context.Context) rpc.Result {
		return frontend.CloseChannel(ctx, meetingID)
	})

	var content rpc.OpenChannelContent
	if err := res.Decode(&content); err != nil || strings.TrimSpace(content.StreamingKey) == "" {
		s.unwind(ctx, meetingID, &stack)
		return OpenResult{}, &UpstreamError{Peer: "edge", Message: "frontend returned no streaming key", Err: err}
	}
	rtmpURI, err := RTMPURI(primary.URL, content.StreamingKey)
	if err != nil {
		s.unwind(ctx, meetingID, &stack)
		return OpenResult{}, &UpstreamError{Peer: "edge", Message: err.Error(), Err: err}
	}

	if _, err := s.store.Create(ctx, meetingID, rtmpURI, primary.ID); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.adoptChannel(ctx, meetingID, frontend)
			return OpenResult{}, fmt.Errorf("the channel has already been opened: %w", ErrConflict)
		}
		s.unwind(ctx, meetingID, &stack)
		return OpenResult{}, fmt.Errorf("create session: %w", err)
	}
	s.metrics.SessionOpened()
	logger.Info("channel opened", "peer", primary.ID, "rtmp_uri", rtmpURI)

	result.Errors = s.broadcastOpen(ctx, meetingID, primary.ID, extra)

	session, err := s.store.FindByExternalID(ctx, meetingID)
	if errors.Is(err, storage.ErrNotFound) {
		return OpenResult{}, notFound("the channel was closed while opening")
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("reload session: %w", err)
	}
	result.Session = session
	return result, nil
}

func (s *Saga) primaryFrontend(ctx context.Context) (peers.Peer, error) {
	if s.ingest != "" {
		return s.registry.Get(s.ingest)
	}
	return s.leastLoaded(ctx, peers.RoleFrontend)
}

// adoptChannel handles an Open that lost the create race. Frontends key
// channels by meeting id, so the channel just opened is the winner's too: it
// is bound to the winning session, and closed only when that session is
// already gone or being torn down.
func (s *Saga) adoptChannel(ctx context.Context, meetingID string, frontend rpc.Frontend) {
	logger := s.log(ctx, meetingID)
	_, err := s.store.BindFrontend(ctx, meetingID, frontend.Peer.ID)
	if err == nil {
		logger.Info("lost open race, channel kept for the live session", "peer", frontend.Peer.ID)
		return
	}
	logger.Warn("lost open race, closing channel", "peer", frontend.Peer.ID, "error", err)
	s.closeOrphan(ctx, meetingID, frontend)
}

// closeOrphan closes a channel that no session will ever tear down.
func (s *Saga) closeOrphan(ctx context.Context, meetingID string, frontend rpc.Frontend) {
	res := frontend.CloseChannel(context.WithoutCancel(ctx), meetingID)
	err := res.Err()
	s.metrics.ObserveCompensation("close_channel", err)
	if err != nil {
		s.log(ctx, meetingID).Warn("compensation failed", "step", "close_channel", "peer", res.Peer, "endpoint", res.Endpoint, "error", err)
	}
}

// broadcastOpen opens the channel on every frontend except the primary.
// At most maxConcurrentOpens calls run at once; successful frontends are bound
// in registry order. A frontend that cannot be bound, for example because the
// session is being torn down, has its channel closed again.
func (s *Saga) broadcastOpen(ctx context.Context, meetingID, primaryID string, extra map[string]any) []PeerError {
	var secondaries []peers.Peer
	for _, p := range s.registry.PeersOf(peers.RoleFrontend) {
		if p.ID != primaryID {
			secondaries = append(secondaries, p)
		}
	}
	if len(secondaries) == 0 {
		return nil
	}

	results := make([]rpc.Result, len(secondaries))
	var g errgroup.Group
	g.SetLimit(maxConcurrentOpens)
	for i, peer := range secondaries {
		g.Go(func() error {
			results[i] = rpc.Frontend{Caller: s.caller, Peer: peer}.OpenChannel(ctx, meetingID, extra)
			return nil
		})
	}
	_ = g.Wait()

	logger := s.log(ctx, meetingID)
	var errs []PeerError
	for i, peer := range secondaries {
		res := results[i]
		if !res.OK() {
			logger.Warn("secondary frontend refused channel", "peer", peer.ID, "outcome", res.Outcome.String(), "message", res.Message)
			errs = append(errs, PeerError{Peer: peer.ID, Message: res.Message})
			continue
		}
		if _, err := s.store.BindFrontend(ctx, meetingID, peer.ID); err != nil {
			logger.Warn("bind frontend failed", "peer", peer.ID, "error", err)
			errs = append(errs, PeerError{Peer: peer.ID, Message: err.Error()})
			s.closeOrphan(ctx, meetingID, rpc.Frontend{Caller: s.caller, Peer: peer})
		}
	}
	return errs
}

// RTMPURI derives the ingest address from a frontend base URL and the
// streaming key it returned. http and https schemes become rtmp.
func RTMPURI(frontendURL, streamingKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(frontendURL))
	if err != nil {
		return "", fmt.Errorf("parse frontend url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("frontend url %q has no host", frontendURL)
	}
	switch u.Scheme {
	case "http", "https", "":
		u.Scheme = "rtmp"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream/" + streamingKey
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
