package saga

import (
	"context"
	"errors"
	"fmt"

	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
	"bbb-stream-controller/internal/storage"
)

// Messages reported when a teardown request finds nothing to do.
const (
	MessageAlreadyStopped = "The stream has already been stopped."
	MessageNoStream       = "This meeting had no stream."
)

// EndResult reports a teardown. Stopped is false when the call was a no-op
// because another caller already tore the session down. Errors lists peers
// whose stop call failed; the session is deleted regardless.
type EndResult struct {
	Stopped bool
	Message string
	Errors  []PeerError
}

// End tears down the session opened for meetingID.
func (s *Saga) End(ctx context.Context, meetingID string) (result EndResult, err error) {
	defer func() { s.observe("end", err) }()

	meetingID, err = requireMeetingID(meetingID)
	if err != nil {
		return EndResult{}, err
	}
	session, err := s.store.BeginTeardown(ctx, meetingID)
	switch {
	case errors.Is(err, storage.ErrAlreadyEnded):
		return EndResult{Message: MessageAlreadyStopped}, nil
	case errors.Is(err, storage.ErrNotFound):
		return EndResult{}, notFound("no channel was opened for this meeting")
	case err != nil:
		return EndResult{}, fmt.Errorf("claim session: %w", err)
	}
	return s.teardown(ctx, session)
}

// ExternalEnd tears down the session whose conference-side id is
// internalMeetingID. Meetings that were never streamed, or whose stream is
// already gone, are a successful no-op.
func (s *Saga) ExternalEnd(ctx context.Context, internalMeetingID string) (result EndResult, err error) {
	defer func() { s.observe("external_end", err) }()

	session, err := s.store.BeginTeardownByInternalID(ctx, internalMeetingID)
	switch {
	case errors.Is(err, storage.ErrAlreadyEnded), errors.Is(err, storage.ErrNotFound):
		return EndResult{Message: MessageNoStream}, nil
	case err != nil:
		return EndResult{}, fmt.Errorf("claim session: %w", err)
	}
	return s.teardown(ctx, session)
}

// teardown stops every bound peer, collecting failures, then deletes the
// session. It runs detached from caller cancellation once the claim is held.
func (s *Saga) teardown(ctx context.Context, session models.Session) (EndResult, error) {
	ctx = context.WithoutCancel(ctx)
	meetingID := session.ExternalID
	logger := s.log(ctx, meetingID)

	var errs []PeerError
	stop := func(peerID string, call func(peers.Peer) rpc.Result) {
		peer, err := s.registry.Get(peerID)
		if err != nil {
			errs = append(errs, PeerError{Peer: peerID, Message: err.Error()})
			return
		}
		res := call(peer)
		if !res.OK() {
			logger.Warn("teardown call failed", "peer", peer.ID, "endpoint", res.Endpoint, "outcome", res.Outcome.String(), "message", res.Message)
			errs = append(errs, PeerError{Peer: peer.ID, Message: res.Message})
		}
	}

	if session.ChatBridge != "" {
		stop(session.ChatBridge, func(p peers.Peer) rpc.Result {
			return rpc.ChatBridge{Caller: s.caller, Peer: p}.EndChat(ctx, meetingID)
		})
	}
	if session.LiveEncoder != "" {
		stop(session.LiveEncoder, func(p peers.Peer) rpc.Result {
			return rpc.LiveEncoder{Caller: s.caller, Peer: p}.StopStream(ctx, meetingID)
		})
	}
	for _, frontendID := range session.FrontendIDs() {
		stop(frontendID, func(p peers.Peer) rpc.Result {
			return rpc.Frontend{Caller: s.caller, Peer: p}.CloseChannel(ctx, meetingID)
		})
	}

	if err := s.store.Delete(ctx, session.ID); err != nil {
		return EndResult{}, fmt.Errorf("delete session: %w", err)
	}
	s.metrics.SessionClosed()
	logger.Info("stream stopped", "peer_errors", len(errs))
	return EndResult{Stopped: true, Message: "Stream stopped successfully.", Errors: errs}, nil
}
