package saga

import (
	"context"
	"errors"
	"fmt"

	"bbb-stream-controller/internal/bbb"
	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
	"bbb-stream-controller/internal/storage"
)

// StartResult describes a session that is now live.
type StartResult struct {
	Session    models.Session
	Conference string
}

// Start locates the conference backend hosting meetingID, binds its chat
// bridge and the least-loaded encoder, then starts both chats and the stream.
// A failing step undoes the chats already started, newest first.
func (s *Saga) Start(ctx context.Context, meetingID string) (result StartResult, err error) {
	defer func() { s.observe("start", err) }()

	meetingID, err = requireMeetingID(meetingID)
	if err != nil {
		return StartResult{}, err
	}
	logger := s.log(ctx, meetingID)

	session, err := s.lookup(ctx, meetingID)
	if err != nil {
		return StartResult{}, err
	}

	conference, err := s.findConference(ctx, meetingID)
	if err != nil {
		return StartResult{}, err
	}
	chatPeer, err := s.registry.ChatBridgeFor(conference.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve chat bridge: %w", err)
	}
	encoderPeer, err := s.encoderFor(ctx, session)
	if err != nil {
		return StartResult{}, err
	}
	frontendPeer, err := s.registry.Get(session.PrimaryFrontend)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve primary frontend: %w", err)
	}

	info, err := s.meetings.GetMeetingInfo(ctx, conference, meetingID)
	if errors.Is(err, bbb.ErrMeetingNotFound) {
		return StartResult{}, notFound("no matching running meeting found")
	}
	if err != nil {
		return StartResult{}, &UpstreamError{Peer: "conference", Message: err.Error(), Err: err}
	}
	if _, err := s.store.BindChatAndEncoder(ctx, meetingID, chatPeer.ID, encoderPeer.ID, info.InternalMeetingID); err != nil {
		return StartResult{}, bindError("bind chat and encoder", err)
	}
	password := session.MeetingPassword
	if password == "" {
		password = info.AttendeePW
		if err := s.store.SetMeetingPassword(ctx, meetingID, password); err != nil {
			return StartResult{}, bindError("cache meeting password", err)
		}
	}
	logger.Info("bound stream peers", "conference", conference.ID, "chat_bridge", chatPeer.ID, "encoder", encoderPeer.ID, "internal_meeting_id", info.InternalMeetingID)

	bridge := rpc.ChatBridge{Caller: s.caller, Peer: chatPeer}
	frontend := rpc.Frontend{Caller: s.caller, Peer: frontendPeer}
	encoder := rpc.LiveEncoder{Caller: s.caller, Peer: encoderPeer}
	var stack undoStack

	res := bridge.StartChat(ctx, meetingID, s.chatUser, rpc.ChatCallback{
		URI:    frontendPeer.APIURL(),
		Secret: frontendPeer.Secret,
		ID:     meetingID,
	})
	if !res.OK() {
		return StartResult{}, s.abortStart(ctx, meetingID, &stack, "chat-bridge", res)
	}
	stack.push("end_bridge_chat", func(ctx context.Context) rpc.Result {
		return bridge.EndChat(ctx, meetingID)
	})

	res = frontend.StartChat(ctx, meetingID, rpc.ChatCallback{
		URI:    chatPeer.APIURL(),
		Secret: chatPeer.Secret,
		ID:     meetingID,
	})
	if !res.OK() {
		return StartResult{}, s.abortStart(ctx, meetingID, &stack, "frontend-chat", res)
	}
	stack.push("end_frontend_chat", func(ctx context.Context) rpc.Result {
		return frontend.EndChat(ctx, meetingID)
	})

	res = encoder.StartStream(ctx, meetingID, session.RTMPURI, password)
	if !res.OK() {
		return StartResult{}, s.abortStart(ctx, meetingID, &stack, "live-encoder", res)
	}
	stack.push("stop_stream", func(ctx context.Context) rpc.Result {
		return encoder.StopStream(ctx, meetingID)
	})

	// A teardown claimed while the calls above were in flight may have sent
	// its stop calls before they landed.
	session, err = s.lookup(ctx, meetingID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("session torn down while starting", "compensations", stack.len())
		s.unwind(ctx, meetingID, &stack)
		return StartResult{}, err
	}
	if err != nil {
		return StartResult{}, err
	}
	logger.Info("stream started", "encoder", encoderPeer.ID)
	return StartResult{Session: session, Conference: conference.ID}, nil
}

// bindError reports a session that was torn down or deleted between lookup
// and bind as not found.
func bindError(step string, err error) error {
	if errors.Is(err, storage.ErrAlreadyEnded) || errors.Is(err, storage.ErrNotFound) {
		return notFound("the stream for this meeting is stopping")
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (s *Saga) abortStart(ctx context.Context, meetingID string, stack *undoStack, step string, res rpc.Result) error {
	s.log(ctx, meetingID).Warn("start step failed", "step", step, "peer", res.Peer, "outcome", res.Outcome.String(), "message", res.Message, "compensations", stack.len())
	s.unwind(ctx, meetingID, stack)
	return &UpstreamError{Peer: step, Message: res.Message, Err: res.Err()}
}

// findConference probes conference backends in registry order; the first one
// reporting the meeting as running wins.
func (s *Saga) findConference(ctx context.Context, meetingID string) (peers.Peer, error) {
	logger := s.log(ctx, meetingID)
	for _, backend := range s.registry.PeersOf(peers.RoleConference) {
		running, err := s.meetings.IsMeetingRunning(ctx, backend, meetingID)
		if err != nil {
			logger.Warn("conference probe failed", "peer", backend.ID, "error", err)
			continue
		}
		if running {
			return backend, nil
		}
	}
	return peers.Peer{}, notFound("no matching running meeting found")
}

// encoderFor keeps an encoder already bound by an earlier Start and otherwise
// picks the least loaded one.
func (s *Saga) encoderFor(ctx context.Context, session models.Session) (peers.Peer, error) {
	if session.LiveEncoder != "" {
		if peer, err := s.registry.Get(session.LiveEncoder); err == nil {
			return peer, nil
		}
	}
	return s.leastLoaded(ctx, peers.RoleEncoder)
}
