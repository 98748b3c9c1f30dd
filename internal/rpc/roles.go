package rpc

import (
	"context"

	"bbb-stream-controller/internal/peers"
)

// Endpoint names understood by peers.
const (
	EndpointOpenChannel  = "openChannel"
	EndpointCloseChannel = "closeChannel"
	EndpointStartChat    = "startChat"
	EndpointEndChat      = "endChat"
	EndpointStartStream  = "startStream"
	EndpointStopStream   = "stopStream"
)

// ChatCallback tells a chat endpoint where to relay messages.
type ChatCallback struct {
	URI    string
	Secret string
	ID     string
}

func (cb ChatCallback) params(meetingID, chatUser string) map[string]any {
	params := map[string]any{
		"chat_id":         meetingID,
		"callback_uri":    cb.URI,
		"callback_secret": cb.Secret,
		"callback_id":     cb.ID,
	}
	if chatUser != "" {
		params["chat_user"] = chatUser
	}
	return params
}

// Frontend is an edge node that serves a meeting channel to viewers.
type Frontend struct {
	Caller Caller
	Peer   peers.Peer
}

// OpenChannelContent is the frontend's reply to openChannel.
type OpenChannelContent struct {
	StreamingKey string `json:"streaming_key"`
}

// OpenChannel asks the frontend to create a channel. extra parameters are
// forwarded unchanged.
func (f Frontend) OpenChannel(ctx context.Context, meetingID string, extra map[string]any) Result {
	params := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		params[k] = v
	}
	params["meeting_id"] = meetingID
	return f.Caller.Call(ctx, f.Peer, EndpointOpenChannel, params)
}

func (f Frontend) CloseChannel(ctx context.Context, meetingID string) Result {
	return f.Caller.Call(ctx, f.Peer, EndpointCloseChannel, map[string]any{"meeting_id": meetingID})
}

func (f Frontend) StartChat(ctx context.Context, meetingID string, callback ChatCallback) Result {
	return f.Caller.Call(ctx, f.Peer, EndpointStartChat, callback.params(meetingID, ""))
}

func (f Frontend) EndChat(ctx context.Context, meetingID string) Result {
	return f.Caller.Call(ctx, f.Peer, EndpointEndChat, map[string]any{"chat_id": meetingID})
}

// ChatBridge relays chat between a conference backend and a frontend.
type ChatBridge struct {
	Caller Caller
	Peer   peers.Peer
}

// StartChat joins chatUser to the meeting's chat and relays it to callback.
func (b ChatBridge) StartChat(ctx context.Context, meetingID, chatUser string, callback ChatCallback) Result {
	return b.Caller.Call(ctx, b.Peer, EndpointStartChat, callback.params(meetingID, chatUser))
}

func (b ChatBridge) EndChat(ctx context.Context, meetingID string) Result {
	return b.Caller.Call(ctx, b.Peer, EndpointEndChat, map[string]any{"chat_id": meetingID})
}

// LiveEncoder captures a meeting and pushes it to an RTMP ingest.
type LiveEncoder struct {
	Caller Caller
	Peer   peers.Peer
}

// StartStream starts capturing meetingID and pushing to rtmpURI. password is
// the conference attendee password the encoder joins with.
func (e LiveEncoder) StartStream(ctx context.Context, meetingID, rtmpURI, password string) Result {
	return e.Caller.Call(ctx, e.Peer, EndpointStartStream, map[string]any{
		"meeting_id":       meetingID,
		"rtmp_uri":         rtmpURI,
		"meeting_password": password,
	})
}

func (e LiveEncoder) StopStream(ctx context.Context, meetingID string) Result {
	return e.Caller.Call(ctx, e.Peer, EndpointStopStream, map[string]any{"meeting_id": meetingID})
}
