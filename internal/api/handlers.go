package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/saga"
)

// Endpoint names double as checksum tags.
const (
	EndpointOpenChannel = "openChannel"
	EndpointStartStream = "startStream"
	EndpointJoinStream  = "joinStream"
	EndpointEndStream   = "endStream"
)

// Orchestrator is the saga surface the handlers drive.
type Orchestrator interface {
	Open(ctx context.Context, meetingID string, extra map[string]any) (saga.OpenResult, error)
	Start(ctx context.Context, meetingID string) (saga.StartResult, error)
	Join(ctx context.Context, meetingID, userName string) (saga.JoinResult, error)
	End(ctx context.Context, meetingID string) (saga.EndResult, error)
}

// WebhookHandler consumes conference backend events.
type WebhookHandler interface {
	Handle(ctx context.Context, params map[string]any) (saga.EndResult, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the controller API.
type Handler struct {
	Saga     Orchestrator
	Webhooks WebhookHandler
	// Verifier checks inbound checksums on operation endpoints.
	Verifier *checksum.Verifier
	Store    Pinger
	// RateLimiter is probed by the health endpoint when set.
	RateLimiter Pinger
	Logger      *slog.Logger
}

// NewHandler wires a Handler. verifier must carry the controller's inbound
// secret.
func NewHandler(orchestrator Orchestrator, webhooks WebhookHandler, verifier *checksum.Verifier, store Pinger) *Handler {
	return &Handler{Saga: orchestrator, Webhooks: webhooks, Verifier: verifier, Store: store}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(ctx, base)
}

// verified decodes the request parameters and checks their checksum against
// endpoint. On failure the response has been written.
func (h *Handler) verified(w http.ResponseWriter, r *http.Request, endpoint string) (map[string]any, bool) {
	params, err := decodeParams(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if h.Verifier == nil {
		writeFailure(w, http.StatusInternalServerError, "inbound checksum verification is not configured")
		return nil, false
	}
	if err := h.Verifier.Verify(params, endpoint); err != nil {
		h.logger(r.Context()).Warn("rejected inbound checksum", "endpoint", endpoint, "error", err)
		writeFailure(w, http.StatusUnauthorized, "Invalid checksum.")
		return nil, false
	}
	return params, true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeFailure(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	return false
}

func meetingIDParam(params map[string]any) string {
	return stringParam(params, "meetingId", "meeting_id")
}

// OpenChannel handles POST /api/v1/openChannel. Parameters other than the
// meeting id and checksum are forwarded to the frontends.
func (h *Handler) OpenChannel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	params, ok := h.verified(w, r, EndpointOpenChannel)
	if !ok {
		return
	}
	meetingID := meetingIDParam(params)
	extra := make(map[string]any, len(params))
	for key, value := range params {
		switch key {
		case "meetingId", "meeting_id", checksum.Field:
			continue
		}
		extra[key] = value
	}
	ctx := logging.ContextWithMeetingID(r.Context(), meetingID)
	result, err := h.Saga.Open(ctx, meetingID, extra)
	if err != nil {
		h.writeSagaError(ctx, w, err, "The channel has already been opened.")
		return
	}
	writeSuccess(w, http.StatusOK, "Channel opened.", result.Errors)
}

// StartStream handles POST /api/v1/startStream.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	params, ok := h.verified(w, r, EndpointStartStream)
	if !ok {
		return
	}
	meetingID := meetingIDParam(params)
	ctx := logging.ContextWithMeetingID(r.Context(), meetingID)
	if _, err := h.Saga.Start(ctx, meetingID); err != nil {
		h.writeSagaError(ctx, w, err, "")
		return
	}
	writeSuccess(w, http.StatusOK, "Stream started successfully.", nil)
}

// JoinStream handles GET /api/v1/joinStream by redirecting the viewer to a
// frontend.
func (h *Handler) JoinStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	params, ok := h.verified(w, r, EndpointJoinStream)
	if !ok {
		return
	}
	meetingID := meetingIDParam(params)
	ctx := logging.ContextWithMeetingID(r.Context(), meetingID)
	result, err := h.Saga.Join(ctx, meetingID, stringParam(params, "userName", "user_name"))
	if err != nil {
		h.writeSagaError(ctx, w, err, "")
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// EndStream handles POST /api/v1/endStream.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	params, ok := h.verified(w, r, EndpointEndStream)
	if !ok {
		return
	}
	meetingID := meetingIDParam(params)
	ctx := logging.ContextWithMeetingID(r.Context(), meetingID)
	result, err := h.Saga.End(ctx, meetingID)
	if err != nil {
		h.writeSagaError(ctx, w, err, "")
		return
	}
	writeSuccess(w, http.StatusOK, result.Message, result.Errors)
}

// ConferenceEvent handles POST /api/internal/bbbObserver. The webhook carries
// its own checksum, verified by the events package.
func (h *Handler) ConferenceEvent(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	params, err := decodeParams(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.Webhooks.Handle(r.Context(), params)
	switch {
	case errors.Is(err, checksum.ErrInvalid), errors.Is(err, checksum.ErrExpired):
		writeFailure(w, http.StatusBadRequest, "Invalid checksum.")
		return
	case errors.Is(err, saga.ErrValidation):
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.writeSagaError(r.Context(), w, err, "")
		return
	}
	if !result.Stopped {
		// Sent as a bare 304; the message only reaches the log.
		h.logger(r.Context()).Info("webhook ignored", "message", result.Message)
		writeSuccess(w, http.StatusNotModified, result.Message, nil)
		return
	}
	writeSuccess(w, http.StatusOK, result.Message, result.Errors)
}

// writeSagaError maps err to a status code. ErrConflict becomes a bare 304,
// so conflictMessage is only logged.
func (h *Handler) writeSagaError(ctx context.Context, w http.ResponseWriter, err error, conflictMessage string) {
	var upstream *saga.UpstreamError
	switch {
	case errors.Is(err, saga.ErrValidation):
		writeFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, saga.ErrConflict):
		if conflictMessage == "" {
			conflictMessage = err.Error()
		}
		h.logger(ctx).Info("request conflicts with current state", "message", conflictMessage)
		writeFailure(w, http.StatusNotModified, conflictMessage)
	case errors.Is(err, saga.ErrNotFound):
		writeFailure(w, http.StatusNotFound, err.Error())
	case errors.As(err, &upstream):
		writeFailure(w, http.StatusBadGateway, fmt.Sprintf("Couldn't start '%s': %s", upstream.Peer, upstream.Message))
	default:
		h.logger(ctx).Error("request failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}
