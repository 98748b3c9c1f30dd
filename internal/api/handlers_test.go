package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/events"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/saga"
)

const (
	inboundSecret = "controller-secret"
	webhookSecret = "webhook-secret"
)

type fakeOrchestrator struct {
	openErr   error
	openExtra map[string]any
	openRes   saga.OpenResult
	startErr  error
	joinErr   error
	joinName  string
	endRes    saga.EndResult
	endErr    error
	meetingID string
}

func (f *fakeOrchestrator) Open(_ context.Context, meetingID string, extra map[string]any) (saga.OpenResult, error) {
	f.meetingID = meetingID
	f.openExtra = extra
	return f.openRes, f.openErr
}

func (f *fakeOrchestrator) Start(_ context.Context, meetingID string) (saga.StartResult, error) {
	f.meetingID = meetingID
	return saga.StartResult{}, f.startErr
}

func (f *fakeOrchestrator) Join(_ context.Context, meetingID, userName string) (saga.JoinResult, error) {
	f.meetingID = meetingID
	f.joinName = userName
	if f.joinErr != nil {
		return saga.JoinResult{}, f.joinErr
	}
	return saga.JoinResult{Frontend: "edge-a", RedirectURL: "https://edge-a.example/api/v1/join?meetingId=" + meetingID}, nil
}

func (f *fakeOrchestrator) End(_ context.Context, meetingID string) (saga.EndResult, error) {
	f.meetingID = meetingID
	return f.endRes, f.endErr
}

type fakeEnder struct {
	result saga.EndResult
	got    string
}

func (f *fakeEnder) ExternalEnd(_ context.Context, internalID string) (saga.EndResult, error) {
	f.got = internalID
	return f.result, nil
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func newTestHandler(t *testing.T, orchestrator *fakeOrchestrator, ender *fakeEnder) *Handler {
	t.Helper()
	if ender == nil {
		ender = &fakeEnder{}
	}
	ingest, err := events.New(events.Config{
		Verifier: checksum.NewVerifier(webhookSecret, time.Minute),
		Saga:     ender,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	h := NewHandler(orchestrator, ingest, checksum.NewVerifier(inboundSecret, time.Minute), nil)
	h.Logger = logging.Discard()
	return h
}

func signedJSON(t *testing.T, params map[string]any, secret, endpoint string) *bytes.Reader {
	t.Helper()
	require.NoError(t, checksum.Attach(params, secret, endpoint, time.Now()))
	body, err := json.Marshal(params)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestOpenChannelForwardsExtraParameters(t *testing.T) {
	orchestrator := &fakeOrchestrator{openRes: saga.OpenResult{Errors: []saga.PeerError{{Peer: "edge-b", Message: "down"}}}}
	h := newTestHandler(t, orchestrator, nil)

	body := signedJSON(t, map[string]any{"meetingId": "m1", "record": true, "quality": 720}, inboundSecret, EndpointOpenChannel)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/openChannel", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.OpenChannel(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)
	require.Equal(t, "Channel opened.", resp.Message)
	require.Equal(t, []saga.PeerError{{Peer: "edge-b", Message: "down"}}, resp.Errors)

	require.Equal(t, "m1", orchestrator.meetingID)
	require.Len(t, orchestrator.openExtra, 2)
	require.Equal(t, true, orchestrator.openExtra["record"])
	require.Equal(t, json.Number("720"), orchestrator.openExtra["quality"])
	require.NotContains(t, orchestrator.openExtra, checksum.Field)
}

func TestOpenChannelStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"conflict", saga.ErrConflict, http.StatusNotModified, ""},
		{"validation", errors.Join(errors.New("meetingId is required"), saga.ErrValidation), http.StatusBadRequest, "meetingId is required"},
		{"upstream", &saga.UpstreamError{Peer: "edge", Message: "refused"}, http.StatusBadGateway, "Couldn't start 'edge': refused"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeOrchestrator{openErr: tc.err}, nil)
			body := signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointOpenChannel)
			rec := httptest.NewRecorder()
			h.OpenChannel(rec, httptest.NewRequest(http.MethodPost, "/api/v1/openChannel", body))

			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNotModified {
				require.Empty(t, rec.Body.String())
			}
			if tc.message != "" {
				resp := decodeResponse(t, rec)
				require.False(t, resp.Success)
				require.Contains(t, resp.Message, tc.message)
			}
		})
	}
}

func TestOperationEndpointsRejectBadChecksums(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	h := newTestHandler(t, orchestrator, nil)

	wrongSecret := signedJSON(t, map[string]any{"meetingId": "m1"}, "other-secret", EndpointStartStream)
	rec := httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream", wrongSecret))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongEndpoint := signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointEndStream)
	rec = httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream", wrongEndpoint))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	params := map[string]any{"meetingId": "m1"}
	require.NoError(t, checksum.Attach(params, inboundSecret, EndpointStartStream, time.Now().Add(-time.Hour)))
	stale, err := json.Marshal(params)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream", bytes.NewReader(stale)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Empty(t, orchestrator.meetingID, "saga must not run for rejected requests")
}

func TestStartStreamResponses(t *testing.T) {
	h := newTestHandler(t, &fakeOrchestrator{}, nil)
	rec := httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream",
		signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointStartStream)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Stream started successfully.", decodeResponse(t, rec).Message)

	h = newTestHandler(t, &fakeOrchestrator{startErr: errors.Join(errors.New("no matching running meeting found"), saga.ErrNotFound)}, nil)
	rec = httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream",
		signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointStartStream)))
	require.Equal(t, http.StatusNotFound, rec.Code)

	h = newTestHandler(t, &fakeOrchestrator{startErr: &saga.UpstreamError{Peer: "live-encoder", Message: "no capacity"}}, nil)
	rec = httptest.NewRecorder()
	h.StartStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/startStream",
		signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointStartStream)))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "Couldn't start 'live-encoder': no capacity", decodeResponse(t, rec).Message)
}

func TestStartStreamAcceptsFormBodies(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	h := newTestHandler(t, orchestrator, nil)

	params := map[string]any{"meeting_id": "m-form"}
	require.NoError(t, checksum.Attach(params, inboundSecret, EndpointStartStream, time.Now()))
	form := url.Values{}
	form.Set("meeting_id", "m-form")
	form.Set(checksum.Field, params[checksum.Field].(string))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/startStream", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.StartStream(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "m-form", orchestrator.meetingID)
}

func TestJoinStreamRedirects(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	h := newTestHandler(t, orchestrator, nil)

	params := map[string]any{"meetingId": "m1", "userName": "Ada"}
	require.NoError(t, checksum.Attach(params, inboundSecret, EndpointJoinStream, time.Now()))
	query := url.Values{}
	for key, value := range params {
		query.Set(key, value.(string))
	}
	rec := httptest.NewRecorder()
	h.JoinStream(rec, httptest.NewRequest(http.MethodGet, "/api/v1/joinStream?"+query.Encode(), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://edge-a.example/api/v1/join?meetingId=m1", rec.Header().Get("Location"))
	require.Equal(t, "Ada", orchestrator.joinName)
}

func TestJoinStreamUnknownMeeting(t *testing.T) {
	h := newTestHandler(t, &fakeOrchestrator{joinErr: errors.Join(errors.New("no channel was opened for this meeting"), saga.ErrNotFound)}, nil)

	params := map[string]any{"meetingId": "nope", "userName": "Ada"}
	require.NoError(t, checksum.Attach(params, inboundSecret, EndpointJoinStream, time.Now()))
	query := url.Values{}
	for key, value := range params {
		query.Set(key, value.(string))
	}
	rec := httptest.NewRecorder()
	h.JoinStream(rec, httptest.NewRequest(http.MethodGet, "/api/v1/joinStream?"+query.Encode(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndStreamReportsPeerErrors(t *testing.T) {
	orchestrator := &fakeOrchestrator{endRes: saga.EndResult{
		Stopped: true,
		Message: "Stream stopped successfully.",
		Errors:  []saga.PeerError{{Peer: "edge-b", Message: "gone"}},
	}}
	h := newTestHandler(t, orchestrator, nil)

	rec := httptest.NewRecorder()
	h.EndStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/endStream",
		signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointEndStream)))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "edge-b", resp.Errors[0].Peer)
}

func TestEndStreamAlreadyStopped(t *testing.T) {
	h := newTestHandler(t, &fakeOrchestrator{endRes: saga.EndResult{Message: saga.MessageAlreadyStopped}}, nil)
	rec := httptest.NewRecorder()
	h.EndStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/endStream",
		signedJSON(t, map[string]any{"meetingId": "m1"}, inboundSecret, EndpointEndStream)))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)
	require.Equal(t, saga.MessageAlreadyStopped, resp.Message)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &fakeOrchestrator{}, nil)
	rec := httptest.NewRecorder()
	h.OpenChannel(rec, httptest.NewRequest(http.MethodGet, "/api/v1/openChannel", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	h.JoinStream(rec, httptest.NewRequest(http.MethodPost, "/api/v1/joinStream", strings.NewReader("{}")))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func meetingEndingEvent(internalID string) string {
	return `{"header":{"name":"MeetingEndingEvtMsg","meetingId":"` + internalID + `"},"body":{}}`
}

func TestConferenceEventTearsDown(t *testing.T) {
	ender := &fakeEnder{result: saga.EndResult{Stopped: true, Message: "Stream stopped successfully."}}
	h := newTestHandler(t, &fakeOrchestrator{}, ender)

	rec := httptest.NewRecorder()
	h.ConferenceEvent(rec, httptest.NewRequest(http.MethodPost, "/api/internal/bbbObserver",
		signedJSON(t, map[string]any{"event": meetingEndingEvent("int-m1")}, webhookSecret, events.Endpoint)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "int-m1", ender.got)
}

func TestConferenceEventWithoutStream(t *testing.T) {
	ender := &fakeEnder{result: saga.EndResult{Message: saga.MessageNoStream}}
	h := newTestHandler(t, &fakeOrchestrator{}, ender)

	rec := httptest.NewRecorder()
	h.ConferenceEvent(rec, httptest.NewRequest(http.MethodPost, "/api/internal/bbbObserver",
		signedJSON(t, map[string]any{"event": meetingEndingEvent("int-unknown")}, webhookSecret, events.Endpoint)))
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.String())
	require.Empty(t, rec.Header().Get("Content-Type"))
}

func TestNotModifiedOverTheWireHasNoBody(t *testing.T) {
	ender := &fakeEnder{result: saga.EndResult{Message: saga.MessageNoStream}}
	h := newTestHandler(t, &fakeOrchestrator{}, ender)
	srv := httptest.NewServer(http.HandlerFunc(h.ConferenceEvent))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json",
		signedJSON(t, map[string]any{"event": meetingEndingEvent("int-unknown")}, webhookSecret, events.Endpoint))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, body)
}

func TestConferenceEventRejections(t *testing.T) {
	ender := &fakeEnder{}
	h := newTestHandler(t, &fakeOrchestrator{}, ender)

	cases := map[string]*bytes.Reader{
		"uninteresting": signedJSON(t, map[string]any{"event": `{"header":{"name":"UserJoinedMeetingEvtMsg","meetingId":"int-m1"}}`}, webhookSecret, events.Endpoint),
		"unparseable":   signedJSON(t, map[string]any{"event": "not json"}, webhookSecret, events.Endpoint),
		"bad checksum":  signedJSON(t, map[string]any{"event": meetingEndingEvent("int-m1")}, inboundSecret, events.Endpoint),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ConferenceEvent(rec, httptest.NewRequest(http.MethodPost, "/api/internal/bbbObserver", body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.False(t, decodeResponse(t, rec).Success)
		})
	}
	require.Empty(t, ender.got)
}

func TestHealthReportsComponents(t *testing.T) {
	h := newTestHandler(t, &fakeOrchestrator{}, nil)
	h.Store = pingFunc(func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	h.RateLimiter = pingFunc(func(context.Context) error { return errors.New("redis unreachable") })
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Len(t, body.Components, 2)
	require.Equal(t, "redis unreachable", body.Components[1].Error)
}
