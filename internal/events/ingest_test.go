package events

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/saga"
)

const webhookSecret = "observer-secret"

type recordingEnder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEnder) ExternalEnd(_ context.Context, internalID string) (saga.EndResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, internalID)
	return saga.EndResult{Stopped: true, Message: "Stream stopped successfully."}, nil
}

func newIngest(t *testing.T, now time.Time) (*Ingest, *recordingEnder, *metrics.Recorder) {
	t.Helper()
	verifier := checksum.NewVerifier(webhookSecret, 30*time.Second)
	verifier.Now = func() time.Time { return now }
	ender := &recordingEnder{}
	recorder := metrics.New()
	in, err := New(Config{Verifier: verifier, Saga: ender, Metrics: recorder, Logger: logging.Discard()})
	require.NoError(t, err)
	return in, ender, recorder
}

func signed(t *testing.T, event any, secret string, at time.Time) map[string]any {
	t.Helper()
	params := map[string]any{"event": event}
	require.NoError(t, checksum.Attach(params, secret, Endpoint, at))
	return params
}

const endingEvent = `{"header":{"name":"MeetingEndingEvtMsg","meetingId":"int-m1","userId":"not-used"},"body":{"meetingId":"int-m1","reason":"ENDED_FROM_API"}}`

func TestHandleMeetingEndingString(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in, ender, recorder := newIngest(t, now)

	result, err := in.Handle(context.Background(), signed(t, endingEvent, webhookSecret, now))
	require.NoError(t, err)
	require.True(t, result.Stopped)
	require.Equal(t, []string{"int-m1"}, ender.calls)

	var out strings.Builder
	recorder.Write(&out)
	require.Contains(t, out.String(), `bbb_controller_webhook_events_total{event="MeetingEndingEvtMsg"} 1`)
}

func TestHandleMeetingEndingObject(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in, ender, _ := newIngest(t, now)
	event := map[string]any{
		"header": map[string]any{"name": MeetingEnding, "meetingId": "int-m2"},
		"body":   map[string]any{"meetingId": "int-m2"},
	}

	_, err := in.Handle(context.Background(), signed(t, event, webhookSecret, now))
	require.NoError(t, err)
	require.Equal(t, []string{"int-m2"}, ender.calls)
}

func TestHandleRejectsUninterestingEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in, ender, _ := newIngest(t, now)
	event := `{"header":{"name":"UserJoinedMeetingEvtMsg","meetingId":"int-m1"},"body":{}}`

	_, err := in.Handle(context.Background(), signed(t, event, webhookSecret, now))
	require.ErrorIs(t, err, saga.ErrValidation)
	require.Contains(t, err.Error(), "uninteresting event")
	require.Empty(t, ender.calls)
}

func TestHandleRejectsBadChecksum(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in, ender, _ := newIngest(t, now)

	_, err := in.Handle(context.Background(), signed(t, endingEvent, "wrong-secret", now))
	require.ErrorIs(t, err, checksum.ErrInvalid)

	_, err = in.Handle(context.Background(), signed(t, endingEvent, webhookSecret, now.Add(-time.Minute)))
	require.ErrorIs(t, err, checksum.ErrExpired)

	_, err = in.Handle(context.Background(), map[string]any{"event": endingEvent})
	require.ErrorIs(t, err, checksum.ErrInvalid)
	require.Empty(t, ender.calls)
}

func TestHandleRejectsUnparseableEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in, ender, _ := newIngest(t, now)

	for _, event := range []any{"{not json", `{"header":{}}`, `{"header":{"name":"MeetingEndingEvtMsg"}}`} {
		_, err := in.Handle(context.Background(), signed(t, event, webhookSecret, now))
		require.ErrorIs(t, err, saga.ErrValidation)
	}
	require.Empty(t, ender.calls)
}

func TestDecodeMissingEvent(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, saga.ErrValidation)
}

func TestNewRequiresVerifier(t *testing.T) {
	_, err := New(Config{Saga: &recordingEnder{}})
	require.Error(t, err)
	_, err = New(Config{Verifier: checksum.NewVerifier("s", 0)})
	require.Error(t, err)
}
