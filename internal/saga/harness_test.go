package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bbb-stream-controller/internal/bbb"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
	"bbb-stream-controller/internal/storage"
	"bbb-stream-controller/internal/testsupport/peerstub"
)

const (
	secretEdgeA = "edge-a-secret"
	secretEdgeB = "edge-b-secret"
	secretChat  = "chat-secret"
	secretEnc   = "encoder-secret"
	secretConf  = "conference-secret"
)

type harnessOptions struct {
	edgeA    peerstub.Options
	edgeB    peerstub.Options
	chat     peerstub.Options
	encoder  peerstub.Options
	meetings map[string]peerstub.Meeting
	ingest   string
	now      func() time.Time
	// wrapCaller and wrapMeetings let a test intercept outbound calls.
	wrapCaller   func(rpc.Caller) rpc.Caller
	wrapMeetings func(MeetingDirectory) MeetingDirectory
}

type harness struct {
	saga       *Saga
	store      *storage.MemoryStore
	metrics    *metrics.Recorder
	journal    *peerstub.Journal
	edgeA      *peerstub.Peer
	edgeB      *peerstub.Peer
	chat       *peerstub.Peer
	encoder    *peerstub.Peer
	conference *peerstub.Conference
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{journal: &peerstub.Journal{}, metrics: metrics.New()}

	start := func(o peerstub.Options, name, secret string) *peerstub.Peer {
		o.Name = name
		o.Secret = secret
		o.Journal = h.journal
		p := peerstub.Start(o)
		t.Cleanup(p.Close)
		return p
	}
	h.edgeA = start(opts.edgeA, "edge-a", secretEdgeA)
	h.edgeB = start(opts.edgeB, "edge-b", secretEdgeB)
	h.chat = start(opts.chat, "chat-1", secretChat)
	h.encoder = start(opts.encoder, "enc-1", secretEnc)

	meetings := opts.meetings
	if meetings == nil {
		meetings = map[string]peerstub.Meeting{
			"m1": {InternalID: "int-m1", AttendeePW: "ap", Running: true},
		}
	}
	h.conference = peerstub.StartConference(peerstub.ConferenceOptions{Name: "conf-1", Secret: secretConf, Meetings: meetings})
	t.Cleanup(h.conference.Close)

	registry, err := peers.NewRegistry([]peers.Peer{
		{ID: "conf-1", Role: peers.RoleConference, URL: h.conference.URL(), Secret: secretConf},
		{ID: "chat-1", Role: peers.RoleChatBridge, URL: h.chat.URL(), Secret: secretChat, Conference: "conf-1"},
		{ID: "enc-1", Role: peers.RoleEncoder, URL: h.encoder.URL(), Secret: secretEnc},
		{ID: "edge-a", Role: peers.RoleFrontend, URL: h.edgeA.URL(), Secret: secretEdgeA},
		{ID: "edge-b", Role: peers.RoleFrontend, URL: h.edgeB.URL(), Secret: secretEdgeB},
	})
	require.NoError(t, err)

	logger := logging.Discard()
	h.store = storage.NewMemoryStore(nil)
	var caller rpc.Caller = rpc.NewClient(rpc.Config{Timeout: 2 * time.Second, Logger: logger, Metrics: h.metrics})
	if opts.wrapCaller != nil {
		caller = opts.wrapCaller(caller)
	}
	var meetingDir MeetingDirectory = bbb.NewClient(nil, 2*time.Second, logger, h.metrics)
	if opts.wrapMeetings != nil {
		meetingDir = opts.wrapMeetings(meetingDir)
	}
	h.saga, err = New(Config{
		Registry:       registry,
		Store:          h.store,
		Caller:         caller,
		Meetings:       meetingDir,
		Metrics:        h.metrics,
		Logger:         logger,
		IngestFrontend: opts.ingest,
		Now:            opts.now,
	})
	require.NoError(t, err)
	return h
}

// callsSince returns the journal sequence recorded after the first n calls.
func (h *harness) callsSince(n int) []string {
	seq := h.journal.Sequence()
	if n >= len(seq) {
		return nil
	}
	return seq[n:]
}

func (h *harness) requireAllVerified(t *testing.T) {
	t.Helper()
	for _, c := range h.journal.Calls() {
		require.Truef(t, c.Verified, "%s %s carried an invalid checksum", c.Peer, c.Endpoint)
	}
}

type fakeDirectory struct{}

func (fakeDirectory) IsMeetingRunning(context.Context, peers.Peer, string) (bool, error) {
	return false, nil
}

func (fakeDirectory) GetMeetingInfo(context.Context, peers.Peer, string) (bbb.MeetingInfo, error) {
	return bbb.MeetingInfo{}, bbb.ErrMeetingNotFound
}

// gate blocks a chosen call until released, signalling when it is reached.
type gate struct {
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return
	}
	close(g.reached)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

// gatedCaller holds the first call to endpoint, optionally only on one peer.
type gatedCaller struct {
	rpc.Caller
	endpoint string
	peer     string
	gate     *gate
}

func (c gatedCaller) Call(ctx context.Context, peer peers.Peer, endpoint string, params map[string]any) rpc.Result {
	if endpoint == c.endpoint && (c.peer == "" || c.peer == peer.ID) {
		c.gate.wait(ctx)
	}
	return c.Caller.Call(ctx, peer, endpoint, params)
}

type gatedMeetings struct {
	MeetingDirectory
	gate *gate
}

func (m gatedMeetings) GetMeetingInfo(ctx context.Context, backend peers.Peer, meetingID string) (bbb.MeetingInfo, error) {
	m.gate.wait(ctx)
	return m.MeetingDirectory.GetMeetingInfo(ctx, backend, meetingID)
}
