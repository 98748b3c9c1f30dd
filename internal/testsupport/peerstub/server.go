package peerstub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"time"

	"bbb-stream-controller/internal/checksum"
)

// Call is one request received by a fake peer.
type Call struct {
	Peer      string
	Endpoint  string
	Params    map[string]any
	Verified  bool
	Attempt   int
	Status    int
	Timestamp time.Time
}

// Journal collects calls across several fakes in arrival order.
type Journal struct {
	mu    sync.Mutex
	calls []Call
}

func (j *Journal) record(c Call) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, c)
}

// Calls returns a copy of every recorded call.
func (j *Journal) Calls() []Call {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Call, len(j.calls))
	copy(out, j.calls)
	return out
}

// Sequence renders the journal as "peer endpoint" strings.
func (j *Journal) Sequence() []string {
	calls := j.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Peer+" "+c.Endpoint)
	}
	return out
}

// Options describes how a fake signed-protocol peer behaves.
type Options struct {
	// Name tags journal entries; it usually matches the peer ID.
	Name   string
	Secret string
	// StreamingKey is returned from openChannel. Defaults to "key-<Name>".
	StreamingKey string
	// Reject makes an endpoint always reply success=false with the message.
	Reject map[string]string
	// FailFirst makes the first N calls to an endpoint fail at the transport
	// level by closing the connection.
	FailFirst map[string]int
	// Malformed makes an endpoint reply with a non-JSON body.
	Malformed map[string]bool
	// Delay is applied before every reply.
	Delay   time.Duration
	Journal *Journal
}

// Peer is a fake frontend, chat bridge or live encoder.
type Peer struct {
	server   *httptest.Server
	opts     Options
	verifier *checksum.Verifier

	mu       sync.Mutex
	calls    []Call
	attempts map[string]int
}

// Start spins up a fake peer.
func Start(opts Options) *Peer {
	if opts.StreamingKey == "" {
		opts.StreamingKey = "key-" + opts.Name
	}
	p := &Peer{
		opts:     opts,
		verifier: checksum.NewVerifier(opts.Secret, time.Minute),
		attempts: make(map[string]int),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// Close shuts down the underlying HTTP server.
func (p *Peer) Close() {
	if p.server != nil {
		p.server.Close()
	}
}

// URL returns the base URL of the fake.
func (p *Peer) URL() string {
	return p.server.URL
}

// Calls returns a copy of the calls this peer received.
func (p *Peer) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallsTo returns the calls received for one endpoint.
func (p *Peer) CallsTo(endpoint string) []Call {
	var out []Call
	for _, c := range p.Calls() {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

func (p *Peer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "unexpected request", http.StatusMethodNotAllowed)
		return
	}
	endpoint := path.Base(r.URL.Path)

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var params map[string]any
	if err := decoder.Decode(&params); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.attempts[endpoint]++
	attempt := p.attempts[endpoint]
	p.mu.Unlock()

	call := Call{
		Peer:      p.opts.Name,
		Endpoint:  endpoint,
		Params:    params,
		Verified:  p.verifier.Verify(params, endpoint) == nil,
		Attempt:   attempt,
		Status:    http.StatusOK,
		Timestamp: time.Now(),
	}

	if p.opts.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(p.opts.Delay):
		}
	}

	if attempt <= p.opts.FailFirst[endpoint] {
		call.Status = 0
		p.record(call)
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}

	p.record(call)

	switch {
	case p.opts.Malformed[endpoint]:
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	case !call.Verified:
		writeReply(w, false, "invalid checksum", nil)
	case p.opts.Reject[endpoint] != "":
		writeReply(w, false, p.opts.Reject[endpoint], nil)
	case endpoint == "openChannel":
		writeReply(w, true, "channel opened", map[string]any{"streaming_key": p.opts.StreamingKey})
	default:
		writeReply(w, true, endpoint+" ok", nil)
	}
}

func (p *Peer) record(c Call) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
	p.opts.Journal.record(c)
}

func writeReply(w http.ResponseWriter, success bool, message string, content any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
		"content": content,
	})
}

// ErrNoCall is returned by Param when the peer never received the endpoint.
var ErrNoCall = errors.New("no call recorded")

// Param returns a parameter of the last call to endpoint.
func (p *Peer) Param(endpoint, key string) (any, error) {
	calls := p.CallsTo(endpoint)
	if len(calls) == 0 {
		return nil, ErrNoCall
	}
	return calls[len(calls)-1].Params[key], nil
}
