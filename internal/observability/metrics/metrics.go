package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// OperationLabel identifies a saga operation outcome.
type OperationLabel struct {
	Operation string
	Outcome   string
}

// PeerCallLabel identifies one outbound call outcome.
type PeerCallLabel struct {
	Role     string
	Endpoint string
	Outcome  string
}

// CompensationLabel identifies an undo step and whether it succeeded.
type CompensationLabel struct {
	Step   string
	Result string
}

// Recorder aggregates in-memory counters and gauges for inbound HTTP requests,
// saga operations, outbound peer calls and compensations. Writers are
// serialized by a RWMutex; the active session gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	operations      map[OperationLabel]uint64
	peerCalls       map[PeerCallLabel]uint64
	peerDuration    map[PeerCallLabel]time.Duration
	compensations   map[CompensationLabel]uint64
	webhookEvents   map[string]uint64
	activeSessions  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	r := &Recorder{}
	r.reset()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveOperation records the outcome of an Open/Start/Join/End/ExternalEnd
// run (e.g. "ok", "conflict", "not_found", "upstream", "partial").
func (r *Recorder) ObserveOperation(operation, outcome string) {
	label := OperationLabel{Operation: normalizeName(operation), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.operations[label]++
	r.mu.Unlock()
}

// ObservePeerCall records one outbound signed call.
func (r *Recorder) ObservePeerCall(role, endpoint, outcome string, duration time.Duration) {
	label := PeerCallLabel{Role: normalizeName(role), Endpoint: strings.TrimSpace(endpoint), Outcome: normalizeName(outcome)}
	if label.Endpoint == "" {
		label.Endpoint = "unknown"
	}
	r.mu.Lock()
	r.peerCalls[label]++
	r.peerDuration[label] += duration
	r.mu.Unlock()
}

// ObserveCompensation records an undo step run after a failed forward step.
func (r *Recorder) ObserveCompensation(step string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	label := CompensationLabel{Step: normalizeName(step), Result: result}
	r.mu.Lock()
	r.compensations[label]++
	r.mu.Unlock()
}

// ObserveWebhookEvent counts inbound conference events by name.
func (r *Recorder) ObserveWebhookEvent(name string) {
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	r.webhookEvents[normalized]++
	r.mu.Unlock()
}

// SessionOpened increments the active session gauge.
func (r *Recorder) SessionOpened() {
	r.activeSessions.Add(1)
}

// SessionClosed decrements the active session gauge without going negative.
func (r *Recorder) SessionClosed() {
	decrementGauge(&r.activeSessions)
}

// ActiveSessions exposes the current gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// OperationCounts returns a copy of the operation counters.
func (r *Recorder) OperationCounts() map[OperationLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[OperationLabel]uint64, len(r.operations))
	for k, v := range r.operations {
		out[k] = v
	}
	return out
}

// PeerCallCounts returns a copy of the peer call counters.
func (r *Recorder) PeerCallCounts() map[PeerCallLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[PeerCallLabel]uint64, len(r.peerCalls))
	for k, v := range r.peerCalls {
		out[k] = v
	}
	return out
}

// CompensationCounts returns a copy of the compensation counters.
func (r *Recorder) CompensationCounts() map[CompensationLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[CompensationLabel]uint64, len(r.compensations))
	for k, v := range r.compensations {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Recorder) reset() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.operations = make(map[OperationLabel]uint64)
	r.peerCalls = make(map[PeerCallLabel]uint64)
	r.peerDuration = make(map[PeerCallLabel]time.Duration)
	r.compensations = make(map[CompensationLabel]uint64)
	r.webhookEvents = make(map[string]uint64)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	fmt.Fprintln(w, "# HELP bbb_controller_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE bbb_controller_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bbb_controller_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}
	fmt.Fprintln(w, "# HELP bbb_controller_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE bbb_controller_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bbb_controller_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	operations := make([]OperationLabel, 0, len(r.operations))
	for label := range r.operations {
		operations = append(operations, label)
	}
	sort.Slice(operations, func(i, j int) bool {
		if operations[i].Operation != operations[j].Operation {
			return operations[i].Operation < operations[j].Operation
		}
		return operations[i].Outcome < operations[j].Outcome
	})
	fmt.Fprintln(w, "# HELP bbb_controller_session_operations_total Session operations by outcome")
	fmt.Fprintln(w, "# TYPE bbb_controller_session_operations_total counter")
	for _, label := range operations {
		fmt.Fprintf(w, "bbb_controller_session_operations_total{operation=\"%s\",outcome=\"%s\"} %d\n", label.Operation, label.Outcome, r.operations[label])
	}

	calls := make([]PeerCallLabel, 0, len(r.peerCalls))
	for label := range r.peerCalls {
		calls = append(calls, label)
	}
	sort.Slice(calls, func(i, j int) bool {
		a, b := calls[i], calls[j]
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Endpoint != b.Endpoint {
			return a.Endpoint < b.Endpoint
		}
		return a.Outcome < b.Outcome
	})
	fmt.Fprintln(w, "# HELP bbb_controller_peer_calls_total Outbound signed calls by peer role, endpoint and outcome")
	fmt.Fprintln(w, "# TYPE bbb_controller_peer_calls_total counter")
	for _, label := range calls {
		fmt.Fprintf(w, "bbb_controller_peer_calls_total{role=\"%s\",endpoint=\"%s\",outcome=\"%s\"} %d\n", label.Role, label.Endpoint, label.Outcome, r.peerCalls[label])
	}
	fmt.Fprintln(w, "# HELP bbb_controller_peer_call_duration_seconds_sum Cumulative outbound call duration in seconds")
	fmt.Fprintln(w, "# TYPE bbb_controller_peer_call_duration_seconds_sum counter")
	for _, label := range calls {
		fmt.Fprintf(w, "bbb_controller_peer_call_duration_seconds_sum{role=\"%s\",endpoint=\"%s\",outcome=\"%s\"} %f\n", label.Role, label.Endpoint, label.Outcome, r.peerDuration[label].Seconds())
	}

	comps := make([]CompensationLabel, 0, len(r.compensations))
	for label := range r.compensations {
		comps = append(comps, label)
	}
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].Step != comps[j].Step {
			return comps[i].Step < comps[j].Step
		}
		return comps[i].Result < comps[j].Result
	})
	fmt.Fprintln(w, "# HELP bbb_controller_compensations_total Undo steps run after a failed start or open")
	fmt.Fprintln(w, "# TYPE bbb_controller_compensations_total counter")
	for _, label := range comps {
		fmt.Fprintf(w, "bbb_controller_compensations_total{step=\"%s\",result=\"%s\"} %d\n", label.Step, label.Result, r.compensations[label])
	}

	events := make([]string, 0, len(r.webhookEvents))
	for name := range r.webhookEvents {
		events = append(events, name)
	}
	sort.Strings(events)
	fmt.Fprintln(w, "# HELP bbb_controller_webhook_events_total Conference events received by name")
	fmt.Fprintln(w, "# TYPE bbb_controller_webhook_events_total counter")
	for _, name := range events {
		fmt.Fprintf(w, "bbb_controller_webhook_events_total{event=\"%s\"} %d\n", name, r.webhookEvents[name])
	}

	fmt.Fprintln(w, "# HELP bbb_controller_active_sessions Sessions currently open or live")
	fmt.Fprintln(w, "# TYPE bbb_controller_active_sessions gauge")
	fmt.Fprintf(w, "bbb_controller_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

// Routes are fixed, so only trailing slashes need folding.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(path, "/")
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
