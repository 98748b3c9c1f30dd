package rpc

import (
	"encoding/json"
	"fmt"

	"bbb-stream-controller/internal/peers"
)

// Outcome classifies how a signed call ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomePeerRejected
	OutcomeTransportFailure
	OutcomeMalformedResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePeerRejected:
		return "peer_rejected"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of a signed call. Message is always suitable
// for surfacing to an API caller.
type Result struct {
	Peer     string
	Role     peers.Role
	Endpoint string
	Outcome  Outcome
	Message  string
	// Content is the peer's "content" payload on OutcomeOK.
	Content json.RawMessage
	// StatusCode and RawBody are set whenever a response was received.
	StatusCode int
	RawBody    string
}

// OK reports whether the peer accepted the call.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Decode unmarshals Content into dest.
func (r Result) Decode(dest any) error {
	if len(r.Content) == 0 || string(r.Content) == "null" {
		return fmt.Errorf("%s %s: empty content", r.Peer, r.Endpoint)
	}
	if err := json.Unmarshal(r.Content, dest); err != nil {
		return fmt.Errorf("%s %s: decode content: %w", r.Peer, r.Endpoint, err)
	}
	return nil
}

// Err converts a failed Result to a *CallError. It returns nil on OutcomeOK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &CallError{
		Peer:       r.Peer,
		Endpoint:   r.Endpoint,
		Outcome:    r.Outcome,
		Message:    r.Message,
		StatusCode: r.StatusCode,
	}
}

func (r Result) transport(message string) Result {
	r.Outcome = OutcomeTransportFailure
	r.Message = message
	return r
}

// CallError is the error form of a failed Result.
type CallError struct {
	Peer       string
	Endpoint   string
	Outcome    Outcome
	Message    string
	StatusCode int
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Peer, e.Endpoint, e.Outcome, e.Message)
}
