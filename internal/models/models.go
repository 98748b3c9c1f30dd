package models

import (
	"time"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState string

const (
	SessionOpen    SessionState = "open"
	SessionStarted SessionState = "started"
	// SessionEnding marks a session claimed for teardown. Only the caller that
	// performed the transition tears it down.
	SessionEnding SessionState = "ending"
)

// Session is one meeting's live stream and the peers bound to it.
type Session struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"meetingId"`
	InternalID      string          `json:"internalMeetingId,omitempty"`
	RTMPURI         string          `json:"rtmpUri"`
	PrimaryFrontend string          `json:"primaryFrontend"`
	ChatBridge      string          `json:"chatBridge,omitempty"`
	LiveEncoder     string          `json:"liveEncoder,omitempty"`
	MeetingPassword string          `json:"-"`
	State           SessionState    `json:"state"`
	Frontends       []ViewerBinding `json:"frontends"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type ViewerBinding struct {
	FrontendID string    `json:"frontendId"`
	Viewers    int       `json:"viewers"`
	Position   int       `json:"position"`
	BoundAt    time.Time `json:"boundAt"`
}

// Binding returns the binding for frontendID, if any.
func (s Session) Binding(frontendID string) (ViewerBinding, bool) {
	for _, b := range s.Frontends {
		if b.FrontendID == frontendID {
			return b, true
		}
	}
	return ViewerBinding{}, false
}

// FrontendIDs lists bound frontends in bind order.
func (s Session) FrontendIDs() []string {
	ids := make([]string, 0, len(s.Frontends))
	for _, b := range s.Frontends {
		ids = append(ids, b.FrontendID)
	}
	return ids
}

// LeastViewed returns the index of the binding with the smallest counter,
// earliest position first, or -1 when nothing is bound.
func (s Session) LeastViewed() int {
	best := -1
	for i, b := range s.Frontends {
		if best < 0 {
			best = i
			continue
		}
		cur := s.Frontends[best]
		if b.Viewers < cur.Viewers || (b.Viewers == cur.Viewers && b.Position < cur.Position) {
			best = i
		}
	}
	return best
}

// Clone returns a deep copy safe to hand out of a store.
func (s Session) Clone() Session {
	out := s
	if s.Frontends != nil {
		out.Frontends = append([]ViewerBinding(nil), s.Frontends...)
	}
	return out
}
