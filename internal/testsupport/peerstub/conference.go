package peerstub

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Meeting is a meeting known to a fake conference backend.
type Meeting struct {
	InternalID string
	AttendeePW string
	Running    bool
}

// ConferenceOptions describes a fake conference backend.
type ConferenceOptions struct {
	Name     string
	Secret   string
	Meetings map[string]Meeting
	Journal  *Journal
}

// Conference fakes the BigBlueButton API under /bigbluebutton/api.
type Conference struct {
	server *httptest.Server
	opts   ConferenceOptions

	mu    sync.Mutex
	calls []Call
}

// StartConference spins up a fake conference backend.
func StartConference(opts ConferenceOptions) *Conference {
	c := &Conference{opts: opts}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

func (c *Conference) Close() {
	if c.server != nil {
		c.server.Close()
	}
}

// URL returns the backend URL as operators configure it.
func (c *Conference) URL() string {
	return c.server.URL + "/bigbluebutton"
}

// Calls returns a copy of every API call received.
func (c *Conference) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

type apiResponse struct {
	XMLName           xml.Name `xml:"response"`
	ReturnCode        string   `xml:"returncode"`
	MessageKey        string   `xml:"messageKey,omitempty"`
	Message           string   `xml:"message,omitempty"`
	Running           *bool    `xml:"running,omitempty"`
	MeetingID         string   `xml:"meetingID,omitempty"`
	InternalMeetingID string   `xml:"internalMeetingID,omitempty"`
	AttendeePW        string   `xml:"attendeePW,omitempty"`
}

func (c *Conference) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/bigbluebutton/api/") {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	call := path.Base(r.URL.Path)
	query := r.URL.Query()
	provided := query.Get("checksum")
	query.Del("checksum")

	sum := sha1.Sum([]byte(call + query.Encode() + c.opts.Secret)) //nolint:gosec
	verified := hex.EncodeToString(sum[:]) == provided

	meetingID := query.Get("meetingID")
	rec := Call{Peer: c.opts.Name, Endpoint: call, Params: map[string]any{"meetingID": meetingID}, Verified: verified, Status: http.StatusOK}
	c.mu.Lock()
	c.calls = append(c.calls, rec)
	c.mu.Unlock()
	c.opts.Journal.record(rec)

	resp := apiResponse{ReturnCode: "SUCCESS"}
	meeting, known := c.opts.Meetings[meetingID]
	switch {
	case !verified:
		resp = apiResponse{ReturnCode: "FAILED", MessageKey: "checksumError", Message: "You did not pass the checksum security check"}
	case call == "isMeetingRunning":
		running := known && meeting.Running
		resp.Running = &running
	case call == "getMeetingInfo" && !known:
		resp = apiResponse{ReturnCode: "FAILED", MessageKey: "notFound", Message: "A meeting with that ID does not exist"}
	case call == "getMeetingInfo":
		running := meeting.Running
		resp.Running = &running
		resp.MeetingID = meetingID
		resp.InternalMeetingID = meeting.InternalID
		resp.AttendeePW = meeting.AttendeePW
	default:
		resp = apiResponse{ReturnCode: "FAILED", MessageKey: "unsupportedRequest", Message: "This request is not supported."}
	}

	w.Header().Set("Content-Type", "text/xml")
	_ = xml.NewEncoder(w).Encode(resp)
}

// Checksum exposes the BigBlueButton checksum for tests building URLs by hand.
func Checksum(call string, query url.Values, secret string) string {
	sum := sha1.Sum([]byte(call + query.Encode() + secret)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
