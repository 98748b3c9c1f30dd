// Package bbb queries BigBlueButton conference backends through their
// checksum-authenticated HTTP API.
package bbb

import (
	"context"
	"crypto/sha1" //nolint:gosec // mandated by the BigBlueButton API
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/peers"
)

const (
	callIsMeetingRunning = "isMeetingRunning"
	callGetMeetingInfo   = "getMeetingInfo"
	returnSuccess        = "SUCCESS"
)

// ErrMeetingNotFound is returned when the backend does not know the meeting.
var ErrMeetingNotFound = errors.New("meeting not found")

// MeetingInfo is the subset of getMeetingInfo the controller needs.
type MeetingInfo struct {
	MeetingID         string `xml:"meetingID"`
	InternalMeetingID string `xml:"internalMeetingID"`
	MeetingName       string `xml:"meetingName"`
	AttendeePW        string `xml:"attendeePW"`
	Running           bool   `xml:"running"`
}

type response struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey"`
	Message    string   `xml:"message"`
	MeetingInfo
}

// Client talks to conference backends.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
	group   singleflight.Group
}

// NewClient returns a Client using httpClient for transport. timeout bounds
// every request.
func NewClient(httpClient *http.Client, timeout time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Client{http: httpClient, timeout: timeout, logger: logger, metrics: recorder}
}

// IsMeetingRunning asks backend whether meetingID is currently running.
func (c *Client) IsMeetingRunning(ctx context.Context, backend peers.Peer, meetingID string) (bool, error) {
	resp, err := c.get(ctx, backend, callIsMeetingRunning, url.Values{"meetingID": {meetingID}})
	if err != nil {
		return false, err
	}
	return resp.Running, nil
}

// GetMeetingInfo resolves the internal id and attendee password of a meeting.
// Concurrent lookups for the same backend and meeting share one request.
func (c *Client) GetMeetingInfo(ctx context.Context, backend peers.Peer, meetingID string) (MeetingInfo, error) {
	key := backend.ID + "\x00" + meetingID
	v, err, _ := c.group.Do(key, func() (any, error) {
		resp, err := c.get(ctx, backend, callGetMeetingInfo, url.Values{"meetingID": {meetingID}})
		if err != nil {
			return MeetingInfo{}, err
		}
		info := resp.MeetingInfo
		if info.MeetingID == "" {
			info.MeetingID = meetingID
		}
		return info, nil
	})
	if err != nil {
		return MeetingInfo{}, err
	}
	return v.(MeetingInfo), nil
}

// CallURL builds the signed URL for an API call against backend.
func CallURL(backend peers.Peer, call string, query url.Values) string {
	encoded := query.Encode()
	sum := sha1.Sum([]byte(call + encoded + backend.Secret)) //nolint:gosec
	if encoded != "" {
		encoded += "&"
	}
	return fmt.Sprintf("%s/api/%s?%schecksum=%s", strings.TrimRight(backend.URL, "/"), call, encoded, hex.EncodeToString(sum[:]))
}

func (c *Client) get(ctx context.Context, backend peers.Peer, call string, query url.Values) (response, error) {
	start := time.Now()
	resp, outcome, err := c.do(ctx, backend, call, query)
	c.metrics.ObservePeerCall(string(peers.RoleConference), call, outcome, time.Since(start))
	if err != nil {
		c.logger.Debug("conference call failed", "peer", backend.ID, "call", call, "error", err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, backend peers.Peer, call string, query url.Values) (response, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, CallURL(backend, call, query), nil)
	if err != nil {
		return response{}, "transport_failure", fmt.Errorf("%s %s: %w", backend.ID, call, err)
	}
	req.Header.Set("Accept", "application/xml")
	res, err := c.http.Do(req)
	if err != nil {
		return response{}, "transport_failure", fmt.Errorf("%s %s: %w", backend.ID, call, err)
	}
	defer res.Body.Close()

	var out response
	if err := xml.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return response{}, "malformed_response", fmt.Errorf("%s %s: status %d: decode response: %w", backend.ID, call, res.StatusCode, err)
	}
	if out.ReturnCode != returnSuccess {
		if strings.EqualFold(out.MessageKey, "notFound") {
			return out, "peer_rejected", fmt.Errorf("%s %s: %w", backend.ID, call, ErrMeetingNotFound)
		}
		return out, "peer_rejected", fmt.Errorf("%s %s: %s: %s", backend.ID, call, out.MessageKey, out.Message)
	}
	return out, "ok", nil
}
