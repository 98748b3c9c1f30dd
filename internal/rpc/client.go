package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/peers"
)

// UserAgent identifies the controller to peers.
const UserAgent = "bbb-controller"

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Caller is the capability shared by every peer role: send a signed call.
type Caller interface {
	Call(ctx context.Context, peer peers.Peer, endpoint string, params map[string]any) Result
}

// Config tunes a Client. Zero values select safe defaults.
type Config struct {
	HTTPClient *http.Client
	// InsecureSkipVerify disables certificate validation for lab peers.
	// Ignored when HTTPClient is set.
	InsecureSkipVerify bool
	Timeout            time.Duration
	MaxAttempts        int
	RetryInterval      time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Recorder
	Now                func() time.Time
}

// Client signs and posts calls to peers.
type Client struct {
	http          *http.Client
	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		http:          cfg.HTTPClient,
		timeout:       cfg.Timeout,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
	if c.http == nil {
		c.http = NewHTTPClient(!cfg.InsecureSkipVerify)
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	if c.retryInterval < 0 {
		c.retryInterval = 0
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// NewHTTPClient returns an HTTP client whose TLS verification follows
// verifyTLS. Timeouts are applied per call through the request context.
func NewHTTPClient(verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verifyTLS, //nolint:gosec // operator opt-out for lab peers
	}
	return &http.Client{Transport: transport}
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Content json.RawMessage `json:"content"`
}

// Call signs params for peer and endpoint and posts them. Failures are
// reported through the returned Result, never as a panic or error value.
// Only transport failures are retried.
func (c *Client) Call(ctx context.Context, peer peers.Peer, endpoint string, params map[string]any) Result {
	start := time.Now()
	result := c.call(ctx, peer, endpoint, params)
	c.metrics.ObservePeerCall(string(peer.Role), endpoint, result.Outcome.String(), time.Since(start))
	return result
}

func (c *Client) call(ctx context.Context, peer peers.Peer, endpoint string, params map[string]any) Result {
	base := Result{Peer: peer.ID, Role: peer.Role, Endpoint: endpoint}

	signed := make(map[string]any, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	if err := checksum.Attach(signed, peer.Secret, endpoint, c.now()); err != nil {
		return base.transport(fmt.Sprintf("sign request: %v", err))
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return base.transport(fmt.Sprintf("marshal request: %v", err))
	}
	url := strings.TrimRight(peer.APIURL(), "/") + "/" + endpoint

	var last Result
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		last = c.attempt(ctx, base, url, body)
		if last.Outcome != OutcomeTransportFailure || attempt == c.maxAttempts {
			return last
		}
		c.logger.Warn("peer call failed", "peer", peer.ID, "endpoint", endpoint, "attempt", attempt, "error", last.Message)
		if c.retryInterval > 0 {
			select {
			case <-ctx.Done():
				return base.transport(ctx.Err().Error())
			case <-time.After(c.retryInterval):
			}
		} else if ctx.Err() != nil {
			return base.transport(ctx.Err().Error())
		}
	}
	return last
}

func (c *Client) attempt(ctx context.Context, base Result, url string, body []byte) Result {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return base.transport(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return base.transport(fmt.Sprintf("timed out after %s", c.timeout))
		}
		return base.transport(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return base.transport(fmt.Sprintf("read response: %v", err))
	}
	return classify(base, resp.StatusCode, raw)
}

func classify(base Result, status int, raw []byte) Result {
	base.StatusCode = status
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Success == nil {
		base.Outcome = OutcomeMalformedResponse
		base.RawBody = string(raw)
		base.Message = fmt.Sprintf("malformed response (status %d)", status)
		return base
	}
	base.Content = env.Content
	if !*env.Success {
		base.Outcome = OutcomePeerRejected
		base.Message = strings.TrimSpace(env.Message)
		if base.Message == "" {
			base.Message = fmt.Sprintf("peer rejected call (status %d)", status)
		}
		return base
	}
	base.Outcome = OutcomeOK
	base.Message = env.Message
	return base
}
