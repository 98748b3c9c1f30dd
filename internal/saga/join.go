package saga

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/storage"
)

// JoinEndpoint is the checksum tag of viewer redirects.
const JoinEndpoint = "join"

// JoinResult is where a viewer should be sent.
type JoinResult struct {
	Frontend    string
	RedirectURL string
	Checksum    string
}

// Join counts a viewer against the least-viewed bound frontend and returns a
// signed redirect to it. Every call increments a counter.
func (s *Saga) Join(ctx context.Context, meetingID, userName string) (result JoinResult, err error) {
	defer func() { s.observe("join", err) }()

	meetingID, err = requireMeetingID(meetingID)
	if err != nil {
		return JoinResult{}, err
	}
	userName = NormalizeName(userName)
	if userName == "" {
		return JoinResult{}, validationError("userName is required")
	}
	if _, err := s.lookup(ctx, meetingID); err != nil {
		return JoinResult{}, err
	}

	binding, err := s.store.IncrementViewer(ctx, meetingID, "")
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrFrontendNotBound):
		return JoinResult{}, notFound("no channel was opened for this meeting")
	case err != nil:
		return JoinResult{}, fmt.Errorf("count viewer: %w", err)
	}
	frontend, err := s.registry.Get(binding.FrontendID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("resolve frontend: %w", err)
	}

	params := map[string]any{"meetingId": meetingID, "userName": userName}
	sum, err := checksum.Sign(params, frontend.Secret, JoinEndpoint, s.now())
	if err != nil {
		return JoinResult{}, fmt.Errorf("sign join redirect: %w", err)
	}
	query := url.Values{}
	query.Set("meetingId", meetingID)
	query.Set("userName", userName)
	query.Set(checksum.Field, sum)

	s.log(ctx, meetingID).Debug("viewer routed", "peer", frontend.ID, "viewers", binding.Viewers)
	return JoinResult{
		Frontend:    frontend.ID,
		RedirectURL: strings.TrimRight(frontend.URL, "/") + "/api/v1/join?" + query.Encode(),
		Checksum:    sum,
	}, nil
}

// NormalizeName trims a viewer display name and folds it to NFC.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
