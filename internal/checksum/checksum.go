// Package checksum implements the keyed request checksum shared by the
// controller and every peer it talks to.
//
// A checksum binds three things together: the canonical JSON form of the
// request parameters (keys sorted, the checksum field itself excluded), the
// endpoint name the request is addressed to, and the shared secret of the
// receiving service. The signing time is embedded in the checksum so the
// receiver can enforce a replay window without an extra parameter.
//
// Wire format:
//
//	<unix seconds>:<lowercase hex HMAC-SHA3-256>
package checksum

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Field is the parameter name carrying the checksum.
const Field = "checksum"

// DefaultWindow bounds how old an inbound checksum may be.
const DefaultWindow = 30 * time.Second

var (
	// ErrInvalid reports a missing, malformed or mismatching checksum.
	ErrInvalid = errors.New("invalid checksum")
	// ErrExpired reports a checksum outside the replay window.
	ErrExpired = errors.New("checksum expired")
)

// Canonical returns the canonical byte form of params. Map keys are emitted
// in sorted order by encoding/json; the checksum field is dropped.
func Canonical(params map[string]any) ([]byte, error) {
	filtered := make(map[string]any, len(params))
	for key, value := range params {
		if key == Field {
			continue
		}
		filtered[key] = value
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("canonicalize parameters: %w", err)
	}
	return data, nil
}

// Sign computes the checksum for params addressed to endpoint at the given
// instant.
func Sign(params map[string]any, secret, endpoint string, at time.Time) (string, error) {
	canonical, err := Canonical(params)
	if err != nil {
		return "", err
	}
	ts := at.Unix()
	return strconv.FormatInt(ts, 10) + ":" + hex.EncodeToString(mac(canonical, secret, endpoint, ts)), nil
}

// Attach signs params and stores the result under Field.
func Attach(params map[string]any, secret, endpoint string, at time.Time) error {
	sum, err := Sign(params, secret, endpoint, at)
	if err != nil {
		return err
	}
	params[Field] = sum
	return nil
}

func mac(canonical []byte, secret, endpoint string, ts int64) []byte {
	h := hmac.New(sha3.New256, []byte(secret))
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	return h.Sum(nil)
}

// Verifier checks inbound checksums against one shared secret.
type Verifier struct {
	Secret string
	Window time.Duration
	Now    func() time.Time
}

// NewVerifier returns a Verifier using the wall clock. A non-positive window
// falls back to DefaultWindow.
func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{Secret: secret, Window: window, Now: time.Now}
}

// Verify checks params[Field] for endpoint. It returns an error wrapping
// ErrInvalid or ErrExpired.
func (v *Verifier) Verify(params map[string]any, endpoint string) error {
	raw, ok := params[Field].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: missing %s parameter", ErrInvalid, Field)
	}
	tsPart, hexPart, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found {
		return fmt.Errorf("%w: malformed value", ErrInvalid)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalid)
	}
	provided, err := hex.DecodeString(hexPart)
	if err != nil {
		return fmt.Errorf("%w: malformed digest", ErrInvalid)
	}

	canonical, err := Canonical(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !hmac.Equal(provided, mac(canonical, v.Secret, endpoint, ts)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalid)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	window := v.Window
	if window <= 0 {
		window = DefaultWindow
	}
	age := now().Sub(time.Unix(ts, 0))
	if age > window || age < -window {
		return fmt.Errorf("%w: signed %s ago", ErrExpired, age.Truncate(time.Second))
	}
	return nil
}
