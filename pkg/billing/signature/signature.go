// Package signature verifies webhook signature headers of the form
// "t=<unix seconds>,v0=<hex hmac-sha256>".
//
// The signed payload is "<t>.<raw body>" keyed with the webhook secret.
// Verification is a pure check: it never touches storage.
package signature

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

const (
	// DefaultScheme is the signature scheme expected in the header.
	DefaultScheme = "v0"

	// DefaultTolerance is the maximum accepted age of a signed timestamp.
	DefaultTolerance = 30 * time.Minute
)

var (
	ErrNoSecret         = errors.New("webhook secret not configured")
	ErrMissingHeader    = errors.New("missing signature header")
	ErrMissingTimestamp = errors.New("no timestamp found in signature header")
	ErrInvalidTimestamp = errors.New("invalid timestamp in signature header")
	ErrMissingSignature = errors.New("no signatures found with expected scheme")
	ErrTooOld           = errors.New("timestamp outside the tolerance zone")
	ErrMismatch         = errors.New("no signatures found matching the expected signature for payload")
)

// Verifier checks signature headers against a shared secret.
type Verifier struct {
	secret    string
	scheme    string
	tolerance time.Duration
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithScheme overrides the signature scheme (e.g. "v1").
func WithScheme(scheme string) Option {
	return func(v *Verifier) {
		if scheme = strings.TrimSpace(scheme); scheme != "" {
			v.scheme = scheme
		}
	}
}

// WithTolerance overrides the accepted timestamp age. Zero disables the check.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		v.tolerance = d
	}
}

// WithClock sets the time source used for the tolerance check.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier for the given secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:    strings.TrimSpace(secret),
		scheme:    DefaultScheme,
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Scheme returns the expected signature scheme.
func (v *Verifier) Scheme() string {
	return v.scheme
}

// Verify checks header against payload. Any returned error means the
// request must be rejected.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v.secret == "" {
		return ErrNoSecret
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingHeader
	}

	ts, signatures, err := v.parseHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 && v.now().Sub(time.Unix(ts, 0)) > v.tolerance {
		return ErrTooOld
	}

	expected := webhook.ComputeSignature(time.Unix(ts, 0), payload, v.secret)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrMismatch
}

// Header builds a signature header for payload signed at ts. Used by
// tooling and tests that need to produce deliveries.
func (v *Verifier) Header(payload []byte, ts time.Time) string {
	sig := webhook.ComputeSignature(ts, payload, v.secret)
	return fmt.Sprintf("t=%d,%s=%s", ts.Unix(), v.scheme, hex.EncodeToString(sig))
}

func (v *Verifier) parseHeader(header string) (int64, [][]byte, error) {
	var (
		ts         int64
		haveTS     bool
		signatures [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidTimestamp
			}
			ts = parsed
			haveTS = true
		case v.scheme:
			sig, err := hex.DecodeString(value)
			if err != nil {
				// a malformed entry cannot match; keep looking at the others
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if !haveTS {
		return 0, nil, ErrMissingTimestamp
	}
	if len(signatures) == 0 {
		return 0, nil, ErrMissingSignature
	}
	return ts, signatures, nil
}
