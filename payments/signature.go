package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature covers every verification failure: malformed header,
// stale timestamp, digest mismatch. Callers must not distinguish - a 400 is
// a 400, and distinguishing would leak oracle information to the sender.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// DefaultTolerance bounds how stale a signed timestamp may be. Matches
// Stripe's recommended replay window.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a Stripe-style signature header of the form
//
//	t=<unix>,v1=<hex hmac-sha256>
//
// where the MAC is computed over "<t>.<body>" with the endpoint secret.
// Multiple v1 values are accepted (secret rotation); any match passes.
func VerifySignature(secret string, body []byte, header string, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrInvalidSignature
	}

	signedAt := time.Unix(ts, 0)
	if d := now.Sub(signedAt); d > tolerance || d < -tolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	want := mac.Sum(nil)

	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(want, got) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload produces a header VerifySignature accepts. Used by tests and
// the local webhook replay tool.
func SignPayload(secret string, body []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
