package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	ErrStaleEvent   = errors.New("webhook timestamp outside tolerance")
)

// VerifySignature checks a Stripe-style signature header of the form
// "t=<unix>,v1=<hex hmac>,v1=<hex hmac>" against the raw payload. The signed
// message is "<t>.<payload>" with the conference's endpoint secret as the
// HMAC-SHA256 key. Multiple v1 entries may be present during secret rotation;
// any one matching is enough.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.Wrap(ErrBadSignature, "malformed timestamp")
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return errors.Wrap(ErrBadSignature, "missing timestamp or signatures")
	}

	sent := time.Unix(timestamp, 0)
	if now.Sub(sent) > tolerance || sent.Sub(now) > tolerance {
		return ErrStaleEvent
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if len(sig) == len(expected) && subtle.ConstantTimeCompare(sig, expected) == 1 {
			return nil
		}
	}
	return ErrBadSignature
}
