/**
 * @description
 * Webhook signature verification. The provider signs the raw request body with
 * a shared secret; the header carries the signing timestamp and one or more
 * HMAC-SHA256 signatures:
 *
 *   Billing-Signature: t=1700000000,v1=5257a869e7...
 *
 * The signed payload is "<t>.<raw body>". Comparison is constant time, and a
 * timestamp outside the tolerance window is rejected to blunt replay of a
 * captured request. It must be the raw received bytes that are checked, never
 * a re-serialized form.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: Signature computation.
 */

package api

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

// SignatureHeader is the request header carrying the provider signature.
const SignatureHeader = "Billing-Signature"

var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// VerifySignature checks the signature header against the raw body. A zero
// tolerance disables the timestamp check (used only in tests).
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	var timestamp int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			ts, err := strconv.ParseInt(part[2:], 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
			timestamp = ts
		case strings.HasPrefix(part, "v1="):
			candidates = append(candidates, strings.ToLower(part[3:]))
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return ErrMalformedSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	expected := []byte(hex.EncodeToString(mac.Sum(nil)))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// SignPayload computes the signature header value for a body at a timestamp.
// Exported for use by tests and local tooling that replays provider events.
func SignPayload(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
