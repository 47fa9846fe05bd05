// Package hmac signs and verifies webhook bodies with HMAC-SHA256.
package hmac

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Prefix is prepended to the hex digest in the X-Signature header.
const Prefix = "sha256="

// ErrMalformedSignature is returned when a header value lacks the expected shape.
var ErrMalformedSignature = errors.New("malformed signature")

// Sign returns "sha256=<hex>" for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body) //nolint:errcheck // hash.Hash writes never fail
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret using a
// constant-time comparison.
func Verify(secret, body []byte, signature string) (bool, error) {
	if !strings.HasPrefix(signature, Prefix) {
		return false, ErrMalformedSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, Prefix))
	if err != nil || len(got) != sha256.Size {
		return false, ErrMalformedSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body) //nolint:errcheck // hash.Hash writes never fail
	return hmac.Equal(got, mac.Sum(nil)), nil
}
