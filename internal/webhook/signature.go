package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature header carried on every callback. The value is
// "sha256=<hex>" over the raw request body, keyed with the
// subscription secret. It is recomputed on every attempt so a
// corrupted payload at rest can never carry yesterday's signature.
const (
	SignatureHeader = "X-Eventflow-Signature"
	AttemptHeader   = "X-Eventflow-Attempt"
	EventIDHeader   = "X-Eventflow-Event-Id"
	EventTypeHeader = "X-Eventflow-Event-Type"
)

const signaturePrefix = "sha256="

// Sign computes the signature header value for a callback body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received header value against the body.
// Intended for receiver-side use; comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
