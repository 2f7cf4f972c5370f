package target

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	SignatureHeader = "X-Webhook-Signature"

	// SignatureAlgorithmHeader names the HMAC algorithm.
	SignatureAlgorithmHeader = "X-Webhook-Signature-Algorithm"

	// TimestampHeader is the unix second the signature was made at.
	TimestampHeader = "X-Webhook-Timestamp"

	// DefaultAlgorithm is the only algorithm produced.
	DefaultAlgorithm = "sha256"
)

// Sign returns the signature for payload sent at timestamp.
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload sent at timestamp.
// The comparison is constant-time.
func Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(Sign(secret, timestamp, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}

func addSignatureHeaders(h http.Header, secret string, timestamp int64, payload []byte) {
	h.Set(TimestampHeader, strconv.FormatInt(timestamp, 10))
	h.Set(SignatureHeader, Sign(secret, timestamp, payload))
	h.Set(SignatureAlgorithmHeader, DefaultAlgorithm)
}
