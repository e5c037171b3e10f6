package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the webhook authenticity header.
const SignatureHeader = "X-Signature-256"

// AuthenticityError marks a webhook signature mismatch. Whether it rejects
// the request or only logs is tenant policy, decided by the caller.
type AuthenticityError struct {
	Reason string
}

func (e *AuthenticityError) Error() string { return "webhook authenticity: " + e.Reason }

// VerifySignature checks the "sha256=<hex hmac>" header against the raw body
// using the shared app secret. Comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return &AuthenticityError{Reason: "no app secret configured"}
	}
	if header == "" {
		return &AuthenticityError{Reason: "missing signature header"}
	}
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return &AuthenticityError{Reason: "malformed signature header"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return &AuthenticityError{Reason: "signature mismatch"}
	}
	return nil
}

// Sign computes the signature header value for a body. Used by tests and by
// the doctor command to produce sample requests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
