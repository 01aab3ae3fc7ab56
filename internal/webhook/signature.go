package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the body signature as "sha256=<hex>".
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// ErrSignature is returned when a callback signature is missing or wrong.
var ErrSignature = errors.New("webhook signature invalid")

// Sign returns the header value for body signed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC-SHA256 of the raw body.
// Error messages never include the expected signature.
func Verify(secret string, body []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is empty", ErrSignature)
	}
	if header == "" {
		return fmt.Errorf("%w: header is missing", ErrSignature)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: expected %s prefix", ErrSignature, signaturePrefix)
	}

	given, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), given) != 1 {
		return fmt.Errorf("%w: mismatch", ErrSignature)
	}
	return nil
}
