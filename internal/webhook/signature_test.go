package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

// signPayload computes the signature independently of Sign.
func signPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestSignMatchesIndependentHMAC(t *testing.T) {
	body := []byte(`{"type":"completed","taskId":"1"}`)
	if got, want := Sign("secret", body), signPayload([]byte("secret"), body); got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	secret := "session-secret"
	body := []byte(`{"type":"progress","sessionId":"s","taskId":"3"}`)
	valid := signPayload([]byte(secret), body)

	if err := Verify(secret, body, valid); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	flipped := append([]byte(nil), body...)
	flipped[10] ^= 0x01

	cases := map[string]struct {
		secret string
		body   []byte
		header string
	}{
		"flipped byte":   {secret, flipped, valid},
		"other secret":   {"other-session-secret", body, valid},
		"missing header": {secret, body, ""},
		"no prefix":      {secret, body, valid[len("sha256="):]},
		"bad hex":        {secret, body, "sha256=zzzz"},
		"truncated":      {secret, body, valid[:len(valid)-2]},
		"empty secret":   {"", body, valid},
	}

	for name, c := range cases {
		err := Verify(c.secret, c.body, c.header)
		if !errors.Is(err, ErrSignature) {
			t.Errorf("%s: expected ErrSignature, got %v", name, err)
		}
	}
}
