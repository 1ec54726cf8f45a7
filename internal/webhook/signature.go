package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature marks a delivery whose HMAC did not verify. The
// event is discarded and never retried by the receiver; the sender owns
// its own retry policy.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Verifier checks HMAC-SHA256 signatures over raw webhook bodies.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a verifier with the shared secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("webhook: empty secret")
	}
	return &Verifier{secret: secret}, nil
}

// Verify compares the hex signature header against the body HMAC in
// constant time.
func (v *Verifier) Verify(body []byte, signatureHeader string) error {
	signatureHeader = strings.TrimSpace(strings.TrimPrefix(signatureHeader, "sha256="))
	if signatureHeader == "" {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.ToLower(signatureHeader))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex signature for a body. Used by tests and by senders
// sharing the secret.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
