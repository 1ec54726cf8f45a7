package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestVerify(t *testing.T) {
	v, err := NewVerifier([]byte("secret"))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	body := []byte(`{"device_id":"d1"}`)
	sig := v.Sign(body)

	if err := v.Verify(body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := v.Verify(body, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	if err := v.Verify(body, strings.ToUpper(sig)); err != nil {
		t.Fatalf("uppercase hex rejected: %v", err)
	}

	if err := v.Verify([]byte(`tampered`), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered body accepted: %v", err)
	}
	if err := v.Verify(body, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("empty signature accepted: %v", err)
	}
	if err := v.Verify(body, "zz-not-hex"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("garbage signature accepted: %v", err)
	}

	other, err := NewVerifier([]byte("other-secret"))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if err := other.Verify(body, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong secret accepted: %v", err)
	}
}

func TestNewVerifierEmptySecret(t *testing.T) {
	if _, err := NewVerifier(nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
