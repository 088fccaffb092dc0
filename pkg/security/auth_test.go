package security

import (
	"context"
	"errors"
	"testing"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	auth := NewAPIKeyAuthenticator()
	auth.AddKey("key-alice", &Principal{ID: "alice"})
	auth.AddKey("key-bob", &Principal{ID: "bob"})

	p, err := auth.Authenticate(context.Background(), "key-bob")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.ID != "bob" {
		t.Errorf("owner = %s, want bob", p.ID)
	}

	if _, err := auth.Authenticate(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("empty token error = %v, want ErrMissingToken", err)
	}
	if _, err := auth.Authenticate(context.Background(), "key-eve"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown token error = %v, want ErrInvalidToken", err)
	}
}

func TestNoAuthAuthenticator(t *testing.T) {
	p, err := NoAuthAuthenticator{}.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.ID != AnonymousOwner {
		t.Errorf("owner = %s, want %s", p.ID, AnonymousOwner)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"abc":          "abc",
		"":             "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestOwnerFromContext(t *testing.T) {
	if got := OwnerFrom(context.Background()); got != AnonymousOwner {
		t.Errorf("OwnerFrom(empty) = %s", got)
	}
	ctx := WithPrincipal(context.Background(), &Principal{ID: "alice"})
	if got := OwnerFrom(ctx); got != "alice" {
		t.Errorf("OwnerFrom() = %s, want alice", got)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("short"); got != "****" {
		t.Errorf("MaskSecret(short) = %s", got)
	}
	if got := MaskSecret("sk-1234567890abcd"); got != "sk-1****abcd" {
		t.Errorf("MaskSecret(long) = %s", got)
	}
}
