package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestGenerate_ChallengeDerivation(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	sum := sha256.Sum256([]byte(pair.Verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if pair.Challenge != want {
		t.Fatalf("challenge mismatch: got %q, want %q", pair.Challenge, want)
	}
}

func TestGenerate_VerifierLength(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(pair.Verifier) < 43 || len(pair.Verifier) > 128 {
		t.Fatalf("verifier length %d outside [43,128]", len(pair.Verifier))
	}
	for _, c := range pair.Verifier {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			t.Fatalf("verifier contains non-URL-safe character %q", c)
		}
	}
}

func TestGenerate_NoReuse(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pair, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seen[pair.Verifier] {
			t.Fatalf("verifier repeated after %d generations", i)
		}
		seen[pair.Verifier] = true
	}
}

func TestState_NoReuse(t *testing.T) {
	a, err := State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	b, err := State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if a == b {
		t.Fatal("consecutive state tokens are equal")
	}
}
