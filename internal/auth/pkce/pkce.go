// Package pkce generates verifier/challenge pairs for the OAuth 2.0
// Proof Key for Code Exchange extension (RFC 7636).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierBytes is the entropy fed into each verifier. 32 random bytes
// base64url-encode to 43 characters, the RFC 7636 minimum.
const verifierBytes = 32

// Pair is a one-time verifier/challenge pair. The verifier must be kept
// private until the code exchange; the challenge goes into the
// authorization URL.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a fresh pair from the operating system's secure random
// source. A failing random source is a hard error: a verifier from a weak
// generator defeats the point of PKCE, so there is no fallback.
func Generate() (Pair, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return Pair{}, fmt.Errorf("pkce: secure random source unavailable: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Pair{
		Verifier:  verifier,
		Challenge: ChallengeFor(verifier),
	}, nil
}

// ChallengeFor derives the S256 challenge for a verifier:
// base64url, no padding, of the verifier's SHA-256 digest.
func ChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// State returns a random URL-safe token for the state and nonce
// authorization parameters. Same failure policy as Generate.
func State() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pkce: secure random source unavailable: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
