package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// DefaultStateBytes is the entropy of a state token when no size is given.
const DefaultStateBytes = 32

// verifierBytes gives a 64-char hex verifier, inside RFC 7636's 43-128 range.
const verifierBytes = 32

// ErrEntropy is returned when the secure random source cannot be read.
// Authentication cannot start without it.
var ErrEntropy = errors.New("secure random source unavailable")

// PKCEProof is a single-use PKCE verifier/challenge pair.
type PKCEProof struct {
	Verifier  string
	Challenge string
	Method    string // always "S256"
}

// RandomHex generates a hex-encoded random string of n bytes.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateState returns an anti-CSRF state token carrying n bytes of entropy.
func GenerateState(n int) (string, error) {
	if n <= 0 {
		n = DefaultStateBytes
	}
	return RandomHex(n)
}

// GeneratePKCE creates a fresh S256 proof.
func GeneratePKCE() (*PKCEProof, error) {
	verifier, err := RandomHex(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate PKCE verifier: %w", err)
	}
	return &PKCEProof{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}, nil
}

// ValidVerifier reports whether s matches the RFC 7636 code_verifier grammar.
func ValidVerifier(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
