package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
)

const (
	// EntropyBytes is the amount of random bytes drawn per token (128 bits).
	EntropyBytes = 16

	// MaxLength bounds what Valid accepts, well above the 22 characters Generate produces.
	MaxLength = 256
)

var validPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Generator produces unguessable, URL-safe tokens.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator draws tokens from a cryptographically secure source.
type RandomGenerator struct {
	source io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *RandomGenerator {
	return &RandomGenerator{source: rand.Reader}
}

// Generate returns EntropyBytes of randomness encoded as unpadded base64url.
func (g *RandomGenerator) Generate() (string, error) {
	b := make([]byte, EntropyBytes)
	if _, err := io.ReadFull(g.source, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Valid reports whether s only uses letters, digits, '-' and '_'.
func Valid(s string) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}

	return validPattern.MatchString(s)
}
