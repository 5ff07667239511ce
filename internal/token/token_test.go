package token

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomGenerator_Generate(t *testing.T) {
	g := NewGenerator()

	seen := make(map[string]struct{})

	for i := 0; i < 1000; i++ {
		tok, err := g.Generate()
		require.NoError(t, err)
		require.Len(t, tok, 22)
		require.True(t, Valid(tok), "generated token %q must pass validation", tok)

		_, dup := seen[tok]
		require.False(t, dup, "duplicate token %q", tok)

		seen[tok] = struct{}{}
	}
}

func TestRandomGenerator_Deterministic(t *testing.T) {
	g := &RandomGenerator{source: bytes.NewReader(bytes.Repeat([]byte{0xff}, EntropyBytes))}

	tok, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("_", 21)+"w", tok)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestRandomGenerator_SourceError(t *testing.T) {
	g := &RandomGenerator{source: failingReader{}}

	_, err := g.Generate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy exhausted")
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "letters digits dash underscore", token: "ValidToken_123-abc", want: true},
		{name: "scenario token", token: "abc123", want: true},
		{name: "empty", token: "", want: false},
		{name: "space", token: "not valid", want: false},
		{name: "special char", token: "invalid$token", want: false},
		{name: "path traversal", token: "../etc", want: false},
		{name: "query separator", token: "a&b=c", want: false},
		{name: "padding", token: "abc=", want: false},
		{name: "newline", token: "abc\n", want: false},
		{name: "too long", token: strings.Repeat("a", MaxLength+1), want: false},
		{name: "max length", token: strings.Repeat("a", MaxLength), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.token))
		})
	}
}
