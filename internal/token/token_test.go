package token_test

import (
	"bytes"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack/internal/token"
)

func TestGenerateUnique(t *testing.T) {
	const n = 10000
	g := token.Generator{}
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		tok, err := g.Generate()
		require.NoError(t, err)
		_, dup := seen[tok]
		require.False(t, dup, "duplicate token %s", tok)
		seen[tok] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestGenerateShape(t *testing.T) {
	tok, err := token.Generator{}.Generate()
	require.NoError(t, err)
	require.Len(t, tok, token.Length)
	require.True(t, token.Valid(tok))
	require.Equal(t, tok, url.PathEscape(tok))
}

func TestGenerateDeterministicReader(t *testing.T) {
	g := token.Generator{Reader: bytes.NewReader(make([]byte, token.Size))}
	tok, err := g.Generate()
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaa", tok)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateReaderFailure(t *testing.T) {
	_, err := token.Generator{Reader: failingReader{}}.Generate()
	require.Error(t, err)
}

func TestValid(t *testing.T) {
	require.False(t, token.Valid(""))
	require.False(t, token.Valid("AAAAAAAAAAAAAAAAAAAAAAAAAA"))
	require.False(t, token.Valid("../../etc/passwd"))
}
