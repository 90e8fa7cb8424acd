// Package token produces delivery tokens embedded in tracking pixel URLs.
//
// A token is 16 bytes from crypto/rand encoded as lowercase base32 without
// padding, which yields a 26 character string safe for a URL path segment.
package token

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
)

// Size is the number of random bytes behind every token.
const Size = 16

// Length is the encoded length of a token.
const Length = 26

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator creates tokens from a random source.
type Generator struct {
	// Reader defaults to crypto/rand.Reader.
	Reader io.Reader
}

// Generate returns a fresh token or an error when the random source fails.
func (g Generator) Generate() (string, error) {
	r := g.Reader
	if r == nil {
		r = rand.Reader
	}
	var b [Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(b[:])), nil
}

// Valid reports whether s has the shape of a generated token.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '2' && c <= '7') {
			continue
		}
		return false
	}
	return true
}
