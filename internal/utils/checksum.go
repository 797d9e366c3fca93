// internal/utils/checksum.go
package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"example.com/backstage/services/endpoint/internal/core"
)

// Checksum verifies a streamed image against an expected SHA-256 digest.
type Checksum struct {
	expected []byte
	h        hash.Hash
}

// NewChecksum parses the expected digest. An empty string yields a checksum
// that accepts anything. Accepted forms are 64 hex characters, optionally
// prefixed with "sha256:".
func NewChecksum(expected string) (*Checksum, error) {
	c := &Checksum{h: sha256.New()}

	expected = strings.TrimSpace(expected)
	if expected == "" {
		return c, nil
	}

	expected = strings.TrimPrefix(strings.ToLower(expected), "sha256:")
	if len(expected) != sha256.Size*2 {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", core.ErrChecksumFormat, sha256.Size*2, len(expected))
	}

	sum, err := hex.DecodeString(expected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrChecksumFormat, err)
	}
	c.expected = sum

	return c, nil
}

// Write feeds image bytes into the digest.
func (c *Checksum) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// Enabled reports whether an expected digest was supplied.
func (c *Checksum) Enabled() bool {
	return c.expected != nil
}

// Sum returns the hex digest of everything written so far.
func (c *Checksum) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Verify compares the running digest with the expected one.
func (c *Checksum) Verify() error {
	if c.expected == nil {
		return nil
	}
	got := c.h.Sum(nil)
	if !bytes.Equal(got, c.expected) {
		return fmt.Errorf("%w: expected %s, got %s", core.ErrChecksumMismatch, hex.EncodeToString(c.expected), hex.EncodeToString(got))
	}
	return nil
}
