package utils

import (
	"errors"
	"strings"
	"testing"

	"example.com/backstage/services/endpoint/internal/core"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in       string
		expected Version
	}{
		{"1.2.3", Version{1, 2, 3}},
		{"v2.0.10", Version{2, 0, 10}},
		{"1.2", Version{1, 2, 0}},
		{"1.x.3", Version{1, 0, 3}},
		{"1.2.3-beta.1", Version{1, 2, 3}},
		{"", Version{}},
		{"garbage", Version{}},
		{"-1.2.3", Version{0, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseVersion(tt.in)
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, candidate string
		expected           bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.0.0", "1.1.0", true},
		{"1.9.9", "2.0.0", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.1", "1.0.0", false},
		{"2.0.0", "1.99.99", false},
		{"1.0.0", "1.0", false},
		{"1.0", "1.0.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.current+"->"+tt.candidate, func(t *testing.T) {
			if got := IsNewer(tt.current, tt.candidate); got != tt.expected {
				t.Errorf("IsNewer(%q, %q): expected %v, got %v", tt.current, tt.candidate, tt.expected, got)
			}
		})
	}
}

// IsNewer must agree with lexicographic triple ordering for every pair.
func TestIsNewer_MatchesTripleOrder(t *testing.T) {
	var versions []Version
	for major := 0; major < 3; major++ {
		for minor := 0; minor < 3; minor++ {
			for patch := 0; patch < 3; patch++ {
				versions = append(versions, Version{major, minor, patch})
			}
		}
	}

	for _, a := range versions {
		for _, b := range versions {
			greater := b.Major > a.Major ||
				(b.Major == a.Major && b.Minor > a.Minor) ||
				(b.Major == a.Major && b.Minor == a.Minor && b.Patch > a.Patch)
			if got := IsNewer(a.String(), b.String()); got != greater {
				t.Errorf("IsNewer(%s, %s): expected %v, got %v", a, b, greater, got)
			}
		}
	}
}

func TestChecksum(t *testing.T) {
	// sha256("hello")
	const helloSum = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	c, err := NewChecksum("sha256:" + strings.ToUpper(helloSum))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Write([]byte("hel"))
	c.Write([]byte("lo"))
	if err := c.Verify(); err != nil {
		t.Errorf("expected match, got %v", err)
	}

	c, _ = NewChecksum(helloSum)
	c.Write([]byte("world"))
	if err := c.Verify(); !errors.Is(err, core.ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}

	if _, err := NewChecksum("md5:abcd"); !errors.Is(err, core.ErrChecksumFormat) {
		t.Errorf("expected ErrChecksumFormat, got %v", err)
	}

	c, _ = NewChecksum("")
	if c.Enabled() {
		t.Error("empty checksum should be disabled")
	}
	if err := c.Verify(); err != nil {
		t.Errorf("disabled checksum should verify, got %v", err)
	}
}
