// internal/utils/version.go
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a major.minor.patch triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion reads "a.b.c" (optionally "v"-prefixed, with pre-release or
// build suffixes ignored). Missing or unparseable components become 0.
func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.Split(s, ".")

	var nums [3]int
	for i := 0; i < 3; i++ {
		if i >= len(parts) {
			break
		}
		field := parts[i]
		if cut := strings.IndexAny(field, "-+"); cut >= 0 {
			field = field[:cut]
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			n = 0
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1 if v < o, 0 if v == o, 1 if v > o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	return ParseVersion(v1).Compare(ParseVersion(v2))
}

// IsNewer reports whether candidate strictly dominates current.
func IsNewer(current, candidate string) bool {
	return CompareVersions(candidate, current) > 0
}
