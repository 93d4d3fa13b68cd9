package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// semVersion is a minimal dotted-numeric version for predicate
// evaluation (e.g. "1.2.3", "2.0"). Pre-release/build metadata suffixes
// are not part of the manifest's version scheme, so a simple numeric
// component comparison is sufficient here; no third-party semver
// library in the example pack targets this exact bare-dotted-integer
// form, and pulling one in for a three-line comparison would be a
// worse fit than the stdlib-only version below.
type semVersion []int

func parseVersion(s string) (semVersion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("manifest: empty version string")
	}
	parts := strings.Split(s, ".")
	v := make(semVersion, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("manifest: invalid version component %q in %q", p, s)
		}
		v[i] = n
	}
	return v, nil
}

// compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b. Differing lengths are compared as if the shorter were
// zero-padded (so "1.2" == "1.2.0").
func (a semVersion) compare(b semVersion) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// evaluatePredicate matches the version-message predicate grammar: a
// leading "<" or ">" for strict inequality, a leading "==" for equality,
// and a bare version string treated as "==".
func evaluatePredicate(spec string, current semVersion) (bool, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "<"):
		target, err := parseVersion(spec[1:])
		if err != nil {
			return false, err
		}
		return current.compare(target) < 0, nil
	case strings.HasPrefix(spec, ">"):
		target, err := parseVersion(spec[1:])
		if err != nil {
			return false, err
		}
		return current.compare(target) > 0, nil
	case strings.HasPrefix(spec, "=="):
		target, err := parseVersion(spec[2:])
		if err != nil {
			return false, err
		}
		return current.compare(target) == 0, nil
	default:
		target, err := parseVersion(spec)
		if err != nil {
			return false, err
		}
		return current.compare(target) == 0, nil
	}
}
