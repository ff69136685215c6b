// Package vers implements the version-ordering and range-matching rules
// shared by the registry store and the dependency resolver.
//
// All ordering in this package is deterministic: given the same inputs,
// every function returns the same output regardless of input order.
package vers

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// IsValid reports whether s parses as a semantic version.
func IsValid(s string) bool {
	_, err := semver.StrictNewVersion(s)
	return err == nil
}

// Compare orders two version strings for descending version lists.
//
// Rules:
//   - two valid semvers compare by semver precedence
//   - a valid semver always orders above an invalid string
//   - two invalid strings compare lexically with numeric-aware runs,
//     so "v10" orders above "v9"
//
// The result is <0 when a orders below b, 0 on ties, >0 when a orders above b.
func Compare(a, b string) int {
	va, ea := semver.StrictNewVersion(a)
	vb, eb := semver.StrictNewVersion(b)
	switch {
	case ea == nil && eb == nil:
		return va.Compare(vb)
	case ea == nil:
		return 1
	case eb == nil:
		return -1
	default:
		return naturalCompare(a, b)
	}
}

// GreaterThan reports whether a strictly exceeds b under Compare.
func GreaterThan(a, b string) bool { return Compare(a, b) > 0 }

// SortDescending sorts versions in place, highest first.
//
// Valid semvers come first in descending precedence order. Strings that do
// not parse as semver sort after all valid versions, ordered among
// themselves by descending numeric-aware lexical comparison.
func SortDescending(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) > 0
	})
}

// Satisfies reports whether version matches the semver range rng.
// Invalid versions and invalid ranges never match.
func Satisfies(version, rng string) bool {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// ValidRange reports whether rng parses as a semver constraint.
func ValidRange(rng string) bool {
	_, err := semver.NewConstraint(rng)
	return err == nil
}

// MaxSatisfying returns the highest version in versions that matches rng.
// Ties are broken toward the highest candidate, never the lowest.
func MaxSatisfying(versions []string, rng string) (string, bool) {
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return "", false
	}
	best := ""
	var bestV *semver.Version
	for _, s := range versions {
		v, err := semver.StrictNewVersion(s)
		if err != nil {
			continue
		}
		if !c.Check(v) {
			continue
		}
		if bestV == nil || v.GreaterThan(bestV) {
			best, bestV = s, v
		}
	}
	return best, bestV != nil
}

// naturalCompare compares strings byte-wise, except that runs of ASCII
// digits compare as integers.
func naturalCompare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si, sj := i, j
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			da := trimLeadingZeros(a[si:i])
			db := trimLeadingZeros(b[sj:j])
			if len(da) != len(db) {
				if len(da) < len(db) {
					return -1
				}
				return 1
			}
			if da != db {
				if da < db {
					return -1
				}
				return 1
			}
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
