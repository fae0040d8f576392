// Package semver implements semantic version parsing and ordering for
// function version snapshots.
package semver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Version is a parsed semantic version.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
	Build      string
}

// Parse parses a "major.minor.patch" version with optional prerelease
// ("-rc.1") and build ("+sha") suffixes.
func Parse(s string) (Version, error) {
	var v Version
	rest := strings.TrimPrefix(s, "v")

	if i := strings.IndexByte(rest, '+'); i >= 0 {
		v.Build = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		v.Prerelease = rest[i+1:]
		rest = rest[:i]
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor.patch", s)
	}

	var err error
	if v.Major, err = parseComponent(parts[0]); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Minor, err = parseComponent(parts[1]); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Patch, err = parseComponent(parts[2]); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}

	return v, nil
}

func parseComponent(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid component %q", s)
	}
	return n, nil
}

// IsValid reports whether s parses as a semantic version.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// String renders the version back to its canonical form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Compare returns -1, 0, or 1 comparing a to b. Prerelease versions sort
// before their release; build metadata is ignored.
func Compare(a, b Version) int {
	if c := cmpInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := cmpInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := cmpInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	return cmpPrerelease(a.Prerelease, b.Prerelease)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpPrerelease(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1 // release sorts after prerelease
	case b == "":
		return -1
	}

	// Component-wise: numeric identifiers compare numerically and sort
	// before alphanumeric ones.
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aNum := atoi(as[i])
		bn, bNum := atoi(bs[i])
		switch {
		case aNum && bNum:
			if c := cmpInt(an, bn); c != 0 {
				return c
			}
		case aNum:
			return -1
		case bNum:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	return cmpInt(len(as), len(bs))
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// SortStrings sorts version strings in ascending semver order. Strings that
// fail to parse sort last, lexically among themselves, so malformed
// historical versions remain listable.
func SortStrings(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, erri := Parse(versions[i])
		vj, errj := Parse(versions[j])
		switch {
		case erri == nil && errj == nil:
			return Compare(vi, vj) < 0
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return versions[i] < versions[j]
		}
	})
}
