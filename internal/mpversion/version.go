// Package mpversion implements parsing and ordering of MicroPython
// firmware version strings.
//
// MicroPython publishes released versions ("v1.24.1") and rolling preview
// versions ("v1.25.0-preview"). For an equal numeric triple a preview
// precedes the final release, and preview builds carry an ascending build
// counter next to the version proper.
package mpversion

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Version is a firmware version triple plus the preview flag. Build
// counters are not part of the version itself; the firmware catalog tracks
// them alongside.
type Version struct {
	Major   int
	Minor   int
	Patch   int
	Preview bool
}

// Parse parses a concrete version string such as "1.24.1", "v1.24.1" or
// "v1.25.0-preview". Tag suffixes as reported by running firmware
// ("v1.23.0-preview.6.g3d0b6276d") are accepted; the trailing build and
// hash segments are ignored.
func Parse(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	t := strings.TrimPrefix(strings.TrimPrefix(raw, "v"), "V")
	if t == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	var v Version
	num, rest, tagged := strings.Cut(t, "-")
	if tagged {
		seg, _, _ := strings.Cut(rest, ".")
		if seg != "preview" {
			return Version{}, fmt.Errorf("unknown version suffix %q in %q", seg, raw)
		}
		v.Preview = true
	}

	parts := strings.Split(num, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("malformed version %q", raw)
	}
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("malformed version %q", raw)
		}
		*fields[i] = n
	}
	return v, nil
}

// String renders the canonical form, "v1.24.1" or "v1.25.0-preview".
func (v Version) String() string {
	s := fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Preview {
		s += "-preview"
	}
	return s
}

// Compare orders versions by numeric triple; for an equal triple a preview
// sorts strictly below the final release.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Patch, o.Patch); c != 0 {
		return c
	}
	switch {
	case v.Preview == o.Preview:
		return 0
	case v.Preview:
		return -1
	default:
		return 1
	}
}

// CompareBuilds orders (version, build) pairs: version order first, then
// ascending build counter within the same preview/release class.
func CompareBuilds(a Version, aBuild int, b Version, bBuild int) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	return cmp.Compare(aBuild, bBuild)
}

// ParseBuild extracts the preview build counter from a tagged version such
// as "v1.23.0-preview.6.g3d0b6276d". Released and untagged versions report
// build 0.
func ParseBuild(s string) int {
	_, rest, ok := strings.Cut(s, "-preview.")
	if !ok {
		return 0
	}
	n, _, _ := strings.Cut(rest, ".")
	b, err := strconv.Atoi(n)
	if err != nil {
		return 0
	}
	return b
}

// Clean normalizes a reported version string to canonical form. The
// rolling aliases "latest" and "master" map to "preview"; strings that are
// not concrete versions pass through trimmed.
func Clean(s string) string {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "latest", "master", "preview":
		return "preview"
	case "stable":
		return "stable"
	}
	v, err := Parse(t)
	if err != nil {
		return t
	}
	return v.String()
}
