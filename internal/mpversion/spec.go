package mpversion

import (
	"fmt"
	"strings"
)

// SpecKind classifies a version request.
type SpecKind int

const (
	// SpecExact matches one concrete version.
	SpecExact SpecKind = iota
	// SpecStable selects the newest released version.
	SpecStable
	// SpecPreview selects the newest version, previews included.
	SpecPreview
	// SpecAny matches everything and leaves the choice to the caller.
	SpecAny
)

// String returns the kind as a word.
func (k SpecKind) String() string {
	switch k {
	case SpecExact:
		return "exact"
	case SpecStable:
		return "stable"
	case SpecPreview:
		return "preview"
	case SpecAny:
		return "any"
	}
	return "unknown"
}

// Spec is a parsed version request.
type Spec struct {
	Kind  SpecKind
	Exact Version // set when Kind is SpecExact
}

// ParseSpec parses a user version request: a concrete version, "stable",
// "preview" (or its aliases "latest" and "master"), or "?" for any.
func ParseSpec(s string) (Spec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Spec{}, fmt.Errorf("empty version request")
	case "stable":
		return Spec{Kind: SpecStable}, nil
	case "preview", "latest", "master":
		return Spec{Kind: SpecPreview}, nil
	case "?", "any":
		return Spec{Kind: SpecAny}, nil
	}
	v, err := Parse(s)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: SpecExact, Exact: v}, nil
}

// Matches reports whether a version satisfies the request. SpecStable
// rejects previews; SpecPreview and SpecAny match everything and rely on
// ordering to pick the newest candidate.
func (s Spec) Matches(v Version) bool {
	switch s.Kind {
	case SpecExact:
		return v == s.Exact
	case SpecStable:
		return !v.Preview
	default:
		return true
	}
}

// String renders the request in the form the user gave it.
func (s Spec) String() string {
	switch s.Kind {
	case SpecStable:
		return "stable"
	case SpecPreview:
		return "preview"
	case SpecAny:
		return "?"
	}
	return s.Exact.String()
}
