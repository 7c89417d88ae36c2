// Package pgversion parses PostgreSQL's server_version string into a
// structured, comparable form, including the alpha/beta/rc/devel
// pre-release tags PostgreSQL uses ahead of a stable release.
package pgversion

import (
	"fmt"
	"strconv"
	"strings"
)

// ReleaseType identifies which stage of the release cycle a version string
// describes.
type ReleaseType int

const (
	Release ReleaseType = iota
	Alpha
	Beta
	ReleaseCandidate
	Devel
)

func (r ReleaseType) String() string {
	switch r {
	case Release:
		return "release"
	case Alpha:
		return "alpha"
	case Beta:
		return "beta"
	case ReleaseCandidate:
		return "rc"
	case Devel:
		return "devel"
	default:
		return "unknown"
	}
}

// ServerVersion is the structured form of a parsed server_version string.
// If ReleaseType is Release, PreRelease is always nil.
type ServerVersion struct {
	Major       int
	Minor       int
	Build       *int
	Revision    *int
	ReleaseType ReleaseType
	PreRelease  *int
}

// String renders the version back as PostgreSQL would, e.g. "13.4" or
// "14beta2" or "16devel".
func (v ServerVersion) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d", v.Major, v.Minor)
	if v.Build != nil {
		fmt.Fprintf(&b, ".%d", *v.Build)
	}
	if v.Revision != nil {
		fmt.Fprintf(&b, ".%d", *v.Revision)
	}
	switch v.ReleaseType {
	case Alpha:
		b.WriteString("alpha")
	case Beta:
		b.WriteString("beta")
	case ReleaseCandidate:
		b.WriteString("rc")
	case Devel:
		b.WriteString("devel")
	}
	if v.PreRelease != nil {
		fmt.Fprintf(&b, "%d", *v.PreRelease)
	}
	return b.String()
}

// AtLeast reports whether v is >= major.minor, comparing only the first two
// numeric segments (the granularity PostgreSQL capability checks use).
func (v ServerVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// FormatError reports a malformed server_version string and the byte index
// at which the parser rejected it.
type FormatError struct {
	Input string
	Index int
	Msg   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("pgversion: invalid format at index %d of %q: %s", e.Index, e.Input, e.Msg)
}

// Parse parses a raw server_version string into a ServerVersion.
func Parse(s string) (ServerVersion, error) {
	sv, _, err := ParseWithPortable(s)
	return sv, err
}

// ParseWithPortable parses s and additionally returns the "portable" echo
// string: the accepted numeric-and-tag prefix of the input, ignoring
// leading whitespace. For every valid input, portable is a prefix of s
// (after whitespace trimming).
func ParseWithPortable(s string) (ServerVersion, string, error) {
	n := len(s)
	i := 0
	for i < n && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	start := i

	readDigits := func() (int, bool) {
		j := i
		for j < n && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i {
			return 0, false
		}
		v, _ := strconv.Atoi(s[i:j])
		i = j
		return v, true
	}

	major, ok := readDigits()
	if !ok {
		return ServerVersion{}, "", &FormatError{Input: s, Index: i, Msg: "expected digits at start of version"}
	}

	var minor int
	var build, revision *int
	segCount := 1

	for segCount < 4 && i < n && s[i] == '.' {
		save := i
		i++
		v, ok := readDigits()
		if !ok {
			i = save
			break
		}
		switch segCount {
		case 1:
			minor = v
		case 2:
			b := v
			build = &b
		case 3:
			r := v
			revision = &r
		}
		segCount++
	}

	if segCount == 4 && i < n && s[i] == '.' {
		return ServerVersion{}, "", &FormatError{Input: s, Index: i, Msg: "no version segments allowed after the revision field"}
	}

	portable := s[start:i]
	remainder := s[i:]

	switch {
	case strings.HasPrefix(remainder, "devel"):
		i += len("devel")
		return ServerVersion{Major: major, Minor: minor, Build: build, Revision: revision, ReleaseType: Devel}, s[start:i], nil
	case strings.HasPrefix(remainder, "alpha"):
		return parseTagged(s, start, i+len("alpha"), major, minor, build, revision, Alpha)
	case strings.HasPrefix(remainder, "beta"):
		return parseTagged(s, start, i+len("beta"), major, minor, build, revision, Beta)
	case strings.HasPrefix(remainder, "rc"):
		return parseTagged(s, start, i+len("rc"), major, minor, build, revision, ReleaseCandidate)
	}

	// No tag recognized: either the string ends here (a clean release) or
	// there is trailing garbage. Either way it's a Release truncated to the
	// numeric prefix — the source tolerates unknown trailing content here.
	return ServerVersion{Major: major, Minor: minor, Build: build, Revision: revision, ReleaseType: Release}, portable, nil
}

func parseTagged(s string, start, tagEnd, major, minor int, build, revision *int, rt ReleaseType) (ServerVersion, string, error) {
	n := len(s)
	j := tagEnd
	for j < n && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	var pre *int
	if j > tagEnd {
		v, _ := strconv.Atoi(s[tagEnd:j])
		pre = &v
	}
	return ServerVersion{
		Major: major, Minor: minor, Build: build, Revision: revision,
		ReleaseType: rt, PreRelease: pre,
	}, s[start:j], nil
}
