// Package lsn implements PostgreSQL Log Sequence Numbers: the 64-bit WAL
// byte offsets used throughout the streaming replication protocol.
package lsn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LSN is an immutable 64-bit WAL position. The zero value is the sentinel
// "invalid LSN" — no real WAL record begins at byte offset 0.
type LSN uint64

// FormatError reports a malformed LSN string, including the byte index at
// which parsing gave up.
type FormatError struct {
	Input string
	Index int
	Msg   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("lsn: invalid format at index %d of %q: %s", e.Index, e.Input, e.Msg)
}

// Parse parses the "X/Y" hex form PostgreSQL uses to print LSNs, e.g.
// "16/B374D848". Each side is an unsigned 32-bit hex number with no
// required zero padding; exactly one '/' separator is accepted.
func Parse(s string) (LSN, error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return 0, &FormatError{Input: s, Index: 0, Msg: "missing '/' separator"}
	}
	if strings.IndexByte(s[idx+1:], '/') >= 0 {
		return 0, &FormatError{Input: s, Index: idx + 1, Msg: "more than one '/' separator"}
	}

	hiStr, loStr := s[:idx], s[idx+1:]
	if len(hiStr) == 0 || len(hiStr) > 8 {
		return 0, &FormatError{Input: s, Index: 0, Msg: "high segment must be 1-8 hex digits"}
	}
	if len(loStr) == 0 || len(loStr) > 8 {
		return 0, &FormatError{Input: s, Index: idx + 1, Msg: "low segment must be 1-8 hex digits"}
	}

	hi, err := strconv.ParseUint(hiStr, 16, 32)
	if err != nil {
		return 0, &FormatError{Input: s, Index: 0, Msg: "high segment is not valid hex"}
	}
	lo, err := strconv.ParseUint(loStr, 16, 32)
	if err != nil {
		return 0, &FormatError{Input: s, Index: idx + 1, Msg: "low segment is not valid hex"}
	}

	return LSN(hi<<32 | lo), nil
}

// TryParse is Parse without an error return, for callers that want a
// boolean-style check.
func TryParse(s string) (LSN, bool) {
	v, err := Parse(s)
	return v, err == nil
}

// String formats the LSN in PostgreSQL's uppercase "X/Y" hex form, with no
// leading-zero padding on either side.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Uint64 widens the LSN to its underlying representation.
func (l LSN) Uint64() uint64 { return uint64(l) }

// FromUint64 narrows a raw WAL byte offset into an LSN.
func FromUint64(v uint64) LSN { return LSN(v) }

// Valid reports whether the LSN is not the sentinel zero value.
func (l LSN) Valid() bool { return l != 0 }

// Compare returns -1, 0, or 1 as l is less than, equal to, or greater than other.
func (l LSN) Compare(other LSN) int {
	switch {
	case l < other:
		return -1
	case l > other:
		return 1
	default:
		return 0
	}
}

// Add returns l + n bytes. It fails rather than wrap around on overflow.
func (l LSN) Add(n uint64) (LSN, error) {
	sum := uint64(l) + n
	if sum < uint64(l) {
		return 0, fmt.Errorf("lsn: add overflow: %s + %d", l, n)
	}
	return LSN(sum), nil
}

// Sub returns l - n bytes. It fails rather than wrap around on underflow.
func (l LSN) Sub(n uint64) (LSN, error) {
	if n > uint64(l) {
		return 0, fmt.Errorf("lsn: sub underflow: %s - %d", l, n)
	}
	return LSN(uint64(l) - n), nil
}

// Diff returns the number of bytes separating two LSNs: always the
// absolute value of the difference, regardless of argument order.
func (l LSN) Diff(other LSN) uint64 {
	if l >= other {
		return uint64(l - other)
	}
	return uint64(other - l)
}

// Lag calculates the byte distance current is behind latest. Returns 0 if
// current is already at or ahead of latest.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
