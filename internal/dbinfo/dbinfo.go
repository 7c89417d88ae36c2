// Package dbinfo derives per-connection capability flags from a parsed
// server_version and the startup parameters the server reports, computed
// once per session.
package dbinfo

import (
	"github.com/jfoltran/pgrepl/pkg/pgversion"
)

// Info holds the capability flags spec.md §4.K names, populated once
// when a session opens.
type Info struct {
	ServerVersion pgversion.ServerVersion

	SupportsRangeTypes       bool
	SupportsEnumTypes        bool
	SupportsCloseAll         bool
	SupportsDiscardTemp      bool
	SupportsDiscard          bool
	SupportsAdvisoryLocks    bool
	SupportsDiscardSequences bool
	SupportsUnlisten         bool
	HasIntegerDatetimes      bool
}

// Derive parses rawServerVersion and computes every capability flag.
// integerDatetimes is the raw "integer_datetimes" startup parameter; an
// empty string (parameter absent, pre-9.0 servers) defaults to "on", as
// PostgreSQL itself always compiled with integer datetimes from that
// point forward.
func Derive(rawServerVersion, integerDatetimes string) (Info, error) {
	v, err := pgversion.Parse(rawServerVersion)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ServerVersion:            v,
		SupportsRangeTypes:       v.AtLeast(9, 2),
		SupportsEnumTypes:        v.AtLeast(8, 3),
		SupportsCloseAll:         v.AtLeast(8, 3),
		SupportsDiscardTemp:      v.AtLeast(8, 3),
		SupportsDiscard:          v.AtLeast(8, 3),
		SupportsAdvisoryLocks:    v.AtLeast(8, 2),
		SupportsDiscardSequences: v.AtLeast(9, 4),
		SupportsUnlisten:         v.AtLeast(6, 4),
		HasIntegerDatetimes:      integerDatetimes != "off",
	}, nil
}
