// Package replcommand builds the version-gated replication command
// strings PostgreSQL accepts over the replication protocol, and parses
// their single-row text/integer results.
package replcommand

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jfoltran/pgrepl/internal/replconn"
	"github.com/jfoltran/pgrepl/pkg/lsn"
	"github.com/jfoltran/pgrepl/pkg/pgversion"
)

// FormatError reports a malformed argument to a command builder, or a
// server result row the single-row parser could not interpret.
type FormatError struct {
	Op  string
	Msg string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("replcommand: %s: %s", e.Op, e.Msg)
}

// SnapshotAction names the CREATE_REPLICATION_SLOT ... LOGICAL snapshot
// behavior.
type SnapshotAction string

const (
	SnapshotExport   SnapshotAction = "export"
	SnapshotUse      SnapshotAction = "use"
	SnapshotNothing  SnapshotAction = "nothing"
	SnapshotUnspecified SnapshotAction = ""
)

// CreatePhysicalOptions configures CREATE_REPLICATION_SLOT ... PHYSICAL.
type CreatePhysicalOptions struct {
	Name       string
	Temporary  bool
	ReserveWAL bool
}

// CreateLogicalOptions configures CREATE_REPLICATION_SLOT ... LOGICAL.
type CreateLogicalOptions struct {
	Name     string
	Plugin   string
	Temporary bool
	Snapshot SnapshotAction
	TwoPhase bool
}

// IdentifySystem builds the IDENTIFY_SYSTEM command.
func IdentifySystem() string { return "IDENTIFY_SYSTEM" }

// Show builds SHOW <param>.
func Show(param string) string { return fmt.Sprintf("SHOW %s", param) }

// TimelineHistory builds TIMELINE_HISTORY <tli>.
func TimelineHistory(tli int32) string {
	return fmt.Sprintf("TIMELINE_HISTORY %d", tli)
}

// DropReplicationSlot builds DROP_REPLICATION_SLOT, optionally with WAIT.
func DropReplicationSlot(name string, wait bool) string {
	if wait {
		return fmt.Sprintf("DROP_REPLICATION_SLOT %s WAIT", name)
	}
	return fmt.Sprintf("DROP_REPLICATION_SLOT %s", name)
}

// CreatePhysicalSlot builds CREATE_REPLICATION_SLOT ... PHYSICAL, gating
// TEMPORARY on server >= 10 and choosing the parenthesized option syntax
// for server >= 15.
func CreatePhysicalSlot(opts CreatePhysicalOptions, server pgversion.ServerVersion) (string, error) {
	if opts.Name == "" {
		return "", &FormatError{Op: "CreatePhysicalSlot", Msg: "slot name is required"}
	}
	if opts.Temporary && !server.AtLeast(10, 0) {
		return "", unsupportedErr("TEMPORARY replication slots", 10, 0, server)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE_REPLICATION_SLOT %s ", opts.Name)
	if opts.Temporary {
		b.WriteString("TEMPORARY ")
	}
	b.WriteString("PHYSICAL")
	if opts.ReserveWAL {
		if server.AtLeast(15, 0) {
			b.WriteString(" (RESERVE_WAL)")
		} else {
			b.WriteString(" RESERVE_WAL")
		}
	}
	return b.String(), nil
}

// CreateLogicalSlot builds CREATE_REPLICATION_SLOT ... LOGICAL, gating
// TEMPORARY and SNAPSHOT on server >= 10 and TWO_PHASE on server >= 15.
func CreateLogicalSlot(opts CreateLogicalOptions, server pgversion.ServerVersion) (string, error) {
	if opts.Name == "" {
		return "", &FormatError{Op: "CreateLogicalSlot", Msg: "slot name is required"}
	}
	if opts.Plugin == "" {
		return "", &FormatError{Op: "CreateLogicalSlot", Msg: "output plugin is required"}
	}
	if opts.Temporary && !server.AtLeast(10, 0) {
		return "", unsupportedErr("TEMPORARY replication slots", 10, 0, server)
	}
	if opts.Snapshot != SnapshotUnspecified && !server.AtLeast(10, 0) {
		return "", unsupportedErr("SNAPSHOT options", 10, 0, server)
	}
	if opts.TwoPhase && !server.AtLeast(15, 0) {
		return "", unsupportedErr("TWO_PHASE logical slots", 15, 0, server)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE_REPLICATION_SLOT %s ", opts.Name)
	if opts.Temporary {
		b.WriteString("TEMPORARY ")
	}
	fmt.Fprintf(&b, "LOGICAL %s", opts.Plugin)

	if server.AtLeast(15, 0) {
		var inner []string
		switch opts.Snapshot {
		case SnapshotExport:
			inner = append(inner, "SNAPSHOT 'export'")
		case SnapshotUse:
			inner = append(inner, "SNAPSHOT 'use'")
		case SnapshotNothing:
			inner = append(inner, "SNAPSHOT 'nothing'")
		}
		if opts.TwoPhase {
			inner = append(inner, "TWO_PHASE")
		}
		if len(inner) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(inner, ", "))
		}
	} else {
		switch opts.Snapshot {
		case SnapshotExport:
			b.WriteString(" EXPORT_SNAPSHOT")
		case SnapshotUse:
			b.WriteString(" USE_SNAPSHOT")
		case SnapshotNothing:
			b.WriteString(" NOEXPORT_SNAPSHOT")
		}
	}
	return b.String(), nil
}

// StartReplicationPhysical builds START_REPLICATION [SLOT name] PHYSICAL.
func StartReplicationPhysical(slotName string, startLSN lsn.LSN, timeline int32) string {
	var b strings.Builder
	if slotName != "" {
		fmt.Fprintf(&b, "START_REPLICATION SLOT %s ", slotName)
	} else {
		b.WriteString("START_REPLICATION ")
	}
	fmt.Fprintf(&b, "PHYSICAL %s", startLSN.String())
	if timeline > 0 {
		fmt.Fprintf(&b, " %d", timeline)
	}
	return b.String()
}

// StartReplicationLogical builds START_REPLICATION SLOT name LOGICAL,
// with options rendered as a quoted key/value list in the order given.
func StartReplicationLogical(slotName string, startLSN lsn.LSN, options [][2]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "START_REPLICATION SLOT %s LOGICAL %s", slotName, startLSN.String())
	if len(options) > 0 {
		parts := make([]string, len(options))
		for i, kv := range options {
			parts[i] = fmt.Sprintf("%q '%s'", kv[0], kv[1])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

func unsupportedErr(feature string, minMajor, minMinor int, actual pgversion.ServerVersion) *FormatError {
	return &FormatError{
		Op:  feature,
		Msg: fmt.Sprintf("%s requires server >= %d.%d, got %s", feature, minMajor, minMinor, actual.String()),
	}
}

// IdentifySystemResult is the single row IDENTIFY_SYSTEM returns.
type IdentifySystemResult struct {
	SystemID string
	Timeline int32
	XLogPos  lsn.LSN
	Database string
	HasDatabase bool
}

// ParseIdentifySystem interprets the single row of an IDENTIFY_SYSTEM
// result: (systemid text, timeline int4, xlogpos text, dbname text?).
func ParseIdentifySystem(rows []replconn.Row) (IdentifySystemResult, error) {
	row, err := singleRow("IdentifySystem", rows)
	if err != nil {
		return IdentifySystemResult{}, err
	}
	if len(row) < 3 {
		return IdentifySystemResult{}, &FormatError{Op: "IdentifySystem", Msg: "expected at least 3 columns"}
	}
	tli, err := parseInt32(row[1])
	if err != nil {
		return IdentifySystemResult{}, &FormatError{Op: "IdentifySystem", Msg: "timeline: " + err.Error()}
	}
	pos, err := lsn.Parse(string(row[2]))
	if err != nil {
		return IdentifySystemResult{}, &FormatError{Op: "IdentifySystem", Msg: "xlogpos: " + err.Error()}
	}
	res := IdentifySystemResult{
		SystemID: string(row[0]),
		Timeline: tli,
		XLogPos:  pos,
	}
	if len(row) > 3 && row[3] != nil {
		res.Database = string(row[3])
		res.HasDatabase = true
	}
	return res, nil
}

// ParseShow interprets the single row/column SHOW result.
func ParseShow(rows []replconn.Row) (string, error) {
	row, err := singleRow("Show", rows)
	if err != nil {
		return "", err
	}
	if len(row) < 1 {
		return "", &FormatError{Op: "Show", Msg: "expected 1 column"}
	}
	return string(row[0]), nil
}

// TimelineHistoryResult is the single row TIMELINE_HISTORY returns.
type TimelineHistoryResult struct {
	Filename string
	Content  []byte
}

// ParseTimelineHistory interprets the single row (filename text, content
// bytea-as-text).
func ParseTimelineHistory(rows []replconn.Row) (TimelineHistoryResult, error) {
	row, err := singleRow("TimelineHistory", rows)
	if err != nil {
		return TimelineHistoryResult{}, err
	}
	if len(row) < 2 {
		return TimelineHistoryResult{}, &FormatError{Op: "TimelineHistory", Msg: "expected 2 columns"}
	}
	return TimelineHistoryResult{Filename: string(row[0]), Content: append([]byte(nil), row[1]...)}, nil
}

// SlotInfo is the single row CREATE_REPLICATION_SLOT returns.
type SlotInfo struct {
	Name            string
	ConsistentPoint lsn.LSN
	SnapshotName    string
	HasSnapshot     bool
	OutputPlugin    string
	HasOutputPlugin bool
}

// ParseCreateReplicationSlot interprets the single row (slot_name text,
// consistent_point text, snapshot_name text?, output_plugin text?).
func ParseCreateReplicationSlot(rows []replconn.Row) (SlotInfo, error) {
	row, err := singleRow("CreateReplicationSlot", rows)
	if err != nil {
		return SlotInfo{}, err
	}
	if len(row) < 2 {
		return SlotInfo{}, &FormatError{Op: "CreateReplicationSlot", Msg: "expected at least 2 columns"}
	}
	point, err := lsn.Parse(string(row[1]))
	if err != nil {
		return SlotInfo{}, &FormatError{Op: "CreateReplicationSlot", Msg: "consistent_point: " + err.Error()}
	}
	info := SlotInfo{Name: string(row[0]), ConsistentPoint: point}
	if len(row) > 2 && row[2] != nil {
		info.SnapshotName = string(row[2])
		info.HasSnapshot = true
	}
	if len(row) > 3 && row[3] != nil {
		info.OutputPlugin = string(row[3])
		info.HasOutputPlugin = true
	}
	return info, nil
}

func singleRow(op string, rows []replconn.Row) (replconn.Row, error) {
	if len(rows) != 1 {
		return nil, &FormatError{Op: op, Msg: fmt.Sprintf("expected exactly 1 row, got %d", len(rows))}
	}
	return rows[0], nil
}

func parseInt32(b []byte) (int32, error) {
	v, err := strconv.ParseInt(string(b), 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}
