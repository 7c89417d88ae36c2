// Package pgoutput parses PostgreSQL's built-in logical decoding output
// plugin wire format into typed message variants, reading the raw
// payload bytes a walstream.Event hands over in bypass mode.
package pgoutput

import (
	"fmt"
	"time"

	"github.com/jfoltran/pgrepl/internal/wire"
	"github.com/jfoltran/pgrepl/pkg/lsn"
)

// pgEpoch is the replication protocol's reference instant.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ProtocolError reports a malformed or unrecognized pgoutput message.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "pgoutput: " + e.Msg }

// TupleKind distinguishes the three column representations pgoutput can
// send.
type TupleKind int

const (
	TupleNull TupleKind = iota
	TupleUnchangedToasted
	TupleText
)

// TupleField is one column of a TupleData row.
type TupleField struct {
	Kind TupleKind
	Text string // valid only when Kind == TupleText
}

// Column describes one column of a Relation message.
type Column struct {
	Flags        uint8
	Name         string
	DataTypeOID  uint32
	TypeModifier int32
}

// ReplicaIdentity is the relation's REPLICA IDENTITY setting.
type ReplicaIdentity byte

const (
	ReplicaIdentityDefault ReplicaIdentity = 'd'
	ReplicaIdentityNothing ReplicaIdentity = 'n'
	ReplicaIdentityFull    ReplicaIdentity = 'f'
	ReplicaIdentityIndex   ReplicaIdentity = 'i'
)

// UpdateForm distinguishes which old-row representation accompanied an
// Update message, per the relation's replica identity.
type UpdateForm int

const (
	UpdateDefault UpdateForm = iota // no old row at all
	UpdateIndexed                   // old row carries only key columns
	UpdateFull                      // old row carries every column
)

// Begin marks the start of a transaction's change stream.
type Begin struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	FinalLSN         lsn.LSN
	CommitTimestamp  time.Time
	XID              uint32
}

// Commit marks the end of a transaction's change stream.
type Commit struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	Flags            uint8
	CommitLSN        lsn.LSN
	TransactionEndLSN lsn.LSN
	CommitTimestamp  time.Time
}

// Origin announces the replication origin of the following changes.
type Origin struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	OriginCommitLSN  lsn.LSN
	OriginName       string
}

// Relation describes a table's shape, sent before the first change that
// references it (and again whenever the shape changes).
type Relation struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	RelationID       uint32
	Namespace        string
	RelationName     string
	ReplicaIdentity  ReplicaIdentity
	Columns          []Column
}

// Type announces a non-built-in data type used by a later Relation.
type Type struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	TypeOID          uint32
	Namespace        string
	Name             string
}

// Insert is a single-row INSERT change.
type Insert struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	RelationID       uint32
	NewRow           []TupleField
}

// Update is a single-row UPDATE change. Exactly one of KeyRow/OldRow is
// set according to Form; neither is set when Form is UpdateDefault.
type Update struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	RelationID       uint32
	Form             UpdateForm
	NewRow           []TupleField
	KeyRow           []TupleField
	OldRow           []TupleField
}

// Delete is a single-row DELETE change. Exactly one of KeyRow/OldRow is
// set.
type Delete struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	RelationID       uint32
	KeyRow           []TupleField
	OldRow           []TupleField
}

// TruncateOption is a bit in Truncate.Options.
type TruncateOption uint8

const (
	TruncateCascade        TruncateOption = 1
	TruncateRestartIdentity TruncateOption = 2
)

// Truncate is a TRUNCATE change, possibly spanning several relations at
// once (e.g. TRUNCATE a, b).
type Truncate struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	Options          TruncateOption
	RelationIDs      []uint32
}

// base captures the XLogData header fields every parsed message needs,
// so Decode can stamp them onto whichever variant it returns.
type base struct {
	walStart, walEnd lsn.LSN
	clock            time.Time
}

// Decode parses one pgoutput message out of payload, the bytes of a
// single XLogData event. walStart/walEnd/clock come from that event's
// header, since every message variant carries them for the caller's
// convenience. It returns one of *Begin, *Commit, *Origin, *Relation,
// *Type, *Insert, *Update, *Delete, or *Truncate.
func Decode(payload []byte, walStart, walEnd lsn.LSN, clock time.Time) (any, error) {
	r := wire.NewReader(payload)
	tag, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "empty message"}
	}
	b := base{walStart: walStart, walEnd: walEnd, clock: clock}

	switch tag {
	case 'B':
		return decodeBegin(r, b)
	case 'C':
		return decodeCommit(r, b)
	case 'O':
		return decodeOrigin(r, b)
	case 'R':
		return decodeRelation(r, b)
	case 'Y':
		return decodeType(r, b)
	case 'I':
		return decodeInsert(r, b)
	case 'U':
		return decodeUpdate(r, b)
	case 'D':
		return decodeDelete(r, b)
	case 'T':
		return decodeTruncate(r, b)
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("unrecognized message type %q", tag)}
	}
}

func pgTimestamp(micros int64) time.Time {
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

func decodeBegin(r *wire.Reader, b base) (*Begin, error) {
	finalLSN, err := r.Uint64()
	if err != nil {
		return nil, &ProtocolError{Msg: "Begin: final_lsn: " + err.Error()}
	}
	ts, err := r.Int64()
	if err != nil {
		return nil, &ProtocolError{Msg: "Begin: commit_ts: " + err.Error()}
	}
	xid, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Begin: xid: " + err.Error()}
	}
	return &Begin{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		FinalLSN: lsn.FromUint64(finalLSN), CommitTimestamp: pgTimestamp(ts), XID: xid,
	}, nil
}

func decodeCommit(r *wire.Reader, b base) (*Commit, error) {
	flags, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "Commit: flags: " + err.Error()}
	}
	commitLSN, err := r.Uint64()
	if err != nil {
		return nil, &ProtocolError{Msg: "Commit: commit_lsn: " + err.Error()}
	}
	endLSN, err := r.Uint64()
	if err != nil {
		return nil, &ProtocolError{Msg: "Commit: end_lsn: " + err.Error()}
	}
	ts, err := r.Int64()
	if err != nil {
		return nil, &ProtocolError{Msg: "Commit: commit_ts: " + err.Error()}
	}
	return &Commit{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		Flags: flags, CommitLSN: lsn.FromUint64(commitLSN),
		TransactionEndLSN: lsn.FromUint64(endLSN), CommitTimestamp: pgTimestamp(ts),
	}, nil
}

func decodeOrigin(r *wire.Reader, b base) (*Origin, error) {
	originLSN, err := r.Uint64()
	if err != nil {
		return nil, &ProtocolError{Msg: "Origin: origin_commit_lsn: " + err.Error()}
	}
	name, err := r.CString()
	if err != nil {
		return nil, &ProtocolError{Msg: "Origin: origin_name: " + err.Error()}
	}
	return &Origin{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		OriginCommitLSN: lsn.FromUint64(originLSN), OriginName: name,
	}, nil
}

func decodeRelation(r *wire.Reader, b base) (*Relation, error) {
	relID, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Relation: relation_id: " + err.Error()}
	}
	ns, err := r.CString()
	if err != nil {
		return nil, &ProtocolError{Msg: "Relation: namespace: " + err.Error()}
	}
	name, err := r.CString()
	if err != nil {
		return nil, &ProtocolError{Msg: "Relation: name: " + err.Error()}
	}
	identity, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "Relation: replica_identity: " + err.Error()}
	}
	ncols, err := r.Uint16()
	if err != nil {
		return nil, &ProtocolError{Msg: "Relation: ncols: " + err.Error()}
	}
	cols := make([]Column, ncols)
	for i := range cols {
		flags, err := r.Byte()
		if err != nil {
			return nil, &ProtocolError{Msg: "Relation: column flags: " + err.Error()}
		}
		colName, err := r.CString()
		if err != nil {
			return nil, &ProtocolError{Msg: "Relation: column name: " + err.Error()}
		}
		oid, err := r.Uint32()
		if err != nil {
			return nil, &ProtocolError{Msg: "Relation: column type_oid: " + err.Error()}
		}
		typmod, err := r.Int32()
		if err != nil {
			return nil, &ProtocolError{Msg: "Relation: column typmod: " + err.Error()}
		}
		cols[i] = Column{Flags: flags, Name: colName, DataTypeOID: oid, TypeModifier: typmod}
	}
	return &Relation{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		RelationID: relID, Namespace: ns, RelationName: name,
		ReplicaIdentity: ReplicaIdentity(identity), Columns: cols,
	}, nil
}

func decodeType(r *wire.Reader, b base) (*Type, error) {
	oid, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Type: type_oid: " + err.Error()}
	}
	ns, err := r.CString()
	if err != nil {
		return nil, &ProtocolError{Msg: "Type: namespace: " + err.Error()}
	}
	name, err := r.CString()
	if err != nil {
		return nil, &ProtocolError{Msg: "Type: name: " + err.Error()}
	}
	return &Type{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		TypeOID: oid, Namespace: ns, Name: name,
	}, nil
}

func decodeTupleData(r *wire.Reader) ([]TupleField, error) {
	ncols, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("ncols: %w", err)
	}
	fields := make([]TupleField, ncols)
	for i := range fields {
		tag, err := r.Byte()
		if err != nil {
			return nil, fmt.Errorf("tuple field %d tag: %w", i, err)
		}
		switch tag {
		case 'n':
			fields[i] = TupleField{Kind: TupleNull}
		case 'u':
			fields[i] = TupleField{Kind: TupleUnchangedToasted}
		case 't':
			n, err := r.Int32()
			if err != nil {
				return nil, fmt.Errorf("tuple field %d length: %w", i, err)
			}
			raw, err := r.Take(int(n))
			if err != nil {
				return nil, fmt.Errorf("tuple field %d text: %w", i, err)
			}
			fields[i] = TupleField{Kind: TupleText, Text: string(raw)}
		default:
			return nil, fmt.Errorf("tuple field %d: unrecognized tag %q", i, tag)
		}
	}
	return fields, nil
}

func decodeInsert(r *wire.Reader, b base) (*Insert, error) {
	relID, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Insert: relation_id: " + err.Error()}
	}
	tag, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "Insert: tuple tag: " + err.Error()}
	}
	if tag != 'N' {
		return nil, &ProtocolError{Msg: fmt.Sprintf("Insert: expected tuple tag 'N', got %q", tag)}
	}
	row, err := decodeTupleData(r)
	if err != nil {
		return nil, &ProtocolError{Msg: "Insert: " + err.Error()}
	}
	return &Insert{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		RelationID: relID, NewRow: row,
	}, nil
}

func decodeUpdate(r *wire.Reader, b base) (*Update, error) {
	relID, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Update: relation_id: " + err.Error()}
	}
	tag, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "Update: first tag: " + err.Error()}
	}

	u := &Update{WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock, RelationID: relID}

	switch tag {
	case 'K', 'O':
		row, err := decodeTupleData(r)
		if err != nil {
			return nil, &ProtocolError{Msg: "Update: old row: " + err.Error()}
		}
		if tag == 'K' {
			u.Form = UpdateIndexed
			u.KeyRow = row
		} else {
			u.Form = UpdateFull
			u.OldRow = row
		}
		nextTag, err := r.Byte()
		if err != nil {
			return nil, &ProtocolError{Msg: "Update: new-row tag: " + err.Error()}
		}
		if nextTag != 'N' {
			return nil, &ProtocolError{Msg: fmt.Sprintf("Update: expected tuple tag 'N', got %q", nextTag)}
		}
		newRow, err := decodeTupleData(r)
		if err != nil {
			return nil, &ProtocolError{Msg: "Update: new row: " + err.Error()}
		}
		u.NewRow = newRow
	case 'N':
		u.Form = UpdateDefault
		row, err := decodeTupleData(r)
		if err != nil {
			return nil, &ProtocolError{Msg: "Update: new row: " + err.Error()}
		}
		u.NewRow = row
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("Update: unrecognized tuple tag %q", tag)}
	}
	return u, nil
}

func decodeDelete(r *wire.Reader, b base) (*Delete, error) {
	relID, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Delete: relation_id: " + err.Error()}
	}
	tag, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "Delete: tag: " + err.Error()}
	}
	row, err := decodeTupleData(r)
	if err != nil {
		return nil, &ProtocolError{Msg: "Delete: row: " + err.Error()}
	}
	d := &Delete{WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock, RelationID: relID}
	switch tag {
	case 'K':
		d.KeyRow = row
	case 'O':
		d.OldRow = row
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("Delete: unrecognized tag %q", tag)}
	}
	return d, nil
}

func decodeTruncate(r *wire.Reader, b base) (*Truncate, error) {
	nrels, err := r.Uint32()
	if err != nil {
		return nil, &ProtocolError{Msg: "Truncate: nrels: " + err.Error()}
	}
	opts, err := r.Byte()
	if err != nil {
		return nil, &ProtocolError{Msg: "Truncate: options: " + err.Error()}
	}
	ids := make([]uint32, nrels)
	for i := range ids {
		id, err := r.Uint32()
		if err != nil {
			return nil, &ProtocolError{Msg: "Truncate: relation_id: " + err.Error()}
		}
		ids[i] = id
	}
	return &Truncate{
		WALStart: b.walStart, WALEnd: b.walEnd, ServerClock: b.clock,
		Options: TruncateOption(opts), RelationIDs: ids,
	}, nil
}
