package pgoutput

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/jfoltran/pgrepl/pkg/lsn"
)

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func i32(v int32) []byte { return u32(uint32(v)) }

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func i64(v int64) []byte { return u64(uint64(v)) }

func cstr(s string) []byte { return append([]byte(s), 0) }

func decodeOrFail(t *testing.T, payload []byte) any {
	t.Helper()
	msg, err := Decode(payload, lsn.LSN(1), lsn.LSN(2), time.Time{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func TestDecode_Begin(t *testing.T) {
	var payload []byte
	payload = append(payload, 'B')
	payload = append(payload, u64(1000)...)
	payload = append(payload, i64(500)...)
	payload = append(payload, u32(42)...)

	msg := decodeOrFail(t, payload)
	b, ok := msg.(*Begin)
	if !ok {
		t.Fatalf("got %T, want *Begin", msg)
	}
	if b.FinalLSN != lsn.FromUint64(1000) || b.XID != 42 {
		t.Fatalf("unexpected: %+v", b)
	}
}

func TestDecode_Commit(t *testing.T) {
	var payload []byte
	payload = append(payload, 'C')
	payload = append(payload, 0) // flags
	payload = append(payload, u64(100)...)
	payload = append(payload, u64(200)...)
	payload = append(payload, i64(9)...)

	msg := decodeOrFail(t, payload)
	c, ok := msg.(*Commit)
	if !ok {
		t.Fatalf("got %T, want *Commit", msg)
	}
	if c.CommitLSN != lsn.FromUint64(100) || c.TransactionEndLSN != lsn.FromUint64(200) {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestDecode_Origin(t *testing.T) {
	var payload []byte
	payload = append(payload, 'O')
	payload = append(payload, u64(55)...)
	payload = append(payload, cstr("my-origin")...)

	msg := decodeOrFail(t, payload)
	o, ok := msg.(*Origin)
	if !ok {
		t.Fatalf("got %T, want *Origin", msg)
	}
	if o.OriginName != "my-origin" || o.OriginCommitLSN != lsn.FromUint64(55) {
		t.Fatalf("unexpected: %+v", o)
	}
}

func buildRelation(relID uint32, ns, name string, identity byte, cols []Column) []byte {
	var b []byte
	b = append(b, 'R')
	b = append(b, u32(relID)...)
	b = append(b, cstr(ns)...)
	b = append(b, cstr(name)...)
	b = append(b, identity)
	b = append(b, u16(uint16(len(cols)))...)
	for _, c := range cols {
		b = append(b, c.Flags)
		b = append(b, cstr(c.Name)...)
		b = append(b, u32(c.DataTypeOID)...)
		b = append(b, i32(c.TypeModifier)...)
	}
	return b
}

func TestDecode_Relation(t *testing.T) {
	payload := buildRelation(7, "public", "t", 'd', []Column{
		{Flags: 1, Name: "id", DataTypeOID: 23, TypeModifier: -1},
		{Flags: 0, Name: "name", DataTypeOID: 25, TypeModifier: -1},
	})
	msg := decodeOrFail(t, payload)
	r, ok := msg.(*Relation)
	if !ok {
		t.Fatalf("got %T, want *Relation", msg)
	}
	if r.RelationID != 7 || r.Namespace != "public" || r.RelationName != "t" || r.ReplicaIdentity != ReplicaIdentityDefault {
		t.Fatalf("unexpected: %+v", r)
	}
	if len(r.Columns) != 2 || r.Columns[0].Name != "id" || r.Columns[1].Name != "name" {
		t.Fatalf("unexpected columns: %+v", r.Columns)
	}
	if r.Columns[0].TypeModifier != -1 {
		t.Fatalf("typmod = %d, want -1", r.Columns[0].TypeModifier)
	}
}

func TestDecode_Type(t *testing.T) {
	var payload []byte
	payload = append(payload, 'Y')
	payload = append(payload, u32(16391)...)
	payload = append(payload, cstr("public")...)
	payload = append(payload, cstr("mood")...)

	msg := decodeOrFail(t, payload)
	ty, ok := msg.(*Type)
	if !ok {
		t.Fatalf("got %T, want *Type", msg)
	}
	if ty.TypeOID != 16391 || ty.Namespace != "public" || ty.Name != "mood" {
		t.Fatalf("unexpected: %+v", ty)
	}
}

func buildTuple(fields []TupleField) []byte {
	b := u16(uint16(len(fields)))
	for _, f := range fields {
		switch f.Kind {
		case TupleNull:
			b = append(b, 'n')
		case TupleUnchangedToasted:
			b = append(b, 'u')
		case TupleText:
			b = append(b, 't')
			b = append(b, i32(int32(len(f.Text)))...)
			b = append(b, []byte(f.Text)...)
		}
	}
	return b
}

func TestDecode_Insert(t *testing.T) {
	var payload []byte
	payload = append(payload, 'I')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'N')
	payload = append(payload, buildTuple([]TupleField{
		{Kind: TupleText, Text: "1"},
		{Kind: TupleText, Text: "val1"},
	})...)

	msg := decodeOrFail(t, payload)
	ins, ok := msg.(*Insert)
	if !ok {
		t.Fatalf("got %T, want *Insert", msg)
	}
	if len(ins.NewRow) != 2 || ins.NewRow[0].Text != "1" || ins.NewRow[1].Text != "val1" {
		t.Fatalf("unexpected row: %+v", ins.NewRow)
	}
}

func TestDecode_Insert_MissingNTag(t *testing.T) {
	var payload []byte
	payload = append(payload, 'I')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'X')
	if _, err := Decode(payload, 0, 0, time.Time{}); err == nil {
		t.Fatal("expected error for missing N tag")
	}
}

func TestDecode_Update_DefaultIdentity(t *testing.T) {
	var payload []byte
	payload = append(payload, 'U')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'N')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleText, Text: "x"}})...)

	msg := decodeOrFail(t, payload)
	u, ok := msg.(*Update)
	if !ok {
		t.Fatalf("got %T, want *Update", msg)
	}
	if u.Form != UpdateDefault || u.OldRow != nil || u.KeyRow != nil {
		t.Fatalf("unexpected: %+v", u)
	}
	if len(u.NewRow) != 1 || u.NewRow[0].Text != "x" {
		t.Fatalf("unexpected new row: %+v", u.NewRow)
	}
}

func TestDecode_Update_FullIdentity(t *testing.T) {
	var payload []byte
	payload = append(payload, 'U')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'O')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleText, Text: "old"}})...)
	payload = append(payload, 'N')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleText, Text: "new"}})...)

	msg := decodeOrFail(t, payload)
	u, ok := msg.(*Update)
	if !ok {
		t.Fatalf("got %T, want *Update", msg)
	}
	if u.Form != UpdateFull || u.OldRow == nil || u.OldRow[0].Text != "old" || u.NewRow[0].Text != "new" {
		t.Fatalf("unexpected: %+v", u)
	}
}

func TestDecode_Update_IndexedIdentity(t *testing.T) {
	var payload []byte
	payload = append(payload, 'U')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'K')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleNull}, {Kind: TupleText, Text: "key"}})...)
	payload = append(payload, 'N')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleText, Text: "new"}})...)

	msg := decodeOrFail(t, payload)
	u, ok := msg.(*Update)
	if !ok {
		t.Fatalf("got %T, want *Update", msg)
	}
	if u.Form != UpdateIndexed || u.KeyRow[0].Kind != TupleNull || u.KeyRow[1].Text != "key" {
		t.Fatalf("unexpected: %+v", u)
	}
}

func TestDecode_Update_MissingNewRowTag(t *testing.T) {
	var payload []byte
	payload = append(payload, 'U')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'K')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleText, Text: "key"}})...)
	payload = append(payload, 'X') // should be 'N'
	if _, err := Decode(payload, 0, 0, time.Time{}); err == nil {
		t.Fatal("expected error for missing N tag after key row")
	}
}

func TestDecode_Delete_KeyOnly(t *testing.T) {
	var payload []byte
	payload = append(payload, 'D')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'K')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleNull}, {Kind: TupleText, Text: "val2"}})...)

	msg := decodeOrFail(t, payload)
	d, ok := msg.(*Delete)
	if !ok {
		t.Fatalf("got %T, want *Delete", msg)
	}
	if d.KeyRow == nil || d.OldRow != nil || d.KeyRow[1].Text != "val2" {
		t.Fatalf("unexpected: %+v", d)
	}
}

func TestDecode_Delete_OldRow(t *testing.T) {
	var payload []byte
	payload = append(payload, 'D')
	payload = append(payload, u32(7)...)
	payload = append(payload, 'O')
	payload = append(payload, buildTuple([]TupleField{{Kind: TupleText, Text: "gone"}})...)

	msg := decodeOrFail(t, payload)
	d, ok := msg.(*Delete)
	if !ok {
		t.Fatalf("got %T, want *Delete", msg)
	}
	if d.OldRow == nil || d.KeyRow != nil || d.OldRow[0].Text != "gone" {
		t.Fatalf("unexpected: %+v", d)
	}
}

func TestDecode_Truncate(t *testing.T) {
	var payload []byte
	payload = append(payload, 'T')
	payload = append(payload, u32(2)...)
	payload = append(payload, byte(TruncateCascade|TruncateRestartIdentity))
	payload = append(payload, u32(10)...)
	payload = append(payload, u32(11)...)

	msg := decodeOrFail(t, payload)
	tr, ok := msg.(*Truncate)
	if !ok {
		t.Fatalf("got %T, want *Truncate", msg)
	}
	if tr.Options != TruncateCascade|TruncateRestartIdentity {
		t.Fatalf("options = %v", tr.Options)
	}
	if len(tr.RelationIDs) != 2 || tr.RelationIDs[0] != 10 || tr.RelationIDs[1] != 11 {
		t.Fatalf("unexpected relation ids: %v", tr.RelationIDs)
	}
}

func TestDecode_UnrecognizedMessageType(t *testing.T) {
	if _, err := Decode([]byte("Z"), lsn.LSN(0), lsn.LSN(0), time.Time{}); err == nil {
		t.Fatal("expected error for unrecognized message type")
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	if _, err := Decode(nil, lsn.LSN(0), lsn.LSN(0), time.Time{}); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecode_UnrecognizedTupleTag(t *testing.T) {
	var payload []byte
	payload = append(payload, 'I')
	payload = append(payload, u32(1)...)
	payload = append(payload, 'N')
	payload = append(payload, u16(1)...)
	payload = append(payload, 'z') // unrecognized tuple field tag

	if _, err := Decode(payload, lsn.LSN(0), lsn.LSN(0), time.Time{}); err == nil {
		t.Fatal("expected error for unrecognized tuple tag")
	}
}

func TestDecode_StampsWALPositionsAndClock(t *testing.T) {
	var payload []byte
	payload = append(payload, 'B')
	payload = append(payload, u64(1000)...)
	payload = append(payload, i64(500)...)
	payload = append(payload, u32(42)...)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg, err := Decode(payload, lsn.FromUint64(10), lsn.FromUint64(20), clock)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := msg.(*Begin)
	if b.WALStart != lsn.FromUint64(10) || b.WALEnd != lsn.FromUint64(20) || !b.ServerClock.Equal(clock) {
		t.Fatalf("unexpected: %+v", b)
	}
}
