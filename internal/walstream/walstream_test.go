package walstream

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/jfoltran/pgrepl/internal/replconn/fakeconn"
	"github.com/jfoltran/pgrepl/internal/wire"
	"github.com/jfoltran/pgrepl/pkg/lsn"
)

func xlogFrame(start, end uint64, clock int64, payload []byte) []byte {
	w := wire.NewWriter(25 + len(payload))
	w.Byte('w').Uint64(start).Uint64(end).Int64(clock)
	return append(w.Bytes(), payload...)
}

func keepaliveFrame(end uint64, clock int64, reply bool) []byte {
	w := wire.NewWriter(18)
	w.Byte('k').Uint64(end).Int64(clock)
	b := byte(0)
	if reply {
		b = 1
	}
	return w.Byte(b).Bytes()
}

func TestOpen_CopyBothResponseStartsDecoder(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, err := Open(context.Background(), conn, "START_REPLICATION PHYSICAL 0/0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d == nil {
		t.Fatal("expected non-nil decoder")
	}
	calls := conn.QueryCalls()
	if len(calls) != 1 || calls[0] != "START_REPLICATION PHYSICAL 0/0" {
		t.Fatalf("unexpected query calls: %v", calls)
	}
}

func TestOpen_CommandCompleteIsEndOfTimeline(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CommandComplete{})
	_, err := Open(context.Background(), conn, "START_REPLICATION PHYSICAL 0/0")
	if !errors.Is(err, ErrEndOfTimeline) {
		t.Fatalf("expected ErrEndOfTimeline, got %v", err)
	}
}

func TestOpen_ErrorResponsePropagates(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.ErrorResponse{Code: "42601", Message: "syntax error"})
	_, err := Open(context.Background(), conn, "bogus")
	var se *ServerError
	if !errors.As(err, &se) || se.SQLState != "42601" {
		t.Fatalf("expected ServerError 42601, got %v", err)
	}
}

func TestNext_DecodesXLogDataAndRaisesLastReceived(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, err := Open(context.Background(), conn, "x")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := []byte("hello wal")
	conn.QueueMessage(&pgproto3.CopyData{Data: xlogFrame(100, 200, 42, payload)})

	ev, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != XLogDataEvent {
		t.Fatalf("unexpected kind: %v", ev.Kind)
	}
	if ev.WALStart != lsn.FromUint64(100) || ev.WALEnd != lsn.FromUint64(200) {
		t.Fatalf("unexpected lsns: %+v", ev)
	}
	if string(ev.PayloadBytes()) != string(payload) {
		t.Fatalf("payload = %q, want %q", ev.PayloadBytes(), payload)
	}
	if d.LastReceived() != lsn.FromUint64(200) {
		t.Fatalf("last received = %v, want 200", d.LastReceived())
	}

	buf := make([]byte, 4)
	var got []byte
	r := ev.Payload()
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if string(got) != string(payload) {
		t.Fatalf("stream read = %q, want %q", got, payload)
	}
}

func TestNext_DecodesKeepalive(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, _ := Open(context.Background(), conn, "x")

	conn.QueueMessage(&pgproto3.CopyData{Data: keepaliveFrame(500, 7, true)})
	ev, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != KeepaliveEvent || !ev.ReplyRequested {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if d.LastReceived() != lsn.FromUint64(500) {
		t.Fatalf("last received = %v, want 500", d.LastReceived())
	}
}

func TestNext_QueryCanceledIsCleanEnd(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, _ := Open(context.Background(), conn, "x")

	conn.QueueMessage(&pgproto3.ErrorResponse{Code: SQLStateQueryCanceled, Message: "canceling statement due to user request"})
	ev, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("expected clean end, got error: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event, got %+v", ev)
	}
}

func TestNext_OtherServerErrorPropagates(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, _ := Open(context.Background(), conn, "x")

	conn.QueueMessage(&pgproto3.ErrorResponse{Code: "08006", Message: "connection failure"})
	_, err := d.Next(context.Background())
	var se *ServerError
	if !errors.As(err, &se) || se.SQLState != "08006" {
		t.Fatalf("expected ServerError 08006, got %v", err)
	}
}

func TestNext_UnrecognizedCodeIsProtocolError(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, _ := Open(context.Background(), conn, "x")

	conn.QueueMessage(&pgproto3.CopyData{Data: []byte("z")})
	_, err := d.Next(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestPayload_ZeroLengthReportsImmediateEOF(t *testing.T) {
	conn := fakeconn.New().QueueMessage(&pgproto3.CopyBothResponse{})
	d, _ := Open(context.Background(), conn, "x")

	conn.QueueMessage(&pgproto3.CopyData{Data: xlogFrame(1, 1, 0, nil)})
	ev, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	buf := make([]byte, 4)
	n, err := ev.Payload().Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected immediate EOF, got n=%d err=%v", n, err)
	}
}
