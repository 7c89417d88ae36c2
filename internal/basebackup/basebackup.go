// Package basebackup drives the multi-result-set BASE_BACKUP protocol:
// a start-position row, tablespace-info rows, one tar stream per
// tablespace, an optional manifest byte stream, and an end-position row.
// Callers consume it in that fixed order, mirroring the server's own
// sequencing rather than buffering the whole backup in memory.
package basebackup

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/jfoltran/pgrepl/internal/replconn"
	"github.com/jfoltran/pgrepl/internal/tarstream"
	"github.com/jfoltran/pgrepl/pkg/lsn"
)

// ProtocolError reports a message out of the expected base backup
// sequence.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "basebackup: protocol error: " + e.Msg }

// ServerError wraps a server-reported ErrorResponse seen mid-backup.
type ServerError struct {
	SQLState string
	Severity string
	Message  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("basebackup: server error %s: %s: %s", e.SQLState, e.Severity, e.Message)
}

// StartMessage is the first result set BASE_BACKUP returns.
type StartMessage struct {
	Position lsn.LSN
	Timeline int32
}

// TablespaceInfo is one row of the second result set. OID and Path are
// absent (HasOID/HasPath false) for the implicit default tablespace.
type TablespaceInfo struct {
	OID       string
	HasOID    bool
	Path      string
	HasPath   bool
	SizeKB    int64
	HasSizeKB bool
}

// TablespaceDataMessage pairs one tablespace's metadata with the tar
// entry decoder reading its CopyData stream. Callers MUST either fully
// read every entry's content or call Entries.Dispose on it before
// calling NextTablespace again. Whatever is left of the tablespace's
// stream, up to its CopyDone, is discarded when the Coordinator next
// reads from the connection.
type TablespaceDataMessage struct {
	Info    TablespaceInfo
	Entries *tarstream.Decoder
}

// EndMessage is the final result set BASE_BACKUP returns.
type EndMessage struct {
	Position lsn.LSN
	Timeline int32
}

// Coordinator drives one BASE_BACKUP invocation end to end.
type Coordinator struct {
	conn        replconn.Connector
	pending     pgproto3.BackendMessage
	tablespaces []TablespaceInfo
	tsIndex     int
	tsRead      bool
	stream      *frameSource // latest tablespace stream, drained by receive
}

// Open issues sql (normally BASE_BACKUP with whatever options the
// caller wants) and prepares a Coordinator to read its result. It does
// not itself consume any result set; call Start next.
func Open(ctx context.Context, conn replconn.Connector, sql string) (*Coordinator, error) {
	if err := conn.SendQuery(ctx, sql); err != nil {
		return nil, fmt.Errorf("basebackup: start: %w", err)
	}
	return &Coordinator{conn: conn}, nil
}

// Start reads the first result set: the backup's starting WAL position
// and timeline.
func (c *Coordinator) Start(ctx context.Context) (*StartMessage, error) {
	rows, err := c.readResultSet(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || len(rows[0]) < 2 {
		return nil, &ProtocolError{Msg: "start result set must have exactly one row of 2 columns"}
	}
	pos, err := lsn.Parse(string(rows[0][0]))
	if err != nil {
		return nil, &ProtocolError{Msg: "start_position: " + err.Error()}
	}
	tli, err := parseInt32(rows[0][1])
	if err != nil {
		return nil, &ProtocolError{Msg: "timeline_id: " + err.Error()}
	}
	return &StartMessage{Position: pos, Timeline: tli}, nil
}

// TablespaceInfo reads the second result set: zero or more tablespace
// descriptions, one CopyOutResponse stream per row to follow.
func (c *Coordinator) TablespaceInfo(ctx context.Context) ([]TablespaceInfo, error) {
	rows, err := c.readResultSet(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]TablespaceInfo, 0, len(rows))
	for _, row := range rows {
		var info TablespaceInfo
		if len(row) > 0 && row[0] != nil {
			info.OID, info.HasOID = string(row[0]), true
		}
		if len(row) > 1 && row[1] != nil {
			info.Path, info.HasPath = string(row[1]), true
		}
		if len(row) > 2 && row[2] != nil {
			v, err := parseInt64(row[2])
			if err != nil {
				return nil, &ProtocolError{Msg: "size_kb: " + err.Error()}
			}
			info.SizeKB, info.HasSizeKB = v, true
		}
		infos = append(infos, info)
	}
	c.tablespaces = infos
	c.tsRead = true
	return infos, nil
}

// NextTablespace returns the next tablespace's data stream, or (nil,
// nil) once every tablespace announced by TablespaceInfo has been
// returned. TablespaceInfo must be called first.
func (c *Coordinator) NextTablespace(ctx context.Context) (*TablespaceDataMessage, error) {
	if !c.tsRead {
		return nil, &ProtocolError{Msg: "NextTablespace called before TablespaceInfo"}
	}
	if c.tsIndex >= len(c.tablespaces) {
		return nil, nil
	}
	msg, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := msg.(*pgproto3.CopyOutResponse); !ok {
		return nil, &ProtocolError{Msg: fmt.Sprintf("expected CopyOutResponse for tablespace stream, got %T", msg)}
	}
	info := c.tablespaces[c.tsIndex]
	c.tsIndex++
	c.stream = &frameSource{ctx: ctx, conn: c.conn}
	return &TablespaceDataMessage{
		Info:    info,
		Entries: tarstream.New(c.stream),
	}, nil
}

// Manifest reads the optional backup manifest stream, if the server
// sends one. It reports (nil, false, nil) when the next message is the
// end-position result set rather than a manifest CopyOutResponse.
// Call this only after NextTablespace has returned (nil, nil).
func (c *Coordinator) Manifest(ctx context.Context) (io.Reader, bool, error) {
	msg, err := c.receive(ctx)
	if err != nil {
		return nil, false, err
	}
	if _, ok := msg.(*pgproto3.CopyOutResponse); ok {
		return &copyReader{fs: &frameSource{ctx: ctx, conn: c.conn}}, true, nil
	}
	c.unread(msg)
	return nil, false, nil
}

// End reads the final result set and drains the connection back to
// ReadyForQuery.
func (c *Coordinator) End(ctx context.Context) (*EndMessage, error) {
	rows, err := c.readResultSet(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || len(rows[0]) < 2 {
		return nil, &ProtocolError{Msg: "end result set must have exactly one row of 2 columns"}
	}
	pos, err := lsn.Parse(string(rows[0][0]))
	if err != nil {
		return nil, &ProtocolError{Msg: "end_position: " + err.Error()}
	}
	tli, err := parseInt32(rows[0][1])
	if err != nil {
		return nil, &ProtocolError{Msg: "end_timeline_id: " + err.Error()}
	}
	if err := c.drainToReady(ctx); err != nil {
		return nil, err
	}
	return &EndMessage{Position: pos, Timeline: tli}, nil
}

func (c *Coordinator) receive(ctx context.Context) (pgproto3.BackendMessage, error) {
	if c.stream != nil {
		for !c.stream.done {
			if _, err := c.stream.NextFrame(); err != nil && err != io.EOF {
				return nil, err
			}
		}
		c.stream = nil
	}
	if c.pending != nil {
		m := c.pending
		c.pending = nil
		return m, nil
	}
	return c.conn.ReceiveMessage(ctx)
}

func (c *Coordinator) unread(m pgproto3.BackendMessage) { c.pending = m }

func (c *Coordinator) readResultSet(ctx context.Context) ([]replconn.Row, error) {
	var rows []replconn.Row
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("basebackup: receive: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			continue
		case *pgproto3.DataRow:
			row := make(replconn.Row, len(m.Values))
			for i, v := range m.Values {
				if v == nil {
					continue
				}
				cp := make([]byte, len(v))
				copy(cp, v)
				row[i] = cp
			}
			rows = append(rows, row)
		case *pgproto3.CommandComplete:
			return rows, nil
		case *pgproto3.ErrorResponse:
			return nil, &ServerError{SQLState: m.Code, Severity: m.Severity, Message: m.Message}
		case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			continue
		default:
			return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected message %T in result set", msg)}
		}
	}
}

func (c *Coordinator) drainToReady(ctx context.Context) error {
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return fmt.Errorf("basebackup: receive: %w", err)
		}
		switch msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.CommandComplete, *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			continue
		default:
			return &ProtocolError{Msg: fmt.Sprintf("unexpected message %T while closing base backup", msg)}
		}
	}
}

// frameSource adapts the Connector into a tarstream.FrameSource,
// translating CopyDone into io.EOF.
type frameSource struct {
	ctx  context.Context
	conn replconn.Connector
	done bool
}

func (f *frameSource) NextFrame() ([]byte, error) {
	if f.done {
		return nil, io.EOF
	}
	for {
		msg, err := f.conn.ReceiveMessage(f.ctx)
		if err != nil {
			return nil, fmt.Errorf("basebackup: receive: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			return m.Data, nil
		case *pgproto3.CopyDone:
			f.done = true
			return nil, io.EOF
		default:
			return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected message %T in tablespace stream", msg)}
		}
	}
}

// copyReader exposes a CopyOutResponse stream (the manifest) as a plain
// io.Reader.
type copyReader struct {
	fs  *frameSource
	buf []byte
}

func (r *copyReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		b, err := r.fs.NextFrame()
		if err != nil {
			return 0, err
		}
		r.buf = b
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func parseInt32(b []byte) (int32, error) {
	v, err := strconv.ParseInt(string(b), 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

func parseInt64(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
