// Package session implements the replication session state machine:
// Closed -> Idle -> Streaming -> (Idle|Disposed). It is the component
// every other piece of the engine sits behind — commands, the feedback
// scheduler, and the WAL/pgoutput decoders are all driven from here,
// the way internal/migration/stream.Decoder drove pglogrepl in the
// teacher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgrepl/internal/dbinfo"
	"github.com/jfoltran/pgrepl/internal/feedback"
	"github.com/jfoltran/pgrepl/internal/pgoutput"
	"github.com/jfoltran/pgrepl/internal/replcommand"
	"github.com/jfoltran/pgrepl/internal/replconn"
	"github.com/jfoltran/pgrepl/internal/telemetry"
	"github.com/jfoltran/pgrepl/internal/walstream"
	"github.com/jfoltran/pgrepl/pkg/lsn"
	"github.com/jfoltran/pgrepl/pkg/pgversion"
)

// State is one node of the session's lifecycle.
type State int

const (
	Closed State = iota
	Idle
	Streaming
	Disposed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ErrInvalidState reports an operation attempted from the wrong state.
type ErrInvalidState struct {
	Op       string
	Current  State
	Required State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("session: %s requires state %s, have %s", e.Op, e.Required, e.Current)
}

// UnsupportedFeatureError rewraps a server-side syntax error (42601) that
// most likely came from using a replication feature the connected server
// predates, with a precise "introduced in server vA.B" message.
type UnsupportedFeatureError struct {
	Feature  string
	MinMajor int
	MinMinor int
	Actual   pgversion.ServerVersion
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("session: %s requires server v%d.%d or later, connected server is %s",
		e.Feature, e.MinMajor, e.MinMinor, e.Actual.String())
}

// Variant selects the startup parameter Open sets on the underlying
// connection before handing off to the regular connect procedure.
type Variant string

const (
	VariantPhysical Variant = "physical"
	VariantLogical  Variant = "logical"
	VariantOff      Variant = "off"
)

// Event is one item a streaming consumer receives. In physical mode,
// Message is nil and Raw carries the undecoded WAL bytes. In logical
// mode, every payload is decoded: Message
// holds one of pgoutput's decoded variants (*pgoutput.Begin, *pgoutput.Insert,
// ...) and Raw is nil.
type Event struct {
	WALStart, WALEnd lsn.LSN
	ServerClock      time.Time
	Raw              []byte
	Message          any
}

// Session drives a single replication connection through its lifecycle,
// owning the feedback scheduler and the WAL/pgoutput decoding loop for
// as long as it is in the Streaming state.
type Session struct {
	conn   replconn.Connector
	logger zerolog.Logger
	info   dbinfo.Info

	mu    sync.Mutex
	state State

	decoder   *walstream.Decoder
	scheduler *feedback.Scheduler
	events    chan Event
	eg        *errgroup.Group
	cancel    context.CancelFunc

	flushed lsn.LSN
	applied lsn.LSN

	metrics *telemetry.Registry
}

// New wraps conn. Call Open before issuing any command.
func New(conn replconn.Connector, logger zerolog.Logger) *Session {
	return &Session{
		conn:   conn,
		logger: logger.With().Str("component", "session").Logger(),
		state:  Closed,
	}
}

// SetMetrics attaches a telemetry registry the session updates for every
// streaming decoder and feedback scheduler it creates from this point
// on. Passing nil detaches metrics.
func (s *Session) SetMetrics(m *telemetry.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Session) requireState(op string, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return &ErrInvalidState{Op: op, Current: s.state, Required: want}
	}
	return nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the capability flags derived from the server this session
// connected to. Only valid once Open has returned successfully.
func (s *Session) Info() dbinfo.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Open transitions Closed -> Idle: it reads server_version and
// integer_datetimes off the connection's startup parameters to derive
// dbinfo.Info. The replication startup parameter itself (physical,
// logical, or off per variant) is assumed to already be set by the
// caller establishing conn, since the Connector facade is handed to us
// post-connect; Open only performs the in-process half of the handoff.
func (s *Session) Open(ctx context.Context, variant Variant) error {
	if err := s.requireState("open", Closed); err != nil {
		return err
	}
	info, err := dbinfo.Derive(s.conn.ParameterStatus("server_version"), s.conn.ParameterStatus("integer_datetimes"))
	if err != nil {
		return fmt.Errorf("session: open: %w", err)
	}
	s.mu.Lock()
	s.info = info
	s.state = Idle
	s.mu.Unlock()
	s.logger.Info().Str("variant", string(variant)).Stringer("server_version", info.ServerVersion).Msg("session opened")
	return nil
}

// rewrapSyntaxError turns a 42601 server error on a CREATE slot call into
// an UnsupportedFeatureError, since the only way the client-side version
// gates in internal/replcommand miss an unsupported feature is a server
// that lies about its own version.
func rewrapSyntaxError(err error, feature string, minMajor, minMinor int, actual pgversion.ServerVersion) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42601" {
		return &UnsupportedFeatureError{Feature: feature, MinMajor: minMajor, MinMinor: minMinor, Actual: actual}
	}
	return err
}

// IdentifySystem issues IDENTIFY_SYSTEM. Requires Idle.
func (s *Session) IdentifySystem(ctx context.Context) (replcommand.IdentifySystemResult, error) {
	if err := s.requireState("identify_system", Idle); err != nil {
		return replcommand.IdentifySystemResult{}, err
	}
	rows, err := s.conn.Exec(ctx, replcommand.IdentifySystem())
	if err != nil {
		return replcommand.IdentifySystemResult{}, fmt.Errorf("session: identify_system: %w", err)
	}
	return replcommand.ParseIdentifySystem(rows)
}

// Show issues SHOW param. Requires Idle.
func (s *Session) Show(ctx context.Context, param string) (string, error) {
	if err := s.requireState("show", Idle); err != nil {
		return "", err
	}
	rows, err := s.conn.Exec(ctx, replcommand.Show(param))
	if err != nil {
		return "", fmt.Errorf("session: show %s: %w", param, err)
	}
	return replcommand.ParseShow(rows)
}

// TimelineHistory issues TIMELINE_HISTORY. Requires Idle.
func (s *Session) TimelineHistory(ctx context.Context, tli int32) (replcommand.TimelineHistoryResult, error) {
	if err := s.requireState("timeline_history", Idle); err != nil {
		return replcommand.TimelineHistoryResult{}, err
	}
	rows, err := s.conn.Exec(ctx, replcommand.TimelineHistory(tli))
	if err != nil {
		return replcommand.TimelineHistoryResult{}, fmt.Errorf("session: timeline_history: %w", err)
	}
	return replcommand.ParseTimelineHistory(rows)
}

// CreatePhysicalSlot issues CREATE_REPLICATION_SLOT ... PHYSICAL. Requires Idle.
func (s *Session) CreatePhysicalSlot(ctx context.Context, opts replcommand.CreatePhysicalOptions) (replcommand.SlotInfo, error) {
	if err := s.requireState("create_slot", Idle); err != nil {
		return replcommand.SlotInfo{}, err
	}
	sql, err := replcommand.CreatePhysicalSlot(opts, s.info.ServerVersion)
	if err != nil {
		return replcommand.SlotInfo{}, err
	}
	rows, err := s.conn.Exec(ctx, sql)
	if err != nil {
		return replcommand.SlotInfo{}, rewrapSyntaxError(fmt.Errorf("session: create_slot: %w", err), "TEMPORARY replication slots", 10, 0, s.info.ServerVersion)
	}
	return replcommand.ParseCreateReplicationSlot(rows)
}

// CreateLogicalSlot issues CREATE_REPLICATION_SLOT ... LOGICAL. Requires Idle.
func (s *Session) CreateLogicalSlot(ctx context.Context, opts replcommand.CreateLogicalOptions) (replcommand.SlotInfo, error) {
	if err := s.requireState("create_slot", Idle); err != nil {
		return replcommand.SlotInfo{}, err
	}
	sql, err := replcommand.CreateLogicalSlot(opts, s.info.ServerVersion)
	if err != nil {
		return replcommand.SlotInfo{}, err
	}
	rows, err := s.conn.Exec(ctx, sql)
	if err != nil {
		return replcommand.SlotInfo{}, rewrapSyntaxError(fmt.Errorf("session: create_slot: %w", err), "logical replication slot options", 10, 0, s.info.ServerVersion)
	}
	return replcommand.ParseCreateReplicationSlot(rows)
}

// DropSlot issues DROP_REPLICATION_SLOT. Requires Idle.
func (s *Session) DropSlot(ctx context.Context, name string, wait bool) error {
	if err := s.requireState("drop_slot", Idle); err != nil {
		return err
	}
	if _, err := s.conn.Exec(ctx, replcommand.DropReplicationSlot(name, wait)); err != nil {
		return fmt.Errorf("session: drop_slot: %w", err)
	}
	return nil
}

// streamingOptions bundles what the receive loop needs regardless of
// physical vs logical mode.
type streamingOptions struct {
	statusInterval time.Duration
	logical        bool
}

// startStreaming is the shared Idle -> Streaming transition: it opens
// the WAL decoder, starts the feedback scheduler, and launches the
// receive loop goroutine inside an errgroup so Dispose can join both the
// reader and the timer cleanly, replacing the teacher decoder's bespoke
// done channel.
func (s *Session) startStreaming(ctx context.Context, sql string, opts streamingOptions) (<-chan Event, error) {
	if err := s.requireState("start_replication", Idle); err != nil {
		return nil, err
	}

	decoder, err := walstream.Open(ctx, s.conn, sql)
	if err != nil {
		return nil, fmt.Errorf("session: start_replication: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(runCtx)

	events := make(chan Event, 256)
	scheduler := feedback.New(func(sendCtx context.Context, status feedback.Status) error {
		return sendStatusUpdate(sendCtx, s.conn, status)
	}, opts.statusInterval, s.logger, nil)

	s.mu.Lock()
	decoder.SetMetrics(s.metrics)
	scheduler.SetLagMetrics(s.metrics)
	s.decoder = decoder
	s.scheduler = scheduler
	s.events = events
	s.eg = eg
	s.cancel = cancel
	s.state = Streaming
	s.mu.Unlock()

	scheduler.Start(runCtx)

	eg.Go(func() error {
		defer close(events)
		defer scheduler.Stop()
		err := s.receiveLoop(egCtx, decoder, scheduler, events, opts.logical)
		s.mu.Lock()
		if s.state == Streaming {
			s.state = Idle
		}
		s.mu.Unlock()
		return err
	})

	return events, nil
}

// StartPhysicalReplication issues START_REPLICATION in physical mode and
// begins streaming. Requires Idle; transitions to Streaming.
func (s *Session) StartPhysicalReplication(ctx context.Context, slotName string, startLSN lsn.LSN, timeline int32, statusInterval time.Duration) (<-chan Event, error) {
	sql := replcommand.StartReplicationPhysical(slotName, startLSN, timeline)
	return s.startStreaming(ctx, sql, streamingOptions{statusInterval: statusInterval, logical: false})
}

// StartLogicalReplication issues START_REPLICATION in logical mode and
// begins streaming, decoding every XLogData payload with pgoutput.
// Requires Idle; transitions to Streaming.
func (s *Session) StartLogicalReplication(ctx context.Context, slotName string, startLSN lsn.LSN, options [][2]string, statusInterval time.Duration) (<-chan Event, error) {
	sql := replcommand.StartReplicationLogical(slotName, startLSN, options)
	return s.startStreaming(ctx, sql, streamingOptions{statusInterval: statusInterval, logical: true})
}

func (s *Session) receiveLoop(ctx context.Context, decoder *walstream.Decoder, scheduler *feedback.Scheduler, events chan<- Event, logical bool) error {
	for {
		ev, err := decoder.Next(ctx)
		if err != nil {
			s.logger.Err(err).Msg("wal stream ended with error")
			return err
		}
		if ev == nil {
			// Clean end of stream: CopyDone, ReadyForQuery, or a
			// query_canceled rewritten by the decoder. Either way this
			// is a normal return to Idle, not a failure.
			return nil
		}

		scheduler.UpdateReceived(decoder.LastReceived())

		switch ev.Kind {
		case walstream.KeepaliveEvent:
			if ev.ReplyRequested {
				s.mu.Lock()
				flushed, applied := s.flushed, s.applied
				s.mu.Unlock()
				if err := scheduler.Force(ctx, flushed, applied, true); err != nil {
					s.logger.Err(err).Msg("keepalive reply failed")
				}
			}
		case walstream.XLogDataEvent:
			out := Event{WALStart: ev.WALStart, WALEnd: ev.WALEnd, ServerClock: ev.ServerClock}
			if logical {
				msg, err := pgoutput.Decode(ev.PayloadBytes(), ev.WALStart, ev.WALEnd, ev.ServerClock)
				if err != nil {
					s.logger.Err(err).Msg("pgoutput decode failed")
					return fmt.Errorf("session: pgoutput decode: %w", err)
				}
				s.metrics.ObserveMessage(messageKind(msg))
				out.Message = msg
			} else {
				out.Raw = ev.PayloadBytes()
			}
			select {
			case events <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func sendStatusUpdate(ctx context.Context, conn replconn.Connector, status feedback.Status) error {
	frame := encodeStandbyStatusUpdate(status)
	return conn.SendBytes(ctx, frame)
}

// Cancel asks the server to cancel the in-flight COPY, which the WAL
// decoder observes as a 57014 ErrorResponse and converts to a clean
// stream end. Requires Streaming.
func (s *Session) Cancel(ctx context.Context) error {
	if err := s.requireState("cancel", Streaming); err != nil {
		return err
	}
	if err := s.conn.CancelRequest(ctx); err != nil {
		return fmt.Errorf("session: cancel: %w", err)
	}
	return nil
}

// ForceStatusUpdate sends a standby status update immediately, recording
// flushed/applied as the session's new confirmed positions so a
// subsequent keepalive reply reports them too. Requires Streaming.
func (s *Session) ForceStatusUpdate(ctx context.Context, flushed, applied lsn.LSN) error {
	s.mu.Lock()
	scheduler := s.scheduler
	s.mu.Unlock()
	if err := s.requireState("send_status_update", Streaming); err != nil {
		return err
	}
	s.mu.Lock()
	s.flushed, s.applied = flushed, applied
	s.mu.Unlock()
	return scheduler.Force(ctx, flushed, applied, false)
}

// Dispose tears the session down from any state: it stops the feedback
// scheduler and receive loop if running, closes the underlying
// connection, and moves to Disposed. Dispose is idempotent.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return nil
	}
	eg := s.eg
	cancel := s.cancel
	s.state = Disposed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var joinErr error
	if eg != nil {
		joinErr = eg.Wait()
	}
	if err := s.conn.Close(ctx); err != nil {
		return fmt.Errorf("session: dispose: %w", err)
	}
	if joinErr != nil && !errors.Is(joinErr, context.Canceled) {
		s.logger.Err(joinErr).Msg("receive loop exited with error during dispose")
	}
	return nil
}

// messageKind labels a decoded pgoutput message for metrics, matching
// the wire message names rather than the Go type names.
func messageKind(msg any) string {
	switch msg.(type) {
	case *pgoutput.Begin:
		return "begin"
	case *pgoutput.Commit:
		return "commit"
	case *pgoutput.Origin:
		return "origin"
	case *pgoutput.Relation:
		return "relation"
	case *pgoutput.Type:
		return "type"
	case *pgoutput.Insert:
		return "insert"
	case *pgoutput.Update:
		return "update"
	case *pgoutput.Delete:
		return "delete"
	case *pgoutput.Truncate:
		return "truncate"
	default:
		return "unknown"
	}
}
