// Package feedback implements the periodic standby status update
// scheduler: a timer that fires at wal_receiver_status_interval, a
// forced-send path used by keepalive reply_requested and by the caller,
// and mutual exclusion between the two so only one status frame is ever
// in flight.
package feedback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgrepl/internal/telemetry"
	"github.com/jfoltran/pgrepl/pkg/lsn"
)

// pgEpoch is 2000-01-01T00:00:00 UTC, the epoch PostgreSQL's replication
// protocol uses for all on-wire timestamps.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Status is a standby status update frame's payload.
type Status struct {
	Received       lsn.LSN
	Flushed        lsn.LSN
	Applied        lsn.LSN
	ClockMicros    int64
	ReplyRequested bool
}

// Now returns the current instant expressed as microseconds since the
// PostgreSQL epoch, the clock field every status frame carries.
func Now() int64 {
	return time.Since(pgEpoch).Microseconds()
}

// Sender transmits one standby status frame. Implementations forward to
// replconn.Connector.SendBytes after framing; see session's
// encodeStandbyStatusUpdate for the wire layout.
type Sender func(ctx context.Context, s Status) error

// Scheduler owns the feedback timer and the send_lock binary semaphore
// described by the session's concurrency model: the timer acquires the
// lock with a zero wait and drops the tick if it can't, a forced send
// waits for it indefinitely.
type Scheduler struct {
	logger   zerolog.Logger
	send     Sender
	interval time.Duration

	sem chan struct{} // capacity-1 binary semaphore

	mu       sync.Mutex
	received lsn.LSN
	flushed  lsn.LSN
	applied  lsn.LSN

	timer    *time.Timer
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	metrics *Metrics
	lag     *telemetry.Registry
}

// SetLagMetrics attaches a telemetry registry updated with the received,
// flushed, and applied positions every time a status frame is sent.
// Passing nil detaches it.
func (s *Scheduler) SetLagMetrics(reg *telemetry.Registry) { s.lag = reg }

// New creates a Scheduler. Call Start to begin the timer loop.
func New(send Sender, interval time.Duration, logger zerolog.Logger, metrics *Metrics) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Scheduler{
		logger:   logger.With().Str("component", "feedback").Logger(),
		send:     send,
		interval: interval,
		sem:      make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		metrics:  metrics,
	}
	s.sem <- struct{}{}
	return s
}

// Start begins the periodic timer. It must be called at most once.
func (s *Scheduler) Start(ctx context.Context) {
	s.timer = time.NewTimer(s.interval)
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.timer.Stop()
			return
		case <-s.stopCh:
			s.timer.Stop()
			return
		case <-s.timer.C:
			s.tick(ctx)
		}
	}
}

// tick is the timer-driven send path: it tries to acquire send_lock
// without blocking, and silently drops the tick if a forced send already
// holds it.
func (s *Scheduler) tick(ctx context.Context) {
	select {
	case <-s.sem:
	default:
		s.metrics.tickDropped.Inc()
		s.rearm()
		return
	}
	defer func() {
		s.sem <- struct{}{}
		s.rearm()
	}()
	if err := s.sendLocked(ctx, false); err != nil {
		s.logger.Err(err).Msg("timer-driven status update failed")
	}
}

func (s *Scheduler) rearm() {
	s.timer.Reset(s.interval)
}

// UpdateReceived raises the received LSN. Safe to call from any
// goroutine; this is the one field the reader side of the session
// writes directly.
func (s *Scheduler) UpdateReceived(v lsn.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Compare(s.received) > 0 {
		s.received = v
	}
}

// Force sends a status update immediately, waiting for send_lock as long
// as necessary. flush and apply update the corresponding positions before
// the frame is built; pass their current value to leave them unchanged.
func (s *Scheduler) Force(ctx context.Context, flush, apply lsn.LSN, replyRequested bool) error {
	select {
	case <-s.sem:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { s.sem <- struct{}{} }()

	s.mu.Lock()
	s.flushed = flush
	s.applied = apply
	s.mu.Unlock()

	return s.sendLocked(ctx, replyRequested)
}

func (s *Scheduler) sendLocked(ctx context.Context, replyRequested bool) error {
	s.mu.Lock()
	status := Status{
		Received:       s.received,
		Flushed:        s.flushed,
		Applied:        s.applied,
		ClockMicros:    Now(),
		ReplyRequested: replyRequested,
	}
	s.mu.Unlock()

	if err := s.send(ctx, status); err != nil {
		return fmt.Errorf("feedback: send status update: %w", err)
	}
	s.metrics.sent.Inc()
	s.metrics.lastSend.Set(float64(time.Now().Unix()))
	s.lag.ObserveFlushed(status.Flushed)
	s.lag.ObserveApplied(status.Received, status.Applied)
	return nil
}

// Stop halts the timer loop. It is idempotent and does not touch
// send_lock. Nothing in this package or in session.Dispose takes
// send_lock permanently, so a Force call made after Stop still sends a
// frame.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
