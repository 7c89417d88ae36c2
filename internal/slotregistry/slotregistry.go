// Package slotregistry caches the replication slot wrappers a process
// has created, keyed by the connection identity they were created
// through, so repeated DROP/recreate flows reuse the same in-memory
// handle instead of racing two callers over the same slot name.
package slotregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Slot is the cached, process-wide handle for one replication slot.
// Variant mirrors session.Variant as a plain string, so this package
// does not import session.
type Slot struct {
	Name      string
	Variant   string // "physical" or "logical"
	CreatedAt time.Time

	mu       sync.Mutex
	draining bool
}

// Registry is a process-wide map of connection identity to the slots
// created through it. A nil *Registry behaves like an empty one whose
// Get/Register/Clear are all no-ops, for callers that don't want the
// cache.
type Registry struct {
	mu          sync.Mutex
	slots       map[string]map[string]*Slot // connectionKey -> slotName -> Slot
	drainFor    time.Duration
	logger      zerolog.Logger
	exitHookSet bool
}

// New creates an empty Registry. drainFor is the grace period Clear
// waits, as an idle drain phase, before a slot is considered fully
// destroyed; a zero value skips the wait.
func New(drainFor time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		slots:    map[string]map[string]*Slot{},
		drainFor: drainFor,
		logger:   logger.With().Str("component", "slotregistry").Logger(),
	}
}

// AnonymousName generates a unique TEMPORARY slot name for a caller
// that didn't request a specific one.
func AnonymousName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// Register records a slot created through connectionKey. It replaces
// any prior entry of the same name under the same key.
func (r *Registry) Register(connectionKey string, slot *Slot) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.slots[connectionKey]
	if !ok {
		byName = map[string]*Slot{}
		r.slots[connectionKey] = byName
	}
	byName[slot.Name] = slot
}

// Get returns the cached slot for connectionKey/name, or nil if absent
// or draining.
func (r *Registry) Get(connectionKey, name string) *Slot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.slots[connectionKey]
	if !ok {
		return nil
	}
	s, ok := byName[name]
	if !ok {
		return nil
	}
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return nil
	}
	return s
}

// Clear evicts every slot registered under connectionKey, marking each
// as draining for the registry's grace period before forgetting it.
// destroy is called once per slot after the drain, normally wrapping
// DROP_REPLICATION_SLOT.
func (r *Registry) Clear(ctx context.Context, connectionKey string, destroy func(context.Context, *Slot) error) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	byName := r.slots[connectionKey]
	delete(r.slots, connectionKey)
	r.mu.Unlock()

	return r.drainAndDestroy(ctx, byName, destroy)
}

// ClearAll evicts every slot registered under every connection key.
// Process-exit hooks must call this to minimize server-side warnings
// about dangling replication slots.
func (r *Registry) ClearAll(ctx context.Context, destroy func(context.Context, *Slot) error) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	all := r.slots
	r.slots = map[string]map[string]*Slot{}
	r.mu.Unlock()

	var firstErr error
	for key, byName := range all {
		if err := r.drainAndDestroy(ctx, byName, destroy); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("slotregistry: clearing %q: %w", key, err)
		}
	}
	return firstErr
}

func (r *Registry) drainAndDestroy(ctx context.Context, byName map[string]*Slot, destroy func(context.Context, *Slot) error) error {
	for _, s := range byName {
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
	}
	if r.drainFor > 0 {
		select {
		case <-time.After(r.drainFor):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var firstErr error
	for _, s := range byName {
		if destroy == nil {
			continue
		}
		if err := destroy(ctx, s); err != nil {
			r.logger.Warn().Err(err).Str("slot", s.Name).Msg("failed to destroy drained slot")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RegisterExitHook arranges for ClearAll to run, with a 30-second
// timeout, once stop is closed. It installs no signal handler; the
// caller decides when to close stop. It is safe to call more than once;
// only the first registration takes effect.
func (r *Registry) RegisterExitHook(stop chan struct{}, destroy func(context.Context, *Slot) error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	already := r.exitHookSet
	r.exitHookSet = true
	r.mu.Unlock()
	if already {
		return
	}
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.ClearAll(ctx, destroy); err != nil {
			r.logger.Warn().Err(err).Msg("exit-hook ClearAll did not fully succeed")
		}
	}()
}
