// Package chaos drives the per-topology chaos state machine: left alone
// for a random interval, then degrading the topology with a random
// subset of fault events for a random interval, then returning to
// healthy, until told to stop. The transition table below is the
// authoritative reproduction of this controller's state machine (see
// DESIGN.md); ignore any older, non-table-driven scheduler in the
// lineage this is modeled on.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/blockade/pkg/log"
	"github.com/cuemby/blockade/pkg/metrics"
	"github.com/cuemby/blockade/pkg/types"
)

// TopologyDriver is the subset of the Topology Manager a chaos Session
// needs. It is satisfied by *topology.Manager; declaring it here (rather
// than importing pkg/topology) keeps chaos decoupled from the Manager's
// full surface and easy to test with a fake.
type TopologyDriver interface {
	Status(ctx context.Context) ([]*types.LiveContainer, error)
	Start(ctx context.Context, names []string) error
	Stop(ctx context.Context, names []string) error
	Flaky(ctx context.Context, names []string) error
	Slow(ctx context.Context, names []string) error
	Duplicate(ctx context.Context, names []string) error
	Fast(ctx context.Context, names []string) error
	Partition(ctx context.Context, input types.PartitionSet) error
	Join(ctx context.Context) error
}

type transition struct {
	to    types.ChaosState
	run   func(s *Session) error
	onErr types.ChaosState
}

// table holds one transition-function set shared by every Session; it is
// built once at package init, matching each Session's identical topology.
var table = map[types.ChaosState]map[types.ChaosEvent]transition{
	types.ChaosNew: {
		types.EventStart: {to: types.ChaosHealthy, run: (*Session).smStart, onErr: types.ChaosFailedWhileHealthy},
	},
	types.ChaosHealthy: {
		types.EventTimer: {to: types.ChaosDegraded, run: (*Session).smToPain, onErr: types.ChaosFailedWhileHealthy},
		types.EventStop:  {to: types.ChaosStopped, run: (*Session).smStopFromNoPain, onErr: types.ChaosFailedWhileHealthy},
	},
	types.ChaosDegraded: {
		types.EventTimer: {to: types.ChaosHealthy, run: (*Session).smRelievePain, onErr: types.ChaosFailedWhileDegraded},
		types.EventStop:  {to: types.ChaosStopped, run: (*Session).smStopFromPain, onErr: types.ChaosFailedWhileDegraded},
	},
	types.ChaosStopped: {
		types.EventStart:  {to: types.ChaosHealthy, run: (*Session).smStart, onErr: types.ChaosFailedWhileHealthy},
		types.EventDelete: {to: types.ChaosDone, run: (*Session).smCleanup, onErr: types.ChaosFailedWhileHealthy},
		types.EventTimer:  {to: types.ChaosStopped, run: (*Session).smStaleTimer, onErr: types.ChaosStopped},
	},
	types.ChaosFailedWhileDegraded: {
		types.EventTimer:  {to: types.ChaosFailedWhileDegraded, run: (*Session).smStaleTimer, onErr: types.ChaosFailedWhileDegraded},
		types.EventDelete: {to: types.ChaosDone, run: (*Session).smCleanup, onErr: types.ChaosFailedWhileDegraded},
	},
	types.ChaosFailedWhileHealthy: {
		types.EventTimer:  {to: types.ChaosFailedWhileHealthy, run: (*Session).smStaleTimer, onErr: types.ChaosFailedWhileHealthy},
		types.EventDelete: {to: types.ChaosDone, run: (*Session).smCleanup, onErr: types.ChaosFailedWhileHealthy},
	},
}

// eventHandlers applies one ChaosEventKind to a random set of targets.
var eventHandlers = map[types.ChaosEventKind]func(ctx context.Context, d TopologyDriver, targets, all []string) error{
	types.ChaosFlaky: func(ctx context.Context, d TopologyDriver, targets, all []string) error {
		return d.Flaky(ctx, targets)
	},
	types.ChaosSlow: func(ctx context.Context, d TopologyDriver, targets, all []string) error {
		return d.Slow(ctx, targets)
	},
	types.ChaosDuplicate: func(ctx context.Context, d TopologyDriver, targets, all []string) error {
		return d.Duplicate(ctx, targets)
	},
	types.ChaosStop: func(ctx context.Context, d TopologyDriver, targets, all []string) error {
		return d.Stop(ctx, targets)
	},
	types.ChaosPartition: func(ctx context.Context, d TopologyDriver, targets, all []string) error {
		// every target ends up alone in its own partition; everyone else
		// shares one leftover partition.
		remaining := make([]string, 0, len(all))
		isTarget := make(map[string]bool, len(targets))
		for _, t := range targets {
			isTarget[t] = true
		}
		for _, n := range all {
			if !isTarget[n] {
				remaining = append(remaining, n)
			}
		}
		parts := make(types.PartitionSet, 0, len(targets)+1)
		for _, t := range targets {
			parts = append(parts, []string{t})
		}
		if len(remaining) > 0 {
			parts = append(parts, remaining)
		}
		return d.Partition(ctx, parts)
	},
}

// Session is one topology's chaos state machine.
type Session struct {
	id     string
	driver TopologyDriver
	bounds types.ChaosBounds

	mu    sync.Mutex
	state types.ChaosState
	timer *time.Timer
}

func newSession(id string, driver TopologyDriver, bounds types.ChaosBounds) *Session {
	return &Session{id: id, driver: driver, bounds: bounds, state: types.ChaosNew}
}

// State returns the session's current state.
func (s *Session) State() types.ChaosState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fire processes event against the current state, running the
// transition's function and moving to its target state, or to its error
// state if the function returns an error.
func (s *Session) Fire(event types.ChaosEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(event)
}

func (s *Session) fireLocked(event types.ChaosEvent) error {
	from := s.state
	trans, ok := table[from][event]
	if !ok {
		return &types.InvalidTransitionError{State: from, Event: event}
	}

	logger := log.WithComponent("chaos").With().Str("topology_id", s.id).Logger()
	logger.Debug().Str("from", string(from)).Str("event", string(event)).Str("to", string(trans.to)).Msg("chaos transition")
	metrics.ChaosTransitionsTotal.WithLabelValues(string(from), string(event)).Inc()

	if err := trans.run(s); err != nil {
		logger.Error().Err(err).Msg("chaos transition function failed")
		if s.timer != nil {
			s.timer.Stop()
		}
		s.state = trans.onErr
		return err
	}
	s.state = trans.to
	return nil
}

// fireAsync is used by the timer callback, which runs outside of any
// caller's lock.
func (s *Session) fireAsync(event types.ChaosEvent) {
	if err := s.Fire(event); err != nil {
		log.WithComponent("chaos").Warn().Err(err).Str("topology_id", s.id).Msg("chaos timer event rejected")
	}
}

func (s *Session) scheduleTimer(minMs, maxMs int) {
	delay := randBetween(minMs, maxMs)
	s.timer = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() { s.fireAsync(types.EventTimer) })
}

func randBetween(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}

// smStart begins the steady-state wait before the first degradation.
func (s *Session) smStart() error {
	s.scheduleTimer(s.bounds.MinStartDelayMs, s.bounds.MaxStartDelayMs)
	return nil
}

// smToPain applies a random subset of fault events to a random subset of
// containers, then schedules the timer that will end the degradation.
func (s *Session) smToPain() error {
	ctx := context.Background()
	if err := s.doBlockadeEvent(ctx); err != nil {
		return err
	}
	s.scheduleTimer(s.bounds.MinRunTimeMs, s.bounds.MaxRunTimeMs)
	return nil
}

// smRelievePain restores the topology to a healthy baseline and
// schedules the next degradation.
func (s *Session) smRelievePain() error {
	ctx := context.Background()
	if err := s.doResetAll(ctx); err != nil {
		return err
	}
	s.scheduleTimer(s.bounds.MinStartDelayMs, s.bounds.MaxStartDelayMs)
	return nil
}

// smStopFromNoPain cancels the pending degradation timer; nothing to
// restore since the topology was already healthy.
func (s *Session) smStopFromNoPain() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

// smStopFromPain restores the topology to a healthy baseline; no further
// timer is scheduled since chaos is stopping.
func (s *Session) smStopFromPain() error {
	return s.doResetAll(context.Background())
}

// smCleanup cancels any pending timer before the session is discarded.
func (s *Session) smCleanup() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

// smStaleTimer absorbs a TIMER event that arrived after the session had
// already moved on (e.g. a cancel raced the timer firing); there is
// nothing to do.
func (s *Session) smStaleTimer() error {
	return nil
}

func (s *Session) doBlockadeEvent(ctx context.Context) error {
	statuses, err := s.driver.Status(ctx)
	if err != nil {
		return err
	}
	all := make([]string, 0, len(statuses))
	for _, lc := range statuses {
		all = append(all, lc.Name)
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	count := randBetween(s.bounds.MinContainersAtOnce, s.bounds.MaxContainersAtOnce)
	if count > len(all) {
		count = len(all)
	}
	targets := append([]string{}, all[:count]...)

	events := append([]types.ChaosEventKind{}, s.bounds.Events...)
	rand.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	n := randBetween(s.bounds.MinEventsAtOnce, s.bounds.MaxEventsAtOnce)
	if n > len(events) {
		n = len(events)
	}

	for _, kind := range events[:n] {
		handler, ok := eventHandlers[kind]
		if !ok {
			return types.NewUsageError("invalid chaos event %q", kind)
		}
		if err := handler(ctx, s.driver, targets, all); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) doResetAll(ctx context.Context) error {
	statuses, err := s.driver.Status(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(statuses))
	for _, lc := range statuses {
		names = append(names, lc.Name)
	}
	if err := s.driver.Start(ctx, names); err != nil {
		return err
	}
	if err := s.driver.Fast(ctx, names); err != nil {
		return err
	}
	return s.driver.Join(ctx)
}

// Engine tracks every topology's chaos Session.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine builds an empty chaos Engine.
func NewEngine() *Engine {
	return &Engine{sessions: make(map[string]*Session)}
}

// New creates and starts a chaos session for topology id, driving driver.
// It errors if a session already exists for id.
func (e *Engine) New(id string, driver TopologyDriver, bounds types.ChaosBounds) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[id]; exists {
		return nil, types.NewUsageError("chaos is already associated with %q", id)
	}
	s := newSession(id, driver, bounds)
	if err := s.Fire(types.EventStart); err != nil {
		return nil, err
	}
	e.sessions[id] = s
	metrics.ChaosSessionsActive.Inc()
	return s, nil
}

func (e *Engine) get(id string) (*Session, error) {
	s, ok := e.sessions[id]
	if !ok {
		return nil, types.NewUsageError("chaos is not associated with %q", id)
	}
	return s, nil
}

// Start fires a START event against id's session.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	s, err := e.get(id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return asUsageError(s.Fire(types.EventStart), id, "started")
}

// Stop fires a STOP event against id's session.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	s, err := e.get(id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return asUsageError(s.Fire(types.EventStop), id, "stopped")
}

// Delete fires a DELETE event against id's session and, if it succeeds,
// drops the session entirely.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.get(id)
	if err != nil {
		return err
	}
	if fireErr := s.Fire(types.EventDelete); fireErr != nil {
		return asUsageError(fireErr, id, "deleted")
	}
	delete(e.sessions, id)
	metrics.ChaosSessionsActive.Dec()
	return nil
}

func asUsageError(err error, id, verb string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*types.InvalidTransitionError); ok {
		return types.NewUsageError("chaos cannot be %s for %q: %v", verb, id, err)
	}
	return err
}

// Status returns id's session's current state.
func (e *Engine) Status(id string) (types.ChaosState, error) {
	e.mu.Lock()
	s, err := e.get(id)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.State(), nil
}

// Exists reports whether a session is tracked for id.
func (e *Engine) Exists(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[id]
	return ok
}

// Shutdown stops and deletes every tracked session; per-session errors
// are logged, not returned, so shutdown always proceeds through every
// session (mirrors the original's best-effort shutdown sweep).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Stop(id); err != nil {
			log.WithComponent("chaos").Warn().Err(err).Str("topology_id", id).Msg("failed to stop chaos session during shutdown")
		}
		if err := e.Delete(id); err != nil {
			log.WithComponent("chaos").Warn().Err(err).Str("topology_id", id).Msg("failed to delete chaos session during shutdown")
		}
	}
}
