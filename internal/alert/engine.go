// Package alert accumulates rule violations from the measurement stream
// and flushes them on a fixed schedule, alongside a daily deadman liveness
// sweep over all known sensors.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/fieldhub/internal/metrics"
	"github.com/fieldgrid/fieldhub/internal/pipeline"
	"github.com/fieldgrid/fieldhub/internal/timeutil"
)

// Scheduling cadences. The flush check runs every scheduler minute so a
// qualifying minute value cannot be skipped; the deadman timer matches the
// original quarter-hour sweep.
const (
	flushCheckInterval = time.Minute
	deadmanInterval    = 15 * time.Minute
)

// flushMinuteModulo defines qualifying flush minutes: 0, 16, 32, 48.
const flushMinuteModulo = 16

// StateSource provides the sensor states the deadman sweep walks.
type StateSource interface {
	States() []pipeline.SensorState
}

// Engine evaluates packets against instantaneous rules and runs the two
// schedules. It is safe for concurrent use: Evaluate is called from the
// pipeline loop while Run ticks on its own goroutine.
type Engine struct {
	mu      sync.Mutex
	rules   []Rule
	pending []Alert

	// windowSent guards the 16-minute flush: set after a flush, cleared on
	// the first non-qualifying minute.
	windowSent bool
	// deadmanSent guards the daily sweep: set after a sweep, cleared on
	// any hour other than the configured one.
	deadmanSent bool

	dispatcher  Dispatcher
	states      StateSource
	clock       timeutil.Clock
	loc         *time.Location
	staleAfter  time.Duration
	deadmanHour int
	metrics     *metrics.Set
	log         *zap.SugaredLogger
}

// Options configures an Engine.
type Options struct {
	Rules       []Rule
	Dispatcher  Dispatcher
	States      StateSource
	Clock       timeutil.Clock
	Location    *time.Location
	StaleAfter  time.Duration
	DeadmanHour int
	Metrics     *metrics.Set
	Log         *zap.SugaredLogger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * time.Hour
	}
	return &Engine{
		rules:       opts.Rules,
		dispatcher:  opts.Dispatcher,
		states:      opts.States,
		clock:       opts.Clock,
		loc:         opts.Location,
		staleAfter:  opts.StaleAfter,
		deadmanHour: opts.DeadmanHour,
		metrics:     opts.Metrics,
		log:         opts.Log,
	}
}

// Evaluate runs every rule against an admitted packet and appends any
// triggered alerts to the pending set. It never blocks packet processing
// on dispatch.
func (e *Engine) Evaluate(p *pipeline.SensorPacket) {
	now := e.clock.Now()

	for _, rule := range e.rules {
		a, ok := rule.Evaluate(p, now)
		if !ok {
			continue
		}
		e.metrics.IncAlert(a.Rule)
		e.mu.Lock()
		e.pending = append(e.pending, a)
		e.mu.Unlock()
	}
}

// Pending returns a snapshot of the not-yet-flushed alerts.
func (e *Engine) Pending() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.pending...)
}

// Run drives the flush and deadman schedules until the context is
// cancelled. Neither schedule blocks, or is blocked by, stream processing.
func (e *Engine) Run(ctx context.Context) {
	flushTicker := e.clock.NewTicker(flushCheckInterval)
	defer flushTicker.Stop()
	deadmanTicker := e.clock.NewTicker(deadmanInterval)
	defer deadmanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-flushTicker.C():
			e.FlushTick(ctx, now)
		case now := <-deadmanTicker.C():
			e.DeadmanTick(ctx, now)
		}
	}
}

// FlushTick flushes the pending set at most once per minute value that is
// a multiple of 16, re-arming on the next non-qualifying minute. Exported
// so tests can drive it directly.
func (e *Engine) FlushTick(ctx context.Context, now time.Time) {
	minute := now.In(e.loc).Minute()

	e.mu.Lock()
	if minute%flushMinuteModulo != 0 {
		e.windowSent = false
		e.mu.Unlock()
		return
	}
	if e.windowSent {
		e.mu.Unlock()
		return
	}
	e.windowSent = true
	digest := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(digest) == 0 {
		return
	}
	if err := e.dispatch(ctx, digest); err != nil {
		e.log.Errorw("alert digest dispatch failed", "alerts", len(digest), "err", err)
	}
}

// DeadmanTick runs the liveness sweep at most once per calendar day at the
// configured local hour, re-arming on any other hour. Exported for tests.
func (e *Engine) DeadmanTick(ctx context.Context, now time.Time) {
	hour := now.In(e.loc).Hour()

	e.mu.Lock()
	if hour != e.deadmanHour {
		e.deadmanSent = false
		e.mu.Unlock()
		return
	}
	if e.deadmanSent {
		e.mu.Unlock()
		return
	}
	e.deadmanSent = true
	e.mu.Unlock()

	if e.states == nil {
		return
	}

	var stale []Alert
	for _, s := range e.states.States() {
		silent := now.Sub(s.LastSeen)
		if silent <= e.staleAfter {
			continue
		}
		stale = append(stale, Alert{
			Address: s.Address,
			Rule:    "deadman",
			Message: fmt.Sprintf("no data for %s (threshold %s)", silent.Round(time.Minute), e.staleAfter),
			Value:   silent.Hours(),
			At:      now,
		})
		e.metrics.IncAlert("deadman")
	}

	if len(stale) == 0 {
		return
	}
	if err := e.dispatch(ctx, stale); err != nil {
		e.log.Errorw("deadman sweep dispatch failed", "alerts", len(stale), "err", err)
	}
}

// dispatch delivers a digest, converting a dispatcher panic into an error
// so a misbehaving sink can never kill the scheduler goroutine.
func (e *Engine) dispatch(ctx context.Context, alerts []Alert) (err error) {
	if e.dispatcher == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panicked: %v", r)
		}
	}()
	return e.dispatcher.Dispatch(ctx, alerts)
}
