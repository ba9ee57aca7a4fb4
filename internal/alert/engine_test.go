package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldgrid/fieldhub/internal/pipeline"
	"github.com/fieldgrid/fieldhub/internal/timeutil"
)

// captureDispatcher records every digest it receives.
type captureDispatcher struct {
	mu       sync.Mutex
	digests  [][]Alert
	err      error
	panicMsg string
}

func (d *captureDispatcher) Dispatch(_ context.Context, alerts []Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	d.digests = append(d.digests, alerts)
	return d.err
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.digests)
}

// fixedStates is a StateSource with a static snapshot.
type fixedStates []pipeline.SensorState

func (f fixedStates) States() []pipeline.SensorState { return f }

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 31, hour, minute, 0, 0, time.UTC)
}

func newTestEngine(d Dispatcher, states StateSource) *Engine {
	return New(Options{
		Rules:       DefaultRules(2.7, -40, 85),
		Dispatcher:  d,
		States:      states,
		Clock:       timeutil.NewMockClock(at(10, 0)),
		Location:    time.UTC,
		StaleAfter:  3 * time.Hour,
		DeadmanHour: 9,
	})
}

func lowBatteryPacket(addr string) *pipeline.SensorPacket {
	return &pipeline.SensorPacket{
		Address: addr,
		Fields:  map[string]float64{"batmon_battery_voltage": 2.4},
	}
}

func TestEngine_EvaluateAccumulates(t *testing.T) {
	d := &captureDispatcher{}
	e := newTestEngine(d, nil)

	e.Evaluate(lowBatteryPacket("a1"))
	e.Evaluate(&pipeline.SensorPacket{
		Address: "a2",
		Fields:  map[string]float64{"hdc_2010_u13_temperature": 91.4},
	})
	e.Evaluate(&pipeline.SensorPacket{
		Address: "a3",
		Fields:  map[string]float64{"hdc_2010_u13_temperature": 24.0},
	})

	pending := e.Pending()
	if len(pending) != 2 {
		t.Fatalf("got %d pending alerts, want 2", len(pending))
	}
	if pending[0].Rule != "battery_low" || pending[0].Address != "a1" {
		t.Errorf("unexpected first alert %+v", pending[0])
	}
	if pending[1].Rule != "temperature_range" || pending[1].Address != "a2" {
		t.Errorf("unexpected second alert %+v", pending[1])
	}
	if d.count() != 0 {
		t.Error("nothing should dispatch before a flush tick")
	}
}

// TestEngine_FlushOncePerWindow tests that a qualifying minute flushes
// exactly once until a non-qualifying minute re-arms the window
func TestEngine_FlushOncePerWindow(t *testing.T) {
	d := &captureDispatcher{}
	e := newTestEngine(d, nil)
	ctx := context.Background()

	e.Evaluate(lowBatteryPacket("a1"))

	e.FlushTick(ctx, at(10, 15))
	if d.count() != 0 {
		t.Fatal("minute 15 must not flush")
	}

	e.FlushTick(ctx, at(10, 16))
	if d.count() != 1 {
		t.Fatal("minute 16 must flush")
	}
	if len(e.Pending()) != 0 {
		t.Error("pending set should clear on flush")
	}

	// Same qualifying minute again: the window guard holds.
	e.Evaluate(lowBatteryPacket("a2"))
	e.FlushTick(ctx, at(10, 16))
	if d.count() != 1 {
		t.Error("repeated tick inside the window must not flush")
	}

	// A non-qualifying minute re-arms, the next boundary flushes.
	e.FlushTick(ctx, at(10, 17))
	e.FlushTick(ctx, at(10, 32))
	if d.count() != 2 {
		t.Errorf("got %d dispatches, want 2", d.count())
	}
}

func TestEngine_FlushSkipsEmptyDigest(t *testing.T) {
	d := &captureDispatcher{}
	e := newTestEngine(d, nil)

	e.FlushTick(context.Background(), at(10, 32))
	if d.count() != 0 {
		t.Error("empty pending set should not dispatch")
	}
}

// TestEngine_FlushClearsOnDispatchError tests that a failed dispatch does
// not resurrect the digest
func TestEngine_FlushClearsOnDispatchError(t *testing.T) {
	d := &captureDispatcher{err: errors.New("smtp down")}
	e := newTestEngine(d, nil)

	e.Evaluate(lowBatteryPacket("a1"))
	e.FlushTick(context.Background(), at(10, 48))

	if len(e.Pending()) != 0 {
		t.Error("pending set should clear even when dispatch fails")
	}
}

// TestEngine_DeadmanOncePerDay tests the daily sweep fires once at the
// configured hour and re-arms on a different hour
func TestEngine_DeadmanOncePerDay(t *testing.T) {
	now := at(9, 0)
	states := fixedStates{
		{Address: "quiet", LastSeen: now.Add(-5 * time.Hour)},
		{Address: "fresh", LastSeen: now.Add(-30 * time.Minute)},
	}
	d := &captureDispatcher{}
	e := newTestEngine(d, states)
	ctx := context.Background()

	e.DeadmanTick(ctx, now)
	if d.count() != 1 {
		t.Fatalf("got %d dispatches, want 1", d.count())
	}
	digest := d.digests[0]
	if len(digest) != 1 {
		t.Fatalf("got %d stale alerts, want 1", len(digest))
	}
	if digest[0].Address != "quiet" || digest[0].Rule != "deadman" {
		t.Errorf("unexpected alert %+v", digest[0])
	}

	// Later ticks inside hour 9 are suppressed.
	e.DeadmanTick(ctx, at(9, 15))
	e.DeadmanTick(ctx, at(9, 45))
	if d.count() != 1 {
		t.Error("sweep ran more than once in the same hour")
	}

	// A tick outside hour 9 re-arms; the next day's hour 9 fires again.
	e.DeadmanTick(ctx, at(10, 0))
	e.DeadmanTick(ctx, at(9, 0).AddDate(0, 0, 1))
	if d.count() != 2 {
		t.Errorf("got %d dispatches, want 2", d.count())
	}
}

func TestEngine_DeadmanAllFresh(t *testing.T) {
	now := at(9, 0)
	states := fixedStates{{Address: "fresh", LastSeen: now.Add(-time.Hour)}}
	d := &captureDispatcher{}
	e := newTestEngine(d, states)

	e.DeadmanTick(context.Background(), now)
	if d.count() != 0 {
		t.Error("no dispatch expected when every sensor is fresh")
	}
}

// TestEngine_DispatcherPanicContained tests that a panicking sink cannot
// kill the scheduler
func TestEngine_DispatcherPanicContained(t *testing.T) {
	d := &captureDispatcher{panicMsg: "sink exploded"}
	e := newTestEngine(d, nil)

	e.Evaluate(lowBatteryPacket("a1"))
	e.FlushTick(context.Background(), at(10, 0))
	// Reaching this point at all is the assertion.
	if len(e.Pending()) != 0 {
		t.Error("pending set should clear despite the panic")
	}
}

// TestEngine_RunSchedulesWithMockClock tests the Run loop end to end by
// advancing a mock clock across a flush boundary
func TestEngine_RunSchedulesWithMockClock(t *testing.T) {
	clock := timeutil.NewMockClock(at(10, 15))
	d := &captureDispatcher{}
	e := New(Options{
		Rules:      DefaultRules(2.7, -40, 85),
		Dispatcher: d,
		Clock:      clock,
		Location:   time.UTC,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.Evaluate(lowBatteryPacket("a1"))

	// Walk the clock forward a minute at a time until a flush boundary is
	// crossed after the Run goroutine has registered its tickers.
	deadline := time.After(2 * time.Second)
	for d.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("flush never dispatched")
		case <-time.After(5 * time.Millisecond):
			clock.Advance(time.Minute)
		}
	}

	cancel()
	<-done
}
