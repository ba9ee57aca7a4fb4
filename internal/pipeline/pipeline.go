// Package pipeline reconstructs sensor measurements and network pings from
// the raw 6LoWPAN serial stream, deduplicates them, and routes admitted
// events to the store, the alert engine, and the subscriber broadcaster.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fieldgrid/fieldhub/internal/metrics"
	"github.com/fieldgrid/fieldhub/internal/timeutil"
)

// Store is the persistence collaborator. Failures are logged at the point
// of use and never abort stream processing.
type Store interface {
	// UpsertSensor records an admitted packet's address/sequence/last-seen.
	UpsertSensor(ctx context.Context, address string, seq int64, seen int64) error
	// TouchSensor refreshes last-seen without sequence bookkeeping.
	TouchSensor(ctx context.Context, address string, seen int64) error
	// RecordMeasurement appends the packet to the measurement history.
	RecordMeasurement(ctx context.Context, p *SensorPacket) error
}

// Broadcaster fans processed events out to live subscribers. Fire and
// forget: the pipeline never learns about individual delivery failures.
type Broadcaster interface {
	Broadcast(event any)
}

// Evaluator receives every admitted packet for instantaneous alert rules.
type Evaluator interface {
	Evaluate(p *SensorPacket)
}

// Pipeline owns all mutable stream state: the capture buffer, the gate, the
// dedup table, and the boot scanner. Run is the single consumer of the
// chunk channel, which serializes every mutation of that state even though
// the surrounding process is concurrent.
type Pipeline struct {
	reassembler Reassembler
	scanner     BootScanner
	tracker     *Tracker
	gate        *Gate

	store       Store
	broadcaster Broadcaster
	evaluator   Evaluator
	clock       timeutil.Clock
	metrics     *metrics.Set
	log         *zap.SugaredLogger
}

// Options collects the pipeline's collaborators. Store, Broadcaster, and
// Evaluator may be nil, in which case the corresponding step is skipped;
// Metrics may be nil to disable counters.
type Options struct {
	Gate        *Gate
	Store       Store
	Broadcaster Broadcaster
	Evaluator   Evaluator
	Clock       timeutil.Clock
	Metrics     *metrics.Set
	Log         *zap.SugaredLogger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Gate == nil {
		opts.Gate = NewGate(nil)
	}
	return &Pipeline{
		tracker:     NewTracker(),
		gate:        opts.Gate,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		evaluator:   opts.Evaluator,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         opts.Log,
	}
}

// SetEvaluator attaches the alert evaluator. The evaluator takes the
// pipeline's dedup table as its staleness source, so the two are
// constructed in sequence and joined here. Must be called before Run.
func (p *Pipeline) SetEvaluator(e Evaluator) {
	p.evaluator = e
}

// Gate returns the ingestion gate shared with bulk-operation callers.
func (p *Pipeline) Gate() *Gate {
	return p.gate
}

// States exposes the dedup table snapshot for the deadman sweep.
func (p *Pipeline) States() []SensorState {
	return p.tracker.States()
}

// Run consumes raw chunks until the channel closes or the context is
// cancelled. It must be the only goroutine calling HandleChunk.
func (p *Pipeline) Run(ctx context.Context, chunks <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			p.HandleChunk(ctx, chunk)
		}
	}
}

// HandleChunk processes one raw chunk through the boot scanner, the frame
// reassembler, classification, dedup, and fan-out. Exported for tests; see
// Run for the serialization requirement.
func (p *Pipeline) HandleChunk(ctx context.Context, chunk string) {
	if report, ok := p.scanner.Scan(chunk); ok {
		p.log.Infow("radio initialized",
			"pan_id", report.NetworkID,
			"firmware", report.Diagnostic,
		)
	}

	frame, ok := p.reassembler.Consume(chunk)
	if ok {
		p.metrics.IncFrame()
		if p.handleFrame(ctx, frame) {
			return
		}
	}

	if addr, ok := ParsePing(chunk); ok {
		p.handlePing(ctx, addr)
	}
}

// handleFrame returns true when the frame was a measurement (admitted or
// deliberately dropped); false lets the caller fall through to the ping
// check.
func (p *Pipeline) handleFrame(ctx context.Context, frame string) bool {
	packet, err := ParsePacket(frame)
	if err != nil {
		// Expected for frames that are structured but not measurements.
		p.log.Debugw("frame not a measurement", "err", err)
		return false
	}

	if p.gate.Closed() {
		// Deliberate data-loss mode: the measurement is dropped, not
		// queued, while a bulk operation owns the registry.
		p.metrics.IncGateDrop()
		p.log.Debugw("measurement dropped: ingestion gate closed",
			"address", packet.Address,
			"reason", p.gate.Reason(),
		)
		return true
	}

	now := p.clock.Now()
	admission := p.tracker.Admit(packet, now)
	p.metrics.IncPacket(admission.String())

	switch admission {
	case AdmitNew, AdmitUpdate:
		if p.store != nil {
			if err := p.store.UpsertSensor(ctx, packet.Address, packet.Seq, now.Unix()); err != nil {
				p.log.Errorw("failed to upsert sensor", "address", packet.Address, "err", err)
			}
			if err := p.store.RecordMeasurement(ctx, packet); err != nil {
				p.log.Errorw("failed to record measurement", "address", packet.Address, "err", err)
			}
		}
		if p.evaluator != nil {
			p.evaluator.Evaluate(packet)
		}
		p.broadcast(NewSensorUpdate(packet), TypeSensorUpdate)

	case AdmitStale:
		// Retransmission: refresh freshness only.
		if p.store != nil {
			if err := p.store.TouchSensor(ctx, packet.Address, now.Unix()); err != nil {
				p.log.Errorw("failed to touch sensor", "address", packet.Address, "err", err)
			}
		}
	}

	return true
}

func (p *Pipeline) handlePing(ctx context.Context, addr string) {
	now := p.clock.Now()
	p.metrics.IncPing()
	p.tracker.Touch(addr, now)

	if p.store != nil {
		if err := p.store.TouchSensor(ctx, addr, now.Unix()); err != nil {
			p.log.Errorw("failed to touch sensor", "address", addr, "err", err)
		}
	}

	p.broadcast(NewPingNotice(addr), TypePing)
}

func (p *Pipeline) broadcast(event any, eventType string) {
	if p.broadcaster == nil {
		return
	}
	p.metrics.IncBroadcast(eventType)
	p.broadcaster.Broadcast(event)
}
