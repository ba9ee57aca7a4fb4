package pipeline

import (
	"sync"
	"time"
)

// Admission is the dedup decision for one packet.
type Admission int

const (
	// AdmitNew means the address has never been seen; state was created.
	AdmitNew Admission = iota
	// AdmitUpdate means the sequence number advanced; state was updated.
	AdmitUpdate
	// AdmitStale means the sequence number repeated; the packet is a
	// retransmission and must not re-enter downstream processing.
	AdmitStale
)

func (a Admission) String() string {
	switch a {
	case AdmitNew:
		return "new"
	case AdmitUpdate:
		return "update"
	case AdmitStale:
		return "stale"
	default:
		return "unknown"
	}
}

// SensorState is the per-address record backing deduplication and the
// deadman sweep. Entries are created on first sighting and never deleted
// here; registry lifecycle is the store's concern.
type SensorState struct {
	Address  string
	LastSeq  int64
	LastSeen time.Time
}

// Tracker is the per-sensor last-sequence table. The pipeline loop is the
// only writer; the deadman sweep reads snapshots, hence the mutex.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*SensorState
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*SensorState)}
}

// Admit classifies the packet against the known state for its address and
// updates the table. Stale packets leave LastSeq untouched but still
// refresh LastSeen: a retransmitting sensor is alive.
func (t *Tracker) Admit(p *SensorPacket, now time.Time) Admission {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[p.Address]
	if !ok {
		t.states[p.Address] = &SensorState{
			Address:  p.Address,
			LastSeq:  p.Seq,
			LastSeen: now,
		}
		return AdmitNew
	}

	s.LastSeen = now
	if p.Seq == s.LastSeq {
		return AdmitStale
	}
	s.LastSeq = p.Seq
	return AdmitUpdate
}

// Touch refreshes LastSeen for an address without sequence bookkeeping,
// creating the state if needed. Used for ping signals.
func (t *Tracker) Touch(address string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[address]; ok {
		s.LastSeen = now
		return
	}
	t.states[address] = &SensorState{Address: address, LastSeen: now}
}

// States returns a snapshot of all sensor states for the deadman sweep.
func (t *Tracker) States() []SensorState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SensorState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	return out
}
