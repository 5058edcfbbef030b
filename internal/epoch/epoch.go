package epoch

import (
	"sync/atomic"

	"github.com/rickgao/chainheat/internal/model"
)

// State is the lifecycle state of an epoch.
type State int32

const (
	// StateWarming covers the window between snapshot ingestion starting
	// and contract writes completing. Ticks never resolve into a warming
	// epoch.
	StateWarming State = iota

	// StateActive means the epoch is the tick-resolution target for its
	// symbol. Topology is immutable; only contract values change.
	StateActive

	// StateRetired is terminal. Contracts stay readable until the TTL
	// expires, then the epoch is reclaimed.
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateWarming:
		return "warming"
	case StateActive:
		return "active"
	case StateRetired:
		return "retired"
	}
	return "unknown"
}

// Epoch is one topology-bound window. Identity fields are immutable after
// creation; lifecycle fields are managed by the Manager.
type Epoch struct {
	ID           model.EpochID
	Symbol       string
	GeometryHash string
	Generation   uint64
	CreatedTS    int64 // µs since epoch

	state atomic.Int32

	// lastAcceptedTS is the wall-clock µs timestamp of the last accepted
	// incremental update, seeded with the activation time. Written by the
	// tick path, read by dormancy checks.
	lastAcceptedTS atomic.Int64

	// hadUpdates records whether any incremental update was ever accepted.
	hadUpdates atomic.Bool

	// dormantCount counts dormancy observations against this epoch.
	dormantCount atomic.Int64

	// forcedRollover marks an epoch that was superseded by dormancy rather
	// than a geometry change.
	forcedRollover atomic.Bool

	// retainUntilTS is the reclaim deadline (µs) once retired.
	retainUntilTS atomic.Int64
}

// State returns the current lifecycle state.
func (e *Epoch) State() State {
	return State(e.state.Load())
}

// HadUpdates reports whether any incremental update was accepted.
func (e *Epoch) HadUpdates() bool {
	return e.hadUpdates.Load()
}

// DormantCount returns the number of dormancy observations.
func (e *Epoch) DormantCount() int64 {
	return e.dormantCount.Load()
}

// ForcedRollover reports whether this epoch was retired by dormancy.
func (e *Epoch) ForcedRollover() bool {
	return e.forcedRollover.Load()
}

// NoteAccepted records an accepted incremental update at eventWallTS (µs).
// Called by the ingest tick path after the substrate accepts a write.
func (e *Epoch) NoteAccepted(wallTS int64) {
	e.hadUpdates.Store(true)
	// Monotonic max: late callers must not rewind the dormancy clock.
	for {
		cur := e.lastAcceptedTS.Load()
		if wallTS <= cur {
			return
		}
		if e.lastAcceptedTS.CompareAndSwap(cur, wallTS) {
			return
		}
	}
}

// dormantAt reports whether the epoch has gone at least threshold µs
// without an accepted update as of wallTS.
func (e *Epoch) dormantAt(wallTS, thresholdMicros int64) bool {
	return wallTS-e.lastAcceptedTS.Load() >= thresholdMicros
}

// Info is the read-only diagnostic view of one epoch.
type Info struct {
	ID             model.EpochID `json:"id"`
	Symbol         string        `json:"symbol"`
	GeometryHash   string        `json:"geometry_hash"`
	Generation     uint64        `json:"generation"`
	State          string        `json:"state"`
	CreatedTS      int64         `json:"created_ts"`
	HadUpdates     bool          `json:"had_updates"`
	DormantCount   int64         `json:"dormant_count"`
	ForcedRollover bool          `json:"forced_rollover"`
	RetainUntilTS  int64         `json:"retain_until_ts,omitempty"`
}

// Info returns the diagnostic view.
func (e *Epoch) Info() Info {
	return Info{
		ID:             e.ID,
		Symbol:         e.Symbol,
		GeometryHash:   e.GeometryHash,
		Generation:     e.Generation,
		State:          e.State().String(),
		CreatedTS:      e.CreatedTS,
		HadUpdates:     e.hadUpdates.Load(),
		DormantCount:   e.dormantCount.Load(),
		ForcedRollover: e.forcedRollover.Load(),
		RetainUntilTS:  e.retainUntilTS.Load(),
	}
}
