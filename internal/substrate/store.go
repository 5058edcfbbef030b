package substrate

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/chainheat/internal/model"
)

// Rejection conditions. Both are expected in normal operation and never
// escalate; callers only branch on them for accounting.
var (
	// ErrGeometryMiss means an incremental update referenced a contract
	// absent from the epoch. The contract is never synthesized.
	ErrGeometryMiss = errors.New("geometry miss: contract not in epoch")

	// ErrStaleUpdate means the update's event timestamp was not strictly
	// newer than the stored one.
	ErrStaleUpdate = errors.New("stale update: event_ts not newer than stored")

	// ErrEpochUnknown means the epoch was never hydrated or has been
	// reclaimed.
	ErrEpochUnknown = errors.New("epoch unknown")
)

// record wraps one contract with its own lock so quote writes contend on a
// single key, never globally.
type record struct {
	mu sync.Mutex
	c  model.Contract
}

// epochContracts holds all contracts of one epoch. The map is only grown by
// snapshot ingestion while the epoch is warming; afterwards it is
// structurally immutable.
type epochContracts struct {
	mu        sync.RWMutex
	contracts map[model.ContractID]*record
}

// Stats contains substrate counters for the diagnostic surface.
type Stats struct {
	Epochs          int
	SnapshotWrites  int64
	AcceptedUpdates int64
	StaleUpdates    int64
	GeometryMisses  int64
}

// Store is the multi-writer/multi-reader contract substrate.
type Store struct {
	logger *slog.Logger

	mu     sync.RWMutex
	epochs map[model.EpochID]*epochContracts

	snapshotWrites  atomic.Int64
	acceptedUpdates atomic.Int64
	staleUpdates    atomic.Int64
	geometryMisses  atomic.Int64
}

// NewStore creates an empty substrate.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		epochs: make(map[model.EpochID]*epochContracts),
	}
}

// WriteFromSnapshot unconditionally upserts a contract from a chain
// snapshot. This is the only path that creates a contract key.
func (s *Store) WriteFromSnapshot(epochID model.EpochID, sc model.SnapshotContract) {
	ec := s.epochFor(epochID)

	c := model.Contract{
		ID:           sc.ID(),
		Underlying:   sc.Underlying,
		Expiry:       sc.Expiry,
		Strike:       sc.Strike,
		Right:        sc.Right,
		Bid:          sc.Bid,
		Ask:          sc.Ask,
		Mid:          sc.Mid,
		OpenInterest: sc.OpenInterest,
		Greeks:       sc.Greeks,
		EventTS:      sc.EventTS,
	}
	if c.Mid == 0 {
		c.Mid = model.Mid(c.Bid, c.Ask)
	}

	ec.mu.Lock()
	rec, ok := ec.contracts[c.ID]
	if !ok {
		ec.contracts[c.ID] = &record{c: c}
		ec.mu.Unlock()
		s.snapshotWrites.Add(1)
		return
	}
	ec.mu.Unlock()

	rec.mu.Lock()
	rec.c = c
	rec.mu.Unlock()
	s.snapshotWrites.Add(1)
}

// ApplyIncremental applies a tick to an existing contract. Only supplied
// (non-zero) quote fields are overwritten; fixed fields are never touched.
// Updates whose event_ts is not strictly newer than the stored timestamp
// are discarded as stale.
func (s *Store) ApplyIncremental(epochID model.EpochID, upd model.IncrementalUpdate) error {
	s.mu.RLock()
	ec, ok := s.epochs[epochID]
	s.mu.RUnlock()
	if !ok {
		s.geometryMisses.Add(1)
		return ErrEpochUnknown
	}

	ec.mu.RLock()
	rec, ok := ec.contracts[upd.ContractID]
	ec.mu.RUnlock()
	if !ok {
		s.geometryMisses.Add(1)
		return ErrGeometryMiss
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if upd.EventTS <= rec.c.EventTS {
		s.staleUpdates.Add(1)
		return ErrStaleUpdate
	}

	touched := false
	if upd.Bid > 0 {
		rec.c.Bid = upd.Bid
		touched = true
	}
	if upd.Ask > 0 {
		rec.c.Ask = upd.Ask
		touched = true
	}
	if upd.Mid > 0 {
		rec.c.Mid = upd.Mid
		touched = true
	} else if touched {
		rec.c.Mid = model.Mid(rec.c.Bid, rec.c.Ask)
	}
	if upd.LastTrade > 0 {
		rec.c.LastTrade = upd.LastTrade
		touched = true
	}
	if upd.Size > 0 {
		rec.c.Size = upd.Size
		touched = true
	}
	rec.c.EventTS = upd.EventTS

	s.acceptedUpdates.Add(1)
	return nil
}

// Get returns a value copy of one contract.
func (s *Store) Get(epochID model.EpochID, id model.ContractID) (model.Contract, bool) {
	s.mu.RLock()
	ec, ok := s.epochs[epochID]
	s.mu.RUnlock()
	if !ok {
		return model.Contract{}, false
	}

	ec.mu.RLock()
	rec, ok := ec.contracts[id]
	ec.mu.RUnlock()
	if !ok {
		return model.Contract{}, false
	}

	rec.mu.Lock()
	c := rec.c
	rec.mu.Unlock()
	return c, true
}

// Quote returns the calc-facing view of one contract: mid, open interest,
// greeks and event time.
func (s *Store) Quote(epochID model.EpochID, id model.ContractID) (model.Quote, bool) {
	c, ok := s.Get(epochID, id)
	if !ok {
		return model.Quote{}, false
	}
	return model.Quote{
		Mid:          c.Mid,
		OpenInterest: c.OpenInterest,
		Greeks:       c.Greeks,
		EventTS:      c.EventTS,
	}, true
}

// ContractCount returns the number of contracts in an epoch.
func (s *Store) ContractCount(epochID model.EpochID) int {
	s.mu.RLock()
	ec, ok := s.epochs[epochID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return len(ec.contracts)
}

// DropEpoch removes all contracts of a reclaimed epoch. Registered as an
// epoch manager reclaim callback.
func (s *Store) DropEpoch(epochID model.EpochID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.epochs, epochID)
}

// Stats returns substrate counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.epochs)
	s.mu.RUnlock()

	return Stats{
		Epochs:          n,
		SnapshotWrites:  s.snapshotWrites.Load(),
		AcceptedUpdates: s.acceptedUpdates.Load(),
		StaleUpdates:    s.staleUpdates.Load(),
		GeometryMisses:  s.geometryMisses.Load(),
	}
}

// epochFor returns the epoch bucket, creating it if needed.
func (s *Store) epochFor(epochID model.EpochID) *epochContracts {
	s.mu.RLock()
	ec, ok := s.epochs[epochID]
	s.mu.RUnlock()
	if ok {
		return ec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ec, ok = s.epochs[epochID]; ok {
		return ec
	}
	ec = &epochContracts{contracts: make(map[model.ContractID]*record)}
	s.epochs[epochID] = ec
	return ec
}
