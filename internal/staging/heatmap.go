package staging

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/chainheat/internal/model"
)

// Tile is one mutable staging tile. Key and Legs are immutable after first
// admission; everything else changes across calc cycles.
type Tile struct {
	Key  model.TileKey
	Legs []model.ContractID // Required contracts in leg order

	Dirty        bool
	Eligible     bool
	Reasons      *ReasonLog
	LastUpdateTS int64 // Newest input event timestamp (µs)
	LastCalcTS   int64 // µs of the last successful compute, 0 if never

	Outputs *model.TileOutputs // nil until the first successful compute
}

// Candidate is a tile admission request built from snapshot geometry.
type Candidate struct {
	Key     model.TileKey
	Legs    []model.ContractID
	EventTS int64 // Input event timestamp driving rules B/C
}

// AdmitResult classifies the admission outcome.
type AdmitResult int

const (
	// AdmitInserted means no tile existed for the slot (rule A).
	AdmitInserted AdmitResult = iota
	// AdmitRefreshed means an existing tile took newer inputs (rule B).
	AdmitRefreshed
	// AdmitDiscarded means the candidate was not newer (rule C). Rule C is
	// what makes replay deterministic independent of delivery order.
	AdmitDiscarded
)

// TileView is the frozen per-tile view inside a calc snapshot.
type TileView struct {
	Key          model.TileKey
	Legs         []model.ContractID
	Dirty        bool
	Eligible     bool
	LastUpdateTS int64
	HasOutputs   bool
	Outputs      model.TileOutputs
}

// View is an immutable point-in-time copy of the staging surface: the sole
// input to computation.
type View struct {
	Symbol   string
	Strategy model.Strategy
	Tiles    []TileView
}

// Stats contains heatmap counters for the diagnostic surface.
type Stats struct {
	Tiles      int
	DirtyTiles int
	Inserted   int64
	Refreshed  int64
	Discarded  int64
	DirtyMarks int64
}

// Heatmap is the staging surface for one (symbol, strategy) pipeline.
type Heatmap struct {
	symbol   string
	strategy model.Strategy
	logger   *slog.Logger

	mu         sync.RWMutex
	tiles      map[model.TileKey]*Tile
	byContract map[model.ContractID][]model.TileKey

	inserted   atomic.Int64
	refreshed  atomic.Int64
	discarded  atomic.Int64
	dirtyMarks atomic.Int64
}

// NewHeatmap creates an empty staging surface.
func NewHeatmap(symbol string, strategy model.Strategy, logger *slog.Logger) *Heatmap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heatmap{
		symbol:     symbol,
		strategy:   strategy,
		logger:     logger,
		tiles:      make(map[model.TileKey]*Tile),
		byContract: make(map[model.ContractID][]model.TileKey),
	}
}

// Symbol returns the heatmap's underlying symbol.
func (h *Heatmap) Symbol() string { return h.symbol }

// Strategy returns the heatmap's strategy.
func (h *Heatmap) Strategy() model.Strategy { return h.strategy }

// Admit applies the admission rule to a candidate:
//
//	A: no tile for the slot       -> insert, mark dirty
//	B: candidate inputs are newer -> refresh inputs, mark dirty
//	C: candidate not newer        -> discard silently
func (h *Heatmap) Admit(c Candidate) AdmitResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tiles[c.Key]
	if !ok {
		t = &Tile{
			Key:          c.Key,
			Legs:         append([]model.ContractID(nil), c.Legs...),
			Dirty:        true,
			Reasons:      NewReasonLog(),
			LastUpdateTS: c.EventTS,
		}
		h.tiles[c.Key] = t
		for _, leg := range t.Legs {
			h.byContract[leg] = append(h.byContract[leg], c.Key)
		}
		h.inserted.Add(1)
		return AdmitInserted
	}

	if c.EventTS > t.LastUpdateTS {
		// Geometry is immutable once admitted; only input freshness moves.
		t.LastUpdateTS = c.EventTS
		t.Dirty = true
		h.refreshed.Add(1)
		return AdmitRefreshed
	}

	h.discarded.Add(1)
	return AdmitDiscarded
}

// MarkDirtyByContract marks every tile of the given epoch that references
// the contract as dirty. Returns the number of tiles marked. Called by the
// ingest tick path after a substrate write is accepted.
func (h *Heatmap) MarkDirtyByContract(epochID model.EpochID, id model.ContractID, eventTS int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	marked := 0
	for _, key := range h.byContract[id] {
		if key.Epoch != epochID {
			continue
		}
		t, ok := h.tiles[key]
		if !ok {
			continue
		}
		t.Dirty = true
		if eventTS > t.LastUpdateTS {
			t.LastUpdateTS = eventTS
		}
		marked++
	}
	if marked > 0 {
		h.dirtyMarks.Add(int64(marked))
	}
	return marked
}

// SetEligibility records a tile's structural eligibility. Ineligibility
// reasons are appended to the tile's audit log, never cleared. Evaluated
// independently of dirtiness. Lookup and write share one critical section:
// a tile pruned concurrently is never written.
func (h *Heatmap) SetEligibility(key model.TileKey, eligible bool, reasons ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tiles[key]
	if !ok {
		return
	}
	t.Eligible = eligible
	if !eligible {
		for _, r := range reasons {
			t.Reasons.Append(r)
		}
	}
}

// Snapshot takes an atomic full copy of the surface, including clean tiles
// (a clean neighbor may supply a wing contract a dirty tile needs), and
// resets dirty flags in place. Flags only: tile data is untouched, so
// ingestion is never blocked. The exclusive lock is held only for the O(n)
// copy.
func (h *Heatmap) Snapshot() *View {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := &View{
		Symbol:   h.symbol,
		Strategy: h.strategy,
		Tiles:    make([]TileView, 0, len(h.tiles)),
	}
	for _, t := range h.tiles {
		tv := TileView{
			Key:          t.Key,
			Legs:         t.Legs, // Immutable after admission, safe to share
			Dirty:        t.Dirty,
			Eligible:     t.Eligible,
			LastUpdateTS: t.LastUpdateTS,
		}
		if t.Outputs != nil {
			tv.HasOutputs = true
			tv.Outputs = *t.Outputs
		}
		v.Tiles = append(v.Tiles, tv)
		t.Dirty = false
	}
	return v
}

// CommitOutputs overwrites a tile's outputs wholesale after a successful
// compute and stamps the calc time. Only the calc engine calls this.
func (h *Heatmap) CommitOutputs(key model.TileKey, out model.TileOutputs, calcTS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tiles[key]
	if !ok {
		return
	}
	o := out
	t.Outputs = &o
	t.LastCalcTS = calcTS
}

// MarkDirty re-flags a tile whose compute faulted after the snapshot
// already cleared it, preserving "dirty until successfully computed".
func (h *Heatmap) MarkDirty(key model.TileKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.tiles[key]; ok {
		t.Dirty = true
	}
}

// Reasons returns the audit log entries for one tile.
func (h *Heatmap) Reasons(key model.TileKey) []string {
	h.mu.RLock()
	t, ok := h.tiles[key]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.Reasons.Entries()
}

// PruneExcept drops every tile not belonging to the given epoch. Called by
// snapshot ingestion after a rollover: superseded topology is never
// computed again.
func (h *Heatmap) PruneExcept(epochID model.EpochID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruneLocked(func(k model.TileKey) bool { return k.Epoch != epochID })
}

// DropEpoch drops every tile of a reclaimed epoch. Registered as an epoch
// manager reclaim callback.
func (h *Heatmap) DropEpoch(epochID model.EpochID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(func(k model.TileKey) bool { return k.Epoch == epochID })
}

// pruneLocked removes tiles matching the predicate and rebuilds the
// reverse index. Caller holds the write lock.
func (h *Heatmap) pruneLocked(match func(model.TileKey) bool) int {
	removed := 0
	for key := range h.tiles {
		if match(key) {
			delete(h.tiles, key)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	for id := range h.byContract {
		delete(h.byContract, id)
	}
	for key, t := range h.tiles {
		for _, leg := range t.Legs {
			h.byContract[leg] = append(h.byContract[leg], key)
		}
	}
	return removed
}

// Stats returns heatmap counters.
func (h *Heatmap) Stats() Stats {
	h.mu.RLock()
	tiles := len(h.tiles)
	dirty := 0
	for _, t := range h.tiles {
		if t.Dirty {
			dirty++
		}
	}
	h.mu.RUnlock()

	return Stats{
		Tiles:      tiles,
		DirtyTiles: dirty,
		Inserted:   h.inserted.Load(),
		Refreshed:  h.refreshed.Load(),
		Discarded:  h.discarded.Load(),
		DirtyMarks: h.dirtyMarks.Load(),
	}
}
