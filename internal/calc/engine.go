package calc

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/staging"
)

// QuoteSource supplies leg quotes at snapshot time. Satisfied by the
// contract substrate.
type QuoteSource interface {
	Quote(epochID model.EpochID, id model.ContractID) (model.Quote, bool)
}

// ComputedTile is one fully-computed tile of a cycle.
type ComputedTile struct {
	Key        model.TileKey
	Legs       []model.ContractID
	Outputs    model.TileOutputs
	LastCalcTS int64
}

// CycleResult is the complete outcome of one calc cycle, handed to the
// publisher for gate evaluation.
type CycleResult struct {
	Symbol   string
	Strategy model.Strategy

	// TotalSlots is the number of defined tile slots in the frozen copy.
	TotalSlots int

	// Computed holds every tile with valid outputs this cycle, in
	// deterministic traversal order.
	Computed []ComputedTile

	Incomplete int // Tiles skipped for missing legs/quotes
	Faults     int // Tiles skipped by a compute fault
}

// CycleHandler receives completed cycle results.
type CycleHandler interface {
	HandleCycle(res CycleResult)
}

// CycleHandlerFunc is a function adapter for CycleHandler.
type CycleHandlerFunc func(CycleResult)

func (f CycleHandlerFunc) HandleCycle(res CycleResult) { f(res) }

// Config holds calc engine configuration.
type Config struct {
	Cadence time.Duration // Cycle interval (reference: 200ms)
}

// Stats contains engine counters for the diagnostic surface.
type Stats struct {
	Cycles     int64
	Computed   int64
	Incomplete int64
	Faults     int64
}

// Engine runs the compute loop for one (symbol, strategy) pipeline.
type Engine struct {
	cfg     Config
	heatmap *staging.Heatmap
	quotes  QuoteSource
	handler CycleHandler
	logger  *slog.Logger

	cycles     atomic.Int64
	computed   atomic.Int64
	incomplete atomic.Int64
	faults     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a calc engine.
func NewEngine(cfg Config, heatmap *staging.Heatmap, quotes QuoteSource, handler CycleHandler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		heatmap: heatmap,
		quotes:  quotes,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the fixed-cadence compute loop.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.run()

	e.logger.Info("calc engine started",
		"symbol", e.heatmap.Symbol(),
		"strategy", e.heatmap.Strategy(),
		"cadence", e.cfg.Cadence,
	)
	return nil
}

// Stop shuts down the compute loop.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("calc engine stopped",
			"symbol", e.heatmap.Symbol(),
			"strategy", e.heatmap.Strategy(),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle()
		}
	}
}

// RunCycle executes one compute cycle: freeze, traverse, write back, hand
// the result to the cycle handler. Exported so tests and replay tooling can
// drive cycles without the timer.
func (e *Engine) RunCycle() CycleResult {
	f := e.freeze()

	res := CycleResult{
		Symbol:     e.heatmap.Symbol(),
		Strategy:   e.heatmap.Strategy(),
		TotalSlots: len(f.view.Tiles),
	}

	// Row-by-row over strikes, and within each row over the width set.
	// Completeness is topological, so the frozen copy includes clean tiles.
	tiles := f.view.Tiles
	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i].Key, tiles[j].Key
		if a.Expiry != b.Expiry {
			return a.Expiry < b.Expiry
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Width < b.Width
	})

	for _, t := range tiles {
		e.computeOne(f, t, &res)
	}

	e.cycles.Add(1)
	e.computed.Add(int64(len(res.Computed)))
	e.incomplete.Add(int64(res.Incomplete))
	e.faults.Add(int64(res.Faults))

	if e.handler != nil {
		e.handler.HandleCycle(res)
	}
	return res
}

// computeOne evaluates a single tile with fault isolation: a panic is
// contained to the tile, counted, and the tile re-flagged dirty.
func (e *Engine) computeOne(f *frozen, t staging.TileView, res *CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Faults++
			e.heatmap.MarkDirty(t.Key)
			e.logger.Error("tile compute fault",
				"tile", t.Key.String(),
				"panic", r,
			)
		}
	}()

	out, err := computeTile(f, t)
	if err != nil {
		if ie, ok := err.(*incompleteError); ok {
			// Missing leg: write nothing this cycle, no partial outputs.
			res.Incomplete++
			e.heatmap.SetEligibility(t.Key, false, ie.reason)
			return
		}
		res.Faults++
		e.heatmap.MarkDirty(t.Key)
		e.logger.Error("tile compute failed",
			"tile", t.Key.String(),
			"err", err,
		)
		return
	}

	ts := calcTimestamp(f, t)
	e.heatmap.SetEligibility(t.Key, true)
	e.heatmap.CommitOutputs(t.Key, out, ts)

	res.Computed = append(res.Computed, ComputedTile{
		Key:        t.Key,
		Legs:       t.Legs,
		Outputs:    out,
		LastCalcTS: ts,
	})
}

// freeze snapshots the staging surface and captures every referenced leg
// quote. After this returns, the cycle touches no live state.
func (e *Engine) freeze() *frozen {
	view := e.heatmap.Snapshot()

	f := &frozen{
		view:   view,
		quotes: make(map[legRef]model.Quote),
	}
	for _, t := range view.Tiles {
		for _, leg := range t.Legs {
			ref := legRef{Epoch: t.Key.Epoch, ID: leg}
			if _, ok := f.quotes[ref]; ok {
				continue
			}
			if q, ok := e.quotes.Quote(ref.Epoch, ref.ID); ok {
				f.quotes[ref] = q
			}
		}
	}
	return f
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cycles:     e.cycles.Load(),
		Computed:   e.computed.Load(),
		Incomplete: e.incomplete.Load(),
		Faults:     e.faults.Load(),
	}
}
