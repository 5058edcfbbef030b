package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/chainheat/internal/epoch"
	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/staging"
	"github.com/rickgao/chainheat/internal/substrate"
)

// Config holds ingestor configuration.
type Config struct {
	SnapshotQueueSize int
	TickQueueSize     int

	// Widths is the per-symbol width set in Price units.
	Widths map[string][]model.Price
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotQueueSize: 16,
		TickQueueSize:     4096,
	}
}

// Stats contains ingestor counters for the diagnostic surface.
type Stats struct {
	SnapshotsIngested int64
	TicksAccepted     int64
	TicksStale        int64
	TicksGeometryMiss int64
	TicksNoEpoch      int64
	SnapshotQueue     QueueStats
	TickQueue         QueueStats
}

// Ingestor drives both input paths into the core. One worker per input
// source: snapshots and ticks communicate only through the substrate and
// the staging heatmaps.
type Ingestor struct {
	cfg    Config
	logger *slog.Logger

	epochs *epoch.Manager
	store  *substrate.Store

	// heatmaps lists every strategy surface per symbol.
	heatmaps map[string][]*staging.Heatmap

	snapshots *Queue[model.ChainSnapshot]
	ticks     *Queue[model.IncrementalUpdate]

	snapshotsIngested atomic.Int64
	ticksAccepted     atomic.Int64
	ticksStale        atomic.Int64
	ticksGeomMiss     atomic.Int64
	ticksNoEpoch      atomic.Int64

	// nowFn supplies the wall clock (µs) for dormancy tracking.
	// Overridable in tests.
	nowFn func() int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor creates an ingestor over the shared substrate and epoch
// manager, fanning into the given per-symbol heatmaps.
func NewIngestor(cfg Config, epochs *epoch.Manager, store *substrate.Store, heatmaps map[string][]*staging.Heatmap, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SnapshotQueueSize == 0 {
		cfg.SnapshotQueueSize = DefaultConfig().SnapshotQueueSize
	}
	if cfg.TickQueueSize == 0 {
		cfg.TickQueueSize = DefaultConfig().TickQueueSize
	}
	return &Ingestor{
		cfg:       cfg,
		logger:    logger,
		epochs:    epochs,
		store:     store,
		heatmaps:  heatmaps,
		snapshots: NewQueue[model.ChainSnapshot](cfg.SnapshotQueueSize),
		ticks:     NewQueue[model.IncrementalUpdate](cfg.TickQueueSize),
		nowFn:     func() int64 { return time.Now().UnixMicro() },
	}
}

// Start launches the two ingestion workers.
func (g *Ingestor) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(2)
	go g.snapshotLoop()
	go g.tickLoop()

	g.logger.Info("ingestor started",
		"symbols", len(g.heatmaps),
	)
	return nil
}

// Stop drains and shuts down the workers.
func (g *Ingestor) Stop(ctx context.Context) error {
	g.snapshots.Close()
	g.ticks.Close()
	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("ingestor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitSnapshot queues a chain snapshot. Implements the feed's
// SnapshotHandler contract.
func (g *Ingestor) SubmitSnapshot(snap model.ChainSnapshot) error {
	if !g.snapshots.Send(snap) {
		return errors.New("ingestor stopped")
	}
	return nil
}

// SubmitTick queues an incremental update. Implements the feed's
// TickHandler contract.
func (g *Ingestor) SubmitTick(upd model.IncrementalUpdate) error {
	if !g.ticks.Send(upd) {
		return errors.New("ingestor stopped")
	}
	return nil
}

func (g *Ingestor) snapshotLoop() {
	defer g.wg.Done()
	for {
		snap, ok := g.snapshots.Receive()
		if !ok {
			return
		}
		g.IngestSnapshot(snap)
	}
}

func (g *Ingestor) tickLoop() {
	defer g.wg.Done()
	for {
		upd, ok := g.ticks.Receive()
		if !ok {
			return
		}
		g.ApplyTick(upd)
	}
}

// IngestSnapshot runs the full snapshot path synchronously: epoch
// resolution, substrate hydration, epoch promotion, tile admission.
func (g *Ingestor) IngestSnapshot(snap model.ChainSnapshot) {
	if len(snap.Contracts) == 0 {
		// A snapshot with zero contracts defines zero tiles; not an error.
		g.logger.Debug("empty snapshot ignored", "symbol", snap.Underlying)
		return
	}

	now := g.nowFn()
	start := time.Now()

	geo := epoch.GeometryFromSnapshot(snap, g.cfg.Widths[snap.Underlying])
	ep, created := g.epochs.ResolveOrCreate(snap.Underlying, geo, now)

	// Hydrate before promotion so ticks never resolve into a half-written
	// epoch.
	for _, c := range snap.Contracts {
		g.store.WriteFromSnapshot(ep.ID, c)
	}
	if created {
		g.epochs.Promote(ep, now)
	}

	admitted, refreshed := 0, 0
	for _, h := range g.heatmaps[snap.Underlying] {
		if created {
			// Superseded tiles go before the new epoch's candidates arrive,
			// so a concurrent calc freeze never captures two epochs at once.
			h.PruneExcept(ep.ID)
		}
		for _, cand := range buildCandidates(ep.ID, h.Strategy(), snap, g.cfg.Widths[snap.Underlying]) {
			switch h.Admit(cand) {
			case staging.AdmitInserted:
				admitted++
			case staging.AdmitRefreshed:
				refreshed++
			}
			g.evaluateEligibility(h, ep.ID, cand)
		}
	}

	g.snapshotsIngested.Add(1)
	g.logger.Info("snapshot ingested",
		"symbol", snap.Underlying,
		"epoch", ep.ID,
		"new_epoch", created,
		"contracts", len(snap.Contracts),
		"tiles_admitted", admitted,
		"tiles_refreshed", refreshed,
		"duration", time.Since(start),
	)
}

// evaluateEligibility checks a tile's structural constraints: every
// required leg contract must exist in the epoch. Independent of dirtiness.
func (g *Ingestor) evaluateEligibility(h *staging.Heatmap, epochID model.EpochID, cand staging.Candidate) {
	var reasons []string
	for i, leg := range cand.Legs {
		if _, ok := g.store.Get(epochID, leg); !ok {
			reasons = append(reasons, "missing_"+model.LegName(cand.Key.Strategy, i))
		}
	}
	h.SetEligibility(cand.Key, len(reasons) == 0, reasons...)
}

// ApplyTick runs the full tick path synchronously: resolve the contract in
// the active epoch, apply by event time, mark tiles dirty.
func (g *Ingestor) ApplyTick(upd model.IncrementalUpdate) {
	symbol := upd.ContractID.Underlying()

	ep, ok := g.epochs.Active(symbol)
	if !ok {
		// No snapshot has ever arrived for this symbol: counted, discarded,
		// never fatal.
		g.ticksNoEpoch.Add(1)
		return
	}

	if err := g.store.ApplyIncremental(ep.ID, upd); err != nil {
		switch {
		case errors.Is(err, substrate.ErrStaleUpdate):
			g.ticksStale.Add(1)
		case errors.Is(err, substrate.ErrGeometryMiss), errors.Is(err, substrate.ErrEpochUnknown):
			g.ticksGeomMiss.Add(1)
		}
		return
	}

	// Accepted: feed the dormancy clock and dirty the dependent tiles.
	ep.NoteAccepted(g.nowFn())
	for _, h := range g.heatmaps[symbol] {
		h.MarkDirtyByContract(ep.ID, upd.ContractID, upd.EventTS)
	}
	g.ticksAccepted.Add(1)
}

// Stats returns ingestor counters.
func (g *Ingestor) Stats() Stats {
	return Stats{
		SnapshotsIngested: g.snapshotsIngested.Load(),
		TicksAccepted:     g.ticksAccepted.Load(),
		TicksStale:        g.ticksStale.Load(),
		TicksGeometryMiss: g.ticksGeomMiss.Load(),
		TicksNoEpoch:      g.ticksNoEpoch.Load(),
		SnapshotQueue:     g.snapshots.Stats(),
		TickQueue:         g.ticks.Stats(),
	}
}
