package publish

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/chainheat/internal/calc"
	"github.com/rickgao/chainheat/internal/model"
)

// UpdateBufferSize is the capacity of the publication channel.
const UpdateBufferSize = 64

// Config holds publish gate configuration.
type Config struct {
	// ValueThreshold triggers on changed tiles: values in (0,1) are a
	// fraction of defined slots, values >= 1 an absolute changed-tile
	// count. 0 disables the gate.
	ValueThreshold float64

	// MaxQuietCycles is the time boundary expressed in calc cycles
	// (publish_time_boundary_ms / calc_cadence_ms): after this many cycles
	// without a publish, the next cycle with output publishes regardless.
	// Cycle-based rather than wall-clock so replays stay deterministic.
	MaxQuietCycles int
}

// Publication pairs an immutable model version with its diff.
type Publication struct {
	Model *model.ModelVersion
	Diff  model.Diff
}

// Sink receives publications outside the trading data path (e.g. the
// database archive). Must not block.
type Sink interface {
	ArchiveVersion(pub Publication)
}

// Trigger names the gate that fired a publish.
type Trigger string

const (
	TriggerStructural Trigger = "structural"
	TriggerValue      Trigger = "value"
	TriggerTime       Trigger = "time"
)

// Stats contains publisher counters for the diagnostic surface.
type Stats struct {
	Evaluations   int64
	Published     int64
	ByStructural  int64
	ByValue       int64
	ByTime        int64
	LatestVersion uint64
}

// Publisher evaluates publish gates after each calc cycle and maintains
// the versioned model for one (symbol, strategy) pipeline.
type Publisher struct {
	symbol   string
	strategy model.Strategy
	cfg      Config
	logger   *slog.Logger
	sink     Sink

	current  atomic.Pointer[model.ModelVersion]
	previous atomic.Pointer[model.ModelVersion]

	// mu serializes HandleCycle; evaluation is one-per-cycle by contract
	// but the lock keeps version assignment safe regardless of caller.
	mu          sync.Mutex
	versionSeq  uint64
	quietCycles int

	updates chan Publication

	evaluations  atomic.Int64
	published    atomic.Int64
	byStructural atomic.Int64
	byValue      atomic.Int64
	byTime       atomic.Int64
}

// NewPublisher creates a publisher. sink may be nil.
func NewPublisher(symbol string, strategy model.Strategy, cfg Config, sink Sink, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		symbol:   symbol,
		strategy: strategy,
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		updates:  make(chan Publication, UpdateBufferSize),
	}
}

// Updates returns the publication channel. Slow consumers lose the oldest
// publication, never the newest.
func (p *Publisher) Updates() <-chan Publication {
	return p.updates
}

// Current returns the latest published version, nil if none yet.
func (p *Publisher) Current() *model.ModelVersion {
	return p.current.Load()
}

// Previous returns the retained prior version, nil if none.
func (p *Publisher) Previous() *model.ModelVersion {
	return p.previous.Load()
}

// HandleCycle implements calc.CycleHandler: evaluate gates, publish if one
// fires, otherwise let staging keep accumulating against the same base.
func (p *Publisher) HandleCycle(res calc.CycleResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evaluations.Add(1)

	next := buildTiles(res)
	cur := p.current.Load()
	var prevTiles map[model.TileKey]model.PublishedTile
	if cur != nil {
		prevTiles = cur.Tiles
	}
	diff := diffTiles(prevTiles, next)

	trigger, ok := p.evaluate(res, diff)
	if !ok {
		p.quietCycles++
		return
	}

	p.versionSeq++
	mv := &model.ModelVersion{
		EpochID:   cycleEpoch(res, cur),
		Version:   p.versionSeq,
		Symbol:    p.symbol,
		Strategy:  p.strategy,
		CreatedTS: newestCalcTS(next),
		Tiles:     next,
	}

	p.previous.Store(cur)
	p.current.Store(mv)
	p.quietCycles = 0
	p.published.Add(1)

	pub := Publication{Model: mv, Diff: diff}
	p.notify(pub)
	if p.sink != nil {
		p.sink.ArchiveVersion(pub)
	}

	p.logger.Info("model version published",
		"symbol", p.symbol,
		"strategy", p.strategy,
		"version", mv.Version,
		"epoch", mv.EpochID,
		"trigger", trigger,
		"tiles", len(mv.Tiles),
		"added", len(diff.Added),
		"changed", len(diff.Changed),
		"removed", len(diff.Removed),
	)
}

// evaluate applies the OR-gated publish conditions.
func (p *Publisher) evaluate(res calc.CycleResult, diff model.Diff) (Trigger, bool) {
	// Nothing computed and nothing ever published: there is no model to
	// promote, whatever the gates say.
	if len(res.Computed) == 0 && p.current.Load() == nil {
		return "", false
	}

	// Structural completeness: every defined slot has valid outputs.
	if res.TotalSlots > 0 && len(res.Computed) == res.TotalSlots && p.changedCount(diff) > 0 {
		p.byStructural.Add(1)
		return TriggerStructural, true
	}

	// Value completeness: enough tiles changed since the last version.
	if p.cfg.ValueThreshold > 0 {
		changed := p.changedCount(diff)
		threshold := p.cfg.ValueThreshold
		if threshold < 1 {
			threshold = threshold * float64(res.TotalSlots)
		}
		if threshold > 0 && float64(changed) >= threshold {
			p.byValue.Add(1)
			return TriggerValue, true
		}
	}

	// Time boundary: forward progress on quiet markets.
	if p.cfg.MaxQuietCycles > 0 && p.quietCycles >= p.cfg.MaxQuietCycles {
		p.byTime.Add(1)
		return TriggerTime, true
	}

	return "", false
}

func (p *Publisher) changedCount(diff model.Diff) int {
	return len(diff.Added) + len(diff.Changed)
}

// notify delivers a publication, dropping the oldest on a full channel.
func (p *Publisher) notify(pub Publication) {
	select {
	case p.updates <- pub:
	default:
		select {
		case <-p.updates:
			p.updates <- pub
		default:
		}
	}
}

// Stats returns publisher counters.
func (p *Publisher) Stats() Stats {
	var latest uint64
	if cur := p.current.Load(); cur != nil {
		latest = cur.Version
	}
	return Stats{
		Evaluations:   p.evaluations.Load(),
		Published:     p.published.Load(),
		ByStructural:  p.byStructural.Load(),
		ByValue:       p.byValue.Load(),
		ByTime:        p.byTime.Load(),
		LatestVersion: latest,
	}
}

// buildTiles turns a cycle's computed tiles into an immutable published
// tile set. Only tiles calc-eligible at this instant are included.
func buildTiles(res calc.CycleResult) map[model.TileKey]model.PublishedTile {
	tiles := make(map[model.TileKey]model.PublishedTile, len(res.Computed))
	for _, ct := range res.Computed {
		tiles[ct.Key] = model.PublishedTile{
			Key:        ct.Key,
			Legs:       ct.Legs,
			Outputs:    ct.Outputs,
			LastCalcTS: ct.LastCalcTS,
		}
	}
	return tiles
}

// cycleEpoch picks the version's epoch: the computed tiles' epoch, falling
// back to the prior version's on an all-incomplete cycle.
func cycleEpoch(res calc.CycleResult, prev *model.ModelVersion) model.EpochID {
	if len(res.Computed) > 0 {
		return res.Computed[0].Key.Epoch
	}
	if prev != nil {
		return prev.EpochID
	}
	return ""
}

// newestCalcTS derives the version's deterministic creation stamp from its
// tiles.
func newestCalcTS(tiles map[model.TileKey]model.PublishedTile) int64 {
	var ts int64
	for _, t := range tiles {
		if t.LastCalcTS > ts {
			ts = t.LastCalcTS
		}
	}
	return ts
}
