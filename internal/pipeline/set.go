package pipeline

import (
	"context"
	"log/slog"

	"github.com/rickgao/chainheat/internal/calc"
	"github.com/rickgao/chainheat/internal/config"
	"github.com/rickgao/chainheat/internal/epoch"
	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/publish"
	"github.com/rickgao/chainheat/internal/staging"
)

// Set is the full collection of triads for a configured engine, one per
// (symbol, strategy).
type Set struct {
	Pipelines []*Pipeline

	// Heatmaps indexes the staging surfaces per symbol for the ingestor.
	Heatmaps map[string][]*staging.Heatmap

	// Widths is the per-symbol width set in Price units.
	Widths map[string][]model.Price
}

// BuildSet constructs every triad from configuration, wires epoch reclaim
// into each staging surface, and shares a single quote source across all
// triads.
func BuildSet(cfg config.PipelineConfig, epochs *epoch.Manager, quotes calc.QuoteSource, sink publish.Sink, logger *slog.Logger) *Set {
	triadCfg := Config{
		CalcCadence:    cfg.CalcCadence(),
		ValueThreshold: cfg.PublishValueThreshold,
		TimeBoundary:   cfg.PublishTimeBoundary(),
	}

	set := &Set{
		Heatmaps: make(map[string][]*staging.Heatmap),
		Widths:   make(map[string][]model.Price),
	}

	for _, sym := range cfg.Symbols {
		widths := make([]model.Price, 0, len(sym.Widths))
		for _, w := range sym.Widths {
			widths = append(widths, model.PriceFromDollars(w))
		}
		set.Widths[sym.Symbol] = widths

		for _, strategy := range model.Strategies {
			p := New(sym.Symbol, strategy, triadCfg, quotes, sink, logger)
			set.Pipelines = append(set.Pipelines, p)
			set.Heatmaps[sym.Symbol] = append(set.Heatmaps[sym.Symbol], p.Heatmap)

			epochs.OnReclaim(p.Heatmap.DropEpoch)
		}
	}

	return set
}

// Start launches every triad.
func (s *Set) Start(ctx context.Context) error {
	for _, p := range s.Pipelines {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts every triad down, returning the first error.
func (s *Set) Stop(ctx context.Context) error {
	var firstErr error
	for _, p := range s.Pipelines {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns diagnostic counters for every triad.
func (s *Set) Stats() []Stats {
	out := make([]Stats, 0, len(s.Pipelines))
	for _, p := range s.Pipelines {
		out = append(out, p.Stats())
	}
	return out
}
