package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/rickgao/chainheat/internal/calc"
	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/publish"
	"github.com/rickgao/chainheat/internal/staging"
)

// Config holds per-triad settings.
type Config struct {
	CalcCadence    time.Duration
	ValueThreshold float64
	TimeBoundary   time.Duration
}

// Stats aggregates the triad's diagnostic counters.
type Stats struct {
	Symbol   string         `json:"symbol"`
	Strategy model.Strategy `json:"strategy"`
	Staging  staging.Stats  `json:"staging"`
	Calc     calc.Stats     `json:"calc"`
	Publish  publish.Stats  `json:"publish"`
}

// Pipeline is one (symbol, strategy) materialization triad.
type Pipeline struct {
	symbol   string
	strategy model.Strategy

	Heatmap   *staging.Heatmap
	Engine    *calc.Engine
	Publisher *publish.Publisher
}

// New wires a triad: the calc engine snapshots the heatmap, reads quotes,
// and hands each completed cycle to the publisher.
func New(symbol string, strategy model.Strategy, cfg Config, quotes calc.QuoteSource, sink publish.Sink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("symbol", symbol, "strategy", strategy)

	heatmap := staging.NewHeatmap(symbol, strategy, logger)

	maxQuiet := 0
	if cfg.TimeBoundary > 0 && cfg.CalcCadence > 0 {
		maxQuiet = int(cfg.TimeBoundary / cfg.CalcCadence)
		if maxQuiet < 1 {
			maxQuiet = 1
		}
	}
	pub := publish.NewPublisher(symbol, strategy, publish.Config{
		ValueThreshold: cfg.ValueThreshold,
		MaxQuietCycles: maxQuiet,
	}, sink, logger)

	engine := calc.NewEngine(calc.Config{Cadence: cfg.CalcCadence}, heatmap, quotes, pub, logger)

	return &Pipeline{
		symbol:    symbol,
		strategy:  strategy,
		Heatmap:   heatmap,
		Engine:    engine,
		Publisher: pub,
	}
}

// Symbol returns the pipeline's underlying symbol.
func (p *Pipeline) Symbol() string { return p.symbol }

// Strategy returns the pipeline's strategy.
func (p *Pipeline) Strategy() model.Strategy { return p.strategy }

// Start launches the calc loop.
func (p *Pipeline) Start(ctx context.Context) error {
	return p.Engine.Start(ctx)
}

// Stop shuts the calc loop down.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.Engine.Stop(ctx)
}

// Stats returns the triad's diagnostic counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Symbol:   p.symbol,
		Strategy: p.strategy,
		Staging:  p.Heatmap.Stats(),
		Calc:     p.Engine.Stats(),
		Publish:  p.Publisher.Stats(),
	}
}
