package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chainheat/internal/model"
)

// SnapshotHandler receives fetched chain snapshots.
type SnapshotHandler interface {
	SubmitSnapshot(snap model.ChainSnapshot) error
}

// SnapshotHandlerFunc is a function adapter for SnapshotHandler.
type SnapshotHandlerFunc func(model.ChainSnapshot) error

func (f SnapshotHandlerFunc) SubmitSnapshot(s model.ChainSnapshot) error {
	return f(s)
}

// PollerConfig holds poller configuration.
type PollerConfig struct {
	Interval    time.Duration // Poll interval (default: 5s)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:    5 * time.Second,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Poller periodically fetches complete chain snapshots via the REST API.
// The provider throttles chains to an irregular multi-second cadence; the
// poller is the slow, authoritative input source.
type Poller struct {
	cfg     PollerConfig
	client  *Client
	symbols []string
	handler SnapshotHandler
	logger  *slog.Logger

	fetched atomic.Int64
	failed  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a new chain snapshot poller.
func NewPoller(cfg PollerConfig, client *Client, symbols []string, handler SnapshotHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		symbols: symbols,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("chain poller started",
		"interval", p.cfg.Interval,
		"symbols", len(p.symbols),
	)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("chain poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll fetches chains for all symbols with bounded concurrency.
func (p *Poller) pollAll() {
	start := time.Now()

	g, ctx := errgroup.WithContext(p.ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, symbol := range p.symbols {
		symbol := symbol
		g.Go(func() error {
			if err := p.pollSymbol(ctx, symbol); err != nil {
				p.logger.Warn("failed to poll chain",
					"symbol", symbol,
					"err", err,
				)
				p.failed.Add(1)
				// A failed fetch leaves the last epoch stale-but-valid;
				// only dormancy escalates.
				return nil
			}
			p.fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("poll cycle complete",
		"symbols", len(p.symbols),
		"duration", time.Since(start),
	)
}

// pollSymbol fetches and hands off a single symbol's chain.
func (p *Poller) pollSymbol(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	snap, err := p.client.GetChain(ctx, symbol)
	if err != nil {
		return err
	}

	if p.handler != nil {
		return p.handler.SubmitSnapshot(snap)
	}
	return nil
}

// Stats returns poller counters.
func (p *Poller) Stats() (fetched, failed int64) {
	return p.fetched.Load(), p.failed.Load()
}
