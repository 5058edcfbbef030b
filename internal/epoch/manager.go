package epoch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/chainheat/internal/model"
)

// Config holds epoch manager configuration.
type Config struct {
	// DormancyThreshold is the incremental-silence window after which the
	// next snapshot is forced into a new epoch even with identical
	// geometry. Zero disables dormancy rollover.
	DormancyThreshold time.Duration

	// TTL is how long a retired epoch's contracts stay readable before the
	// epoch is reclaimed.
	TTL time.Duration

	// SweepInterval is the reclaim sweep cadence (default: 1s).
	SweepInterval time.Duration
}

// Stats contains manager counters for the diagnostic surface.
type Stats struct {
	Live            int   // Epochs currently held (all states)
	Created         int64 // Epochs minted since start
	ForcedRollovers int64 // Rollovers caused by dormancy, not geometry
	Reclaimed       int64 // Epochs removed by the TTL sweep
}

// Manager owns epoch identity and lifecycle for all symbols.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	epochs     map[model.EpochID]*Epoch
	active     map[string]*atomic.Pointer[Epoch]
	generation map[string]uint64
	reclaimFns []func(model.EpochID)

	created         atomic.Int64
	forcedRollovers atomic.Int64
	reclaimed       atomic.Int64

	// nowFn supplies the sweep clock (µs). Overridable in tests.
	nowFn func() int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an epoch manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		epochs:     make(map[model.EpochID]*Epoch),
		active:     make(map[string]*atomic.Pointer[Epoch]),
		generation: make(map[string]uint64),
		nowFn:      func() int64 { return time.Now().UnixMicro() },
	}
}

// OnReclaim registers a callback invoked with each reclaimed epoch ID.
// Register before Start; the substrate and staging surfaces use this to
// drop per-epoch state.
func (m *Manager) OnReclaim(fn func(model.EpochID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimFns = append(m.reclaimFns, fn)
}

// Start launches the TTL reclaim sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Info("epoch manager started",
		"dormancy_threshold", m.cfg.DormancyThreshold,
		"ttl", m.cfg.TTL,
	)
	return nil
}

// Stop shuts down the sweep loop.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("epoch manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the active epoch for a symbol. Lock-free after the
// per-symbol pointer is resolved; this is the tick path's hot read.
func (m *Manager) Active(symbol string) (*Epoch, bool) {
	m.mu.RLock()
	ptr, ok := m.active[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ep := ptr.Load()
	if ep == nil {
		return nil, false
	}
	return ep, true
}

// Get returns an epoch by ID in any state, as long as it has not been
// reclaimed.
func (m *Manager) Get(id model.EpochID) (*Epoch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.epochs[id]
	return ep, ok
}

// ResolveOrCreate maps a snapshot's geometry to an epoch. If the symbol's
// active epoch has the same geometry hash and is not dormant, it is
// returned unchanged (no churn). Otherwise a new warming epoch is minted;
// the caller hydrates the substrate for it and then calls Promote. nowTS is
// the wall-clock µs at ingestion.
func (m *Manager) ResolveOrCreate(symbol string, geo Geometry, nowTS int64) (ep *Epoch, created bool) {
	hash := geo.Hash()

	if cur, ok := m.Active(symbol); ok && cur.GeometryHash == hash {
		threshold := m.cfg.DormancyThreshold.Microseconds()
		if threshold <= 0 || !cur.dormantAt(nowTS, threshold) {
			return cur, false
		}
		// Dormancy breach: staleness must not silently persist, so the
		// snapshot is forced into a fresh epoch despite identical geometry.
		cur.dormantCount.Add(1)
		cur.forcedRollover.Store(true)
		m.forcedRollovers.Add(1)
		m.logger.Warn("dormancy rollover forced",
			"symbol", symbol,
			"epoch", cur.ID,
			"silent_for", time.Duration(nowTS-cur.lastAcceptedTS.Load())*time.Microsecond,
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.generation[symbol] + 1
	m.generation[symbol] = gen

	ep = &Epoch{
		ID:           makeEpochID(symbol, hash, gen),
		Symbol:       symbol,
		GeometryHash: hash,
		Generation:   gen,
		CreatedTS:    nowTS,
	}
	ep.state.Store(int32(StateWarming))
	m.epochs[ep.ID] = ep
	m.created.Add(1)

	m.logger.Info("epoch created",
		"symbol", symbol,
		"epoch", ep.ID,
		"generation", gen,
	)
	return ep, true
}

// Promote moves a warming epoch to active: the per-symbol pointer is
// swapped in one step and the previous epoch retired with TTL. Called by
// snapshot ingestion once contract writes have completed.
func (m *Manager) Promote(ep *Epoch, nowTS int64) {
	if !ep.state.CompareAndSwap(int32(StateWarming), int32(StateActive)) {
		return
	}
	// Seed the dormancy clock with the activation time so an epoch that
	// never receives a tick still rolls over.
	ep.NoteAccepted(nowTS)

	m.mu.Lock()
	ptr, ok := m.active[ep.Symbol]
	if !ok {
		ptr = &atomic.Pointer[Epoch]{}
		m.active[ep.Symbol] = ptr
	}
	m.mu.Unlock()

	prev := ptr.Swap(ep)
	if prev != nil && prev.ID != ep.ID {
		m.retire(prev, nowTS)
	}

	m.logger.Info("epoch promoted",
		"symbol", ep.Symbol,
		"epoch", ep.ID,
	)
}

// retire marks an epoch retired and schedules it for reclaim.
func (m *Manager) retire(ep *Epoch, nowTS int64) {
	ep.state.Store(int32(StateRetired))
	ep.retainUntilTS.Store(nowTS + m.cfg.TTL.Microseconds())

	m.logger.Info("epoch retired",
		"symbol", ep.Symbol,
		"epoch", ep.ID,
		"had_updates", ep.hadUpdates.Load(),
	)
}

// sweepLoop reclaims expired retired epochs and abandoned warming epochs.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.nowFn())
		}
	}
}

// sweep removes reclaimable epochs and notifies registered callbacks.
func (m *Manager) sweep(nowTS int64) {
	var victims []*Epoch

	m.mu.Lock()
	for id, ep := range m.epochs {
		switch ep.State() {
		case StateRetired:
			if ep.retainUntilTS.Load() <= nowTS {
				delete(m.epochs, id)
				victims = append(victims, ep)
			}
		case StateWarming:
			// A warming epoch older than the TTL was abandoned by a failed
			// snapshot ingest and will never be promoted.
			if ep.CreatedTS+m.cfg.TTL.Microseconds() <= nowTS {
				delete(m.epochs, id)
				victims = append(victims, ep)
			}
		}
	}
	fns := m.reclaimFns
	m.mu.Unlock()

	for _, ep := range victims {
		m.reclaimed.Add(1)
		for _, fn := range fns {
			fn(ep.ID)
		}
		m.logger.Debug("epoch reclaimed", "epoch", ep.ID)
	}
}

// Snapshot returns diagnostic views of all live epochs.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.epochs))
	for _, ep := range m.epochs {
		infos = append(infos, ep.Info())
	}
	return infos
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	live := len(m.epochs)
	m.mu.RUnlock()

	return Stats{
		Live:            live,
		Created:         m.created.Load(),
		ForcedRollovers: m.forcedRollovers.Load(),
		Reclaimed:       m.reclaimed.Load(),
	}
}
