package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/publish"
)

// Config holds archive writer configuration.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		QueueSize:     1024,
	}
}

// Metrics contains writer counters for the diagnostic surface.
type Metrics struct {
	Inserts int64
	Errors  int64
	Dropped int64
	Flushes int64
}

// versionRow is one model_versions table row.
type versionRow struct {
	Symbol    string
	Strategy  string
	Version   uint64
	EpochID   string
	CreatedTS int64
	Tiles     []byte // JSONB payload
	Added     int
	Changed   int
	Removed   int
}

// tilePayload is the JSON shape of one archived tile.
type tilePayload struct {
	Expiry     string             `json:"expiry"`
	Strike     model.Price        `json:"strike"`
	Width      model.Price        `json:"width"`
	Legs       []model.ContractID `json:"legs"`
	Debit      model.Price        `json:"debit,omitempty"`
	Value      model.Price        `json:"value,omitempty"`
	Exposure   float64            `json:"exposure,omitempty"`
	LastCalcTS int64              `json:"last_calc_ts"`
}

// Writer consumes publications and writes them to the model_versions
// table. Implements publish.Sink.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     *pgxpool.Pool

	input chan publish.Publication

	batchMu     sync.Mutex
	batch       []versionRow
	metrics     Metrics
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates an archive writer.
func NewWriter(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		db:     db,
		input:  make(chan publish.Publication, cfg.QueueSize),
		batch:  make([]versionRow, 0, cfg.BatchSize),
	}
}

// ArchiveVersion implements publish.Sink. Never blocks: on a full queue
// the publication is dropped and counted.
func (w *Writer) ArchiveVersion(pub publish.Publication) {
	select {
	case w.input <- pub:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming publications and writing batches.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer with a final flush.
func (w *Writer) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("archive writer stopped")
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	w.flush()
	return nil
}

// Stats returns writer counters.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			// Batch whatever was queued before cancellation; Stop's final
			// flush writes it out.
			for {
				select {
				case pub := <-w.input:
					w.handlePublication(pub)
				default:
					return
				}
			}
		case pub := <-w.input:
			w.handlePublication(pub)
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handlePublication transforms and batches one publication.
func (w *Writer) handlePublication(pub publish.Publication) {
	row, err := transform(pub)
	if err != nil {
		w.logger.Error("failed to encode model version", "error", err)
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a publication into a table row, tiles sorted for a
// stable payload.
func transform(pub publish.Publication) (versionRow, error) {
	mv := pub.Model

	keys := make([]model.TileKey, 0, len(mv.Tiles))
	for k := range mv.Tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Expiry != b.Expiry {
			return a.Expiry < b.Expiry
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Width < b.Width
	})

	payload := make([]tilePayload, 0, len(keys))
	for _, k := range keys {
		t := mv.Tiles[k]
		payload = append(payload, tilePayload{
			Expiry:     k.Expiry,
			Strike:     k.Strike,
			Width:      k.Width,
			Legs:       t.Legs,
			Debit:      t.Outputs.Debit,
			Value:      t.Outputs.Value,
			Exposure:   t.Outputs.Exposure,
			LastCalcTS: t.LastCalcTS,
		})
	}

	tiles, err := json.Marshal(payload)
	if err != nil {
		return versionRow{}, err
	}

	return versionRow{
		Symbol:    mv.Symbol,
		Strategy:  string(mv.Strategy),
		Version:   mv.Version,
		EpochID:   string(mv.EpochID),
		CreatedTS: mv.CreatedTS,
		Tiles:     tiles,
		Added:     len(pub.Diff.Added),
		Changed:   len(pub.Diff.Changed),
		Removed:   len(pub.Diff.Removed),
	}, nil
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]versionRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed model versions",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(rows []versionRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO model_versions (symbol, strategy, version, epoch_id, created_ts, tiles, added, changed, removed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (symbol, strategy, version) DO NOTHING`,
			r.Symbol, r.Strategy, r.Version, r.EpochID, r.CreatedTS, r.Tiles, r.Added, r.Changed, r.Removed,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
