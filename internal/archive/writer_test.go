package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/publish"
)

func testVersion() *model.ModelVersion {
	epochID := model.EpochID("SPX:aaaaaaaaaaaa:g1")
	tiles := make(map[model.TileKey]model.PublishedTile)
	for _, strike := range []model.Price{1_100_000, 1_000_000, 1_050_000} {
		key := model.TileKey{
			Epoch:    epochID,
			Strategy: model.StrategyButterfly,
			Expiry:   "2026-01-16",
			Strike:   strike,
			Width:    50_000,
		}
		tiles[key] = model.PublishedTile{
			Key:        key,
			Legs:       []model.ContractID{"a", "b", "c"},
			Outputs:    model.TileOutputs{Debit: strike / 100},
			LastCalcTS: 900,
		}
	}
	return &model.ModelVersion{
		EpochID:   epochID,
		Version:   7,
		Symbol:    "SPX",
		Strategy:  model.StrategyButterfly,
		CreatedTS: 900,
		Tiles:     tiles,
	}
}

func TestTransform(t *testing.T) {
	pub := publish.Publication{
		Model: testVersion(),
		Diff: model.Diff{
			Added:   []model.TileKey{{Strike: 1}},
			Changed: []model.TileKey{{Strike: 2}, {Strike: 3}},
		},
	}

	row, err := transform(pub)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	if row.Symbol != "SPX" || row.Strategy != "butterfly" || row.Version != 7 {
		t.Errorf("row identity = %s/%s/v%d", row.Symbol, row.Strategy, row.Version)
	}
	if row.EpochID != "SPX:aaaaaaaaaaaa:g1" {
		t.Errorf("EpochID = %q", row.EpochID)
	}
	if row.Added != 1 || row.Changed != 2 || row.Removed != 0 {
		t.Errorf("diff counts = %d/%d/%d", row.Added, row.Changed, row.Removed)
	}

	var payload []tilePayload
	if err := json.Unmarshal(row.Tiles, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload) != 3 {
		t.Fatalf("len(payload) = %d, want 3", len(payload))
	}
	// Payload is sorted by strike for stable archive bytes.
	for i := 1; i < len(payload); i++ {
		if payload[i-1].Strike > payload[i].Strike {
			t.Fatalf("payload not sorted: %d before %d", payload[i-1].Strike, payload[i].Strike)
		}
	}
	if payload[0].Debit != 10_000 {
		t.Errorf("Debit = %d, want 10000", payload[0].Debit)
	}
	if len(payload[0].Legs) != 3 {
		t.Errorf("Legs = %v", payload[0].Legs)
	}
}

func TestTransform_Deterministic(t *testing.T) {
	pub := publish.Publication{Model: testVersion()}

	r1, err := transform(pub)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	r2, err := transform(pub)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if string(r1.Tiles) != string(r2.Tiles) {
		t.Error("payload bytes differ across identical transforms")
	}
}

func TestWriter_DropsWhenQueueFull(t *testing.T) {
	w := NewWriter(Config{QueueSize: 1}, nil, nil)

	pub := publish.Publication{Model: testVersion()}
	w.ArchiveVersion(pub) // Fills the queue; no consumer is running.
	w.ArchiveVersion(pub) // Dropped, counted, never blocks.

	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestWriter_DrainsQueuedOnShutdown(t *testing.T) {
	w := NewWriter(Config{QueueSize: 8, BatchSize: 100, FlushInterval: time.Hour}, nil, nil)
	w.ctx, w.cancel = context.WithCancel(context.Background())

	// Publications queued before cancellation still reach the batch so the
	// final flush can write them.
	pub := publish.Publication{Model: testVersion()}
	for i := 0; i < 3; i++ {
		w.ArchiveVersion(pub)
	}
	w.cancel()

	w.wg.Add(1)
	go w.consumeLoop()
	w.wg.Wait()

	w.batchMu.Lock()
	got := len(w.batch)
	w.batchMu.Unlock()
	if got != 3 {
		t.Errorf("batched after shutdown = %d, want 3", got)
	}
}
