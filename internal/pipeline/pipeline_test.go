package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/chainheat/internal/config"
	"github.com/rickgao/chainheat/internal/epoch"
	"github.com/rickgao/chainheat/internal/ingest"
	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/publish"
	"github.com/rickgao/chainheat/internal/substrate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		CalcCadenceMS:         200,
		DormancyThresholdS:    5,
		EpochTTLS:             60,
		PublishTimeBoundaryMS: 2000,
		Symbols: []config.SymbolConfig{
			{Symbol: "SPX", Widths: []float64{5, 10}},
			{Symbol: "NDX", Widths: []float64{25}},
		},
	}
}

func TestBuildSet(t *testing.T) {
	epochs := epoch.NewManager(epoch.Config{TTL: time.Minute}, testLogger())
	store := substrate.NewStore(testLogger())

	set := BuildSet(testPipelineConfig(), epochs, store, nil, testLogger())

	// One triad per (symbol, strategy).
	want := 2 * len(model.Strategies)
	if len(set.Pipelines) != want {
		t.Fatalf("len(Pipelines) = %d, want %d", len(set.Pipelines), want)
	}
	if len(set.Heatmaps["SPX"]) != len(model.Strategies) {
		t.Errorf("SPX heatmaps = %d, want %d", len(set.Heatmaps["SPX"]), len(model.Strategies))
	}

	// Widths are converted to integer price units.
	if got := set.Widths["SPX"]; len(got) != 2 || got[0] != 50_000 || got[1] != 100_000 {
		t.Errorf("SPX widths = %v, want [50000 100000]", got)
	}
	if got := set.Widths["NDX"]; len(got) != 1 || got[0] != 250_000 {
		t.Errorf("NDX widths = %v, want [250000]", got)
	}
}

// recordingSink captures publications in arrival order.
type recordingSink struct {
	mu   sync.Mutex
	pubs []publish.Publication
}

func (s *recordingSink) ArchiveVersion(pub publish.Publication) {
	s.mu.Lock()
	s.pubs = append(s.pubs, pub)
	s.mu.Unlock()
}

// TestSet_EndToEnd drives the full path by hand: snapshot in, one calc
// cycle per pipeline, model version out.
func TestSet_EndToEnd(t *testing.T) {
	epochs := epoch.NewManager(epoch.Config{
		DormancyThreshold: 5 * time.Second,
		TTL:               time.Minute,
	}, testLogger())
	store := substrate.NewStore(testLogger())
	epochs.OnReclaim(store.DropEpoch)

	cfg := testPipelineConfig()
	cfg.Symbols = cfg.Symbols[:1] // SPX only
	set := BuildSet(cfg, epochs, store, nil, testLogger())

	ing := ingest.NewIngestor(ingest.Config{Widths: set.Widths},
		epochs, store, set.Heatmaps, testLogger())

	snap := model.ChainSnapshot{Underlying: "SPX", EventTS: 500}
	for _, strike := range []model.Price{1_000_000, 1_050_000, 1_100_000} {
		for _, right := range []model.Right{model.RightCall, model.RightPut} {
			snap.Contracts = append(snap.Contracts, model.SnapshotContract{
				Underlying:   "SPX",
				Expiry:       "2026-01-16",
				Strike:       strike,
				Right:        right,
				Bid:          40_000,
				Ask:          42_000,
				Greeks:       model.Greeks{Gamma: 0.01},
				OpenInterest: 100,
				EventTS:      500,
			})
		}
	}
	ing.IngestSnapshot(snap)

	for _, p := range set.Pipelines {
		res := p.Engine.RunCycle()
		if res.TotalSlots == 0 {
			t.Errorf("%s: no tile slots defined", p.Strategy())
			continue
		}
		if len(res.Computed) != res.TotalSlots {
			t.Errorf("%s: computed %d of %d slots", p.Strategy(), len(res.Computed), res.TotalSlots)
		}
		if p.Publisher.Current() == nil {
			t.Errorf("%s: complete cycle should publish a version", p.Strategy())
		}
	}

	// The butterfly surface: grid {100,105,110}, widths {5,10}. Width 5
	// admits center 105; width 10 fits nowhere.
	for _, p := range set.Pipelines {
		if p.Strategy() != model.StrategyButterfly {
			continue
		}
		cur := p.Publisher.Current()
		if cur == nil {
			t.Fatal("butterfly pipeline published nothing")
		}
		if len(cur.Tiles) != 1 {
			t.Errorf("butterfly tiles = %d, want 1", len(cur.Tiles))
		}
		for _, tile := range cur.Tiles {
			// All legs quote 41_000 mid: the fly prices to zero.
			if tile.Outputs.Debit != 0 {
				t.Errorf("flat-surface fly debit = %d, want 0", tile.Outputs.Debit)
			}
		}
	}
}

// TestSet_ReplayDeterminism replays one ordered snapshot+tick sequence
// through two independently built stacks and expects both to publish an
// identical sequence of model versions, geometry rollover included.
func TestSet_ReplayDeterminism(t *testing.T) {
	first := runReplay(t)
	second := runReplay(t)

	if len(first) == 0 {
		t.Fatal("replay published nothing")
	}
	if len(first) != len(second) {
		t.Fatalf("publication counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("publication %d differs:\n--- first run\n%s--- second run\n%s",
				i, first[i], second[i])
		}
	}
}

// runReplay feeds a fixed event sequence through a fresh stack and renders
// every publication into a canonical string.
func runReplay(t *testing.T) []string {
	t.Helper()

	epochs := epoch.NewManager(epoch.Config{
		DormancyThreshold: time.Hour,
		TTL:               time.Hour,
	}, testLogger())
	store := substrate.NewStore(testLogger())
	epochs.OnReclaim(store.DropEpoch)

	sink := &recordingSink{}
	cfg := testPipelineConfig()
	cfg.Symbols = []config.SymbolConfig{{Symbol: "SPX", Widths: []float64{5}}}
	set := BuildSet(cfg, epochs, store, sink, testLogger())
	ing := ingest.NewIngestor(ingest.Config{Widths: set.Widths},
		epochs, store, set.Heatmaps, testLogger())

	cycle := func() {
		for _, p := range set.Pipelines {
			p.Engine.RunCycle()
		}
	}
	tick := func(strike model.Price, right model.Right, bid, ask model.Price, ts int64) {
		ing.ApplyTick(model.IncrementalUpdate{
			ContractID: model.MakeContractID("SPX", "2026-01-16", strike, right),
			Bid:        bid,
			Ask:        ask,
			EventTS:    ts,
		})
	}

	ing.IngestSnapshot(replaySnapshot(500, 1_000_000, 1_050_000, 1_100_000))
	cycle()
	tick(1_050_000, model.RightCall, 43_000, 45_000, 600)
	cycle()
	// A new strike rolls the epoch mid-stream.
	ing.IngestSnapshot(replaySnapshot(700, 1_000_000, 1_050_000, 1_100_000, 1_150_000))
	cycle()
	tick(1_100_000, model.RightPut, 39_000, 41_000, 800)
	cycle()

	out := make([]string, 0, len(sink.pubs))
	for _, pub := range sink.pubs {
		out = append(out, renderPublication(pub))
	}
	return out
}

func replaySnapshot(eventTS int64, strikes ...model.Price) model.ChainSnapshot {
	snap := model.ChainSnapshot{Underlying: "SPX", EventTS: eventTS}
	for _, strike := range strikes {
		for _, right := range []model.Right{model.RightCall, model.RightPut} {
			snap.Contracts = append(snap.Contracts, model.SnapshotContract{
				Underlying:   "SPX",
				Expiry:       "2026-01-16",
				Strike:       strike,
				Right:        right,
				Bid:          40_000 + strike/100,
				Ask:          42_000 + strike/100,
				Greeks:       model.Greeks{Gamma: 0.01},
				OpenInterest: 100,
				EventTS:      eventTS,
			})
		}
	}
	return snap
}

// renderPublication is byte-stable: tiles and diff keys are emitted in
// sorted order so two runs compare by string equality.
func renderPublication(pub publish.Publication) string {
	mv := pub.Model

	keys := make([]model.TileKey, 0, len(mv.Tiles))
	for k := range mv.Tiles {
		keys = append(keys, k)
	}
	sortTileKeys(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s v%d epoch=%s created=%d\n",
		mv.Symbol, mv.Strategy, mv.Version, mv.EpochID, mv.CreatedTS)
	for _, k := range keys {
		tile := mv.Tiles[k]
		fmt.Fprintf(&b, "%s legs=%v out=%+v calc=%d\n",
			k.String(), tile.Legs, tile.Outputs, tile.LastCalcTS)
	}
	for _, part := range []struct {
		label string
		keys  []model.TileKey
	}{
		{"added", pub.Diff.Added},
		{"changed", pub.Diff.Changed},
		{"removed", pub.Diff.Removed},
	} {
		ks := append([]model.TileKey(nil), part.keys...)
		sortTileKeys(ks)
		fmt.Fprintf(&b, "%s=%v\n", part.label, ks)
	}
	return b.String()
}

func sortTileKeys(keys []model.TileKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
