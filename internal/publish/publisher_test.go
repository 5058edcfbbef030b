package publish

import (
	"io"
	"log/slog"
	"testing"

	"github.com/rickgao/chainheat/internal/calc"
	"github.com/rickgao/chainheat/internal/model"
)

const testEpoch = model.EpochID("SPX:aaaaaaaaaaaa:g1")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tileKey(strike model.Price) model.TileKey {
	return model.TileKey{
		Epoch:    testEpoch,
		Strategy: model.StrategyButterfly,
		Expiry:   "2026-01-16",
		Strike:   strike,
		Width:    50_000,
	}
}

func computed(strike, debit model.Price, calcTS int64) calc.ComputedTile {
	return calc.ComputedTile{
		Key:        tileKey(strike),
		Legs:       []model.ContractID{"a", "b", "c"},
		Outputs:    model.TileOutputs{Debit: debit, Value: debit},
		LastCalcTS: calcTS,
	}
}

func fullCycle(tiles ...calc.ComputedTile) calc.CycleResult {
	return calc.CycleResult{
		Symbol:     "SPX",
		Strategy:   model.StrategyButterfly,
		TotalSlots: len(tiles),
		Computed:   tiles,
	}
}

// captureSink records archived publications.
type captureSink struct {
	pubs []Publication
}

func (s *captureSink) ArchiveVersion(pub Publication) { s.pubs = append(s.pubs, pub) }

func TestPublisher_StructuralGate(t *testing.T) {
	sink := &captureSink{}
	p := NewPublisher("SPX", model.StrategyButterfly, Config{}, sink, testLogger())

	p.HandleCycle(fullCycle(computed(1_000_000, 2_500, 100)))

	cur := p.Current()
	if cur == nil {
		t.Fatal("structurally complete cycle should publish")
	}
	if cur.Version != 1 {
		t.Errorf("Version = %d, want 1", cur.Version)
	}
	if cur.EpochID != testEpoch {
		t.Errorf("EpochID = %q, want %q", cur.EpochID, testEpoch)
	}
	if cur.CreatedTS != 100 {
		t.Errorf("CreatedTS = %d, want newest calc ts 100", cur.CreatedTS)
	}
	if len(sink.pubs) != 1 {
		t.Fatalf("sink got %d publications, want 1", len(sink.pubs))
	}
	if d := sink.pubs[0].Diff; len(d.Added) != 1 || !sinkDiffEmptyExceptAdded(d) {
		t.Errorf("diff = %+v, want one addition", d)
	}
	if got := p.Stats().ByStructural; got != 1 {
		t.Errorf("ByStructural = %d, want 1", got)
	}
}

func sinkDiffEmptyExceptAdded(d model.Diff) bool {
	return len(d.Changed) == 0 && len(d.Removed) == 0
}

func TestPublisher_IdenticalCycleDoesNotRepublish(t *testing.T) {
	p := NewPublisher("SPX", model.StrategyButterfly, Config{}, nil, testLogger())

	cycle := fullCycle(computed(1_000_000, 2_500, 100))
	p.HandleCycle(cycle)
	p.HandleCycle(cycle)
	p.HandleCycle(cycle)

	if got := p.Current().Version; got != 1 {
		t.Errorf("Version = %d, want 1 (identical cycles must not republish)", got)
	}
	if got := p.Stats().Published; got != 1 {
		t.Errorf("Published = %d, want 1", got)
	}
}

func TestPublisher_ValueGate_Fraction(t *testing.T) {
	// 0.5 = publish when at least half the slots changed. An incomplete
	// slot keeps the structural gate closed.
	p := NewPublisher("SPX", model.StrategyButterfly, Config{ValueThreshold: 0.5}, nil, testLogger())

	res := calc.CycleResult{
		Symbol:     "SPX",
		Strategy:   model.StrategyButterfly,
		TotalSlots: 4,
		Computed: []calc.ComputedTile{
			computed(1_000_000, 2_500, 100),
			computed(1_050_000, 2_600, 100),
		},
		Incomplete: 2,
	}
	p.HandleCycle(res)

	if p.Current() == nil {
		t.Fatal("2 of 4 changed should fire the 0.5 value gate")
	}
	if got := p.Stats().ByValue; got != 1 {
		t.Errorf("ByValue = %d, want 1", got)
	}

	// Only one tile changes next: below the fraction, no publish.
	res2 := res
	res2.Computed = []calc.ComputedTile{
		computed(1_000_000, 2_500, 100), // Unchanged
		computed(1_050_000, 9_999, 200), // Changed
	}
	p.HandleCycle(res2)
	if got := p.Current().Version; got != 1 {
		t.Errorf("Version = %d, want 1 (below value threshold)", got)
	}
}

func TestPublisher_ValueGate_Absolute(t *testing.T) {
	// Threshold >= 1 is an absolute changed-tile count.
	p := NewPublisher("SPX", model.StrategyButterfly, Config{ValueThreshold: 2}, nil, testLogger())

	res := calc.CycleResult{
		Symbol:     "SPX",
		Strategy:   model.StrategyButterfly,
		TotalSlots: 10,
		Computed:   []calc.ComputedTile{computed(1_000_000, 2_500, 100)},
		Incomplete: 9,
	}
	p.HandleCycle(res)
	if p.Current() != nil {
		t.Fatal("1 change below absolute threshold 2 should not publish")
	}

	res.Computed = append(res.Computed, computed(1_050_000, 2_600, 100))
	res.Incomplete = 8
	p.HandleCycle(res)
	if p.Current() == nil {
		t.Fatal("2 changes should fire the absolute value gate")
	}
}

func TestPublisher_TimeGate(t *testing.T) {
	p := NewPublisher("SPX", model.StrategyButterfly, Config{MaxQuietCycles: 3}, nil, testLogger())

	// Partial cycle with stable outputs: structural gate closed forever.
	res := calc.CycleResult{
		Symbol:     "SPX",
		Strategy:   model.StrategyButterfly,
		TotalSlots: 2,
		Computed:   []calc.ComputedTile{computed(1_000_000, 2_500, 100)},
		Incomplete: 1,
	}

	for i := 0; i < 3; i++ {
		p.HandleCycle(res)
		if p.Current() != nil {
			t.Fatalf("published on quiet cycle %d", i+1)
		}
	}

	// Fourth evaluation: quietCycles reached the boundary.
	p.HandleCycle(res)
	if p.Current() == nil {
		t.Fatal("time gate should force a publish")
	}
	if got := p.Stats().ByTime; got != 1 {
		t.Errorf("ByTime = %d, want 1", got)
	}
}

func TestPublisher_NothingToPublish(t *testing.T) {
	p := NewPublisher("SPX", model.StrategyButterfly, Config{MaxQuietCycles: 1}, nil, testLogger())

	// No computed tiles and no prior version: even the time gate has
	// nothing to promote.
	empty := calc.CycleResult{Symbol: "SPX", Strategy: model.StrategyButterfly}
	for i := 0; i < 5; i++ {
		p.HandleCycle(empty)
	}
	if p.Current() != nil {
		t.Error("empty cycles with no prior version must not publish")
	}
}

func TestPublisher_VersionRetention(t *testing.T) {
	p := NewPublisher("SPX", model.StrategyButterfly, Config{}, nil, testLogger())

	p.HandleCycle(fullCycle(computed(1_000_000, 2_500, 100)))
	v1 := p.Current()

	p.HandleCycle(fullCycle(computed(1_000_000, 3_000, 200)))
	v2 := p.Current()

	if v2.Version != 2 {
		t.Errorf("Version = %d, want 2", v2.Version)
	}
	if prev := p.Previous(); prev != v1 {
		t.Error("Previous should retain the superseded version")
	}
	// The retained version is immutable: its tiles still carry v1 values.
	if got := v1.Tiles[tileKey(1_000_000)].Outputs.Debit; got != 2_500 {
		t.Errorf("retained Debit = %d, want 2500", got)
	}
}

func TestPublisher_DiffAcrossVersions(t *testing.T) {
	p := NewPublisher("SPX", model.StrategyButterfly, Config{}, nil, testLogger())

	p.HandleCycle(fullCycle(
		computed(1_000_000, 2_500, 100),
		computed(1_050_000, 2_600, 100),
	))

	// Second version: one changed, one removed, one added.
	var got model.Diff
	p.HandleCycle(fullCycle(
		computed(1_000_000, 9_000, 200),
		computed(1_100_000, 2_700, 200),
	))

	select {
	case <-p.Updates(): // First publication
	default:
		t.Fatal("missing first publication")
	}
	select {
	case pub := <-p.Updates():
		got = pub.Diff
	default:
		t.Fatal("missing second publication")
	}

	if len(got.Added) != 1 || got.Added[0] != tileKey(1_100_000) {
		t.Errorf("Added = %v", got.Added)
	}
	if len(got.Changed) != 1 || got.Changed[0] != tileKey(1_000_000) {
		t.Errorf("Changed = %v", got.Changed)
	}
	if len(got.Removed) != 1 || got.Removed[0] != tileKey(1_050_000) {
		t.Errorf("Removed = %v", got.Removed)
	}
}

func TestDiffTiles(t *testing.T) {
	prev := map[model.TileKey]model.PublishedTile{
		tileKey(1): {Outputs: model.TileOutputs{Debit: 10}},
		tileKey(2): {Outputs: model.TileOutputs{Debit: 20}},
	}
	next := map[model.TileKey]model.PublishedTile{
		tileKey(2): {Outputs: model.TileOutputs{Debit: 25}},
		tileKey(3): {Outputs: model.TileOutputs{Debit: 30}},
	}

	d := diffTiles(prev, next)
	if len(d.Added) != 1 || d.Added[0] != tileKey(3) {
		t.Errorf("Added = %v", d.Added)
	}
	if len(d.Changed) != 1 || d.Changed[0] != tileKey(2) {
		t.Errorf("Changed = %v", d.Changed)
	}
	if len(d.Removed) != 1 || d.Removed[0] != tileKey(1) {
		t.Errorf("Removed = %v", d.Removed)
	}

	// Unchanged outputs appear nowhere.
	if d2 := diffTiles(prev, prev); !d2.Empty() {
		t.Errorf("self-diff = %+v, want empty", d2)
	}
}

func TestEqualOutputs(t *testing.T) {
	a := model.TileOutputs{Debit: 10, LegMids: []model.Price{1, 2, 3}}
	b := model.TileOutputs{Debit: 10, LegMids: []model.Price{1, 2, 3}}
	if !equalOutputs(a, b) {
		t.Error("identical outputs should compare equal")
	}

	b.LegMids = []model.Price{1, 2, 4}
	if equalOutputs(a, b) {
		t.Error("differing leg mids should compare unequal")
	}

	c := model.TileOutputs{Debit: 10}
	if equalOutputs(a, c) {
		t.Error("differing leg mid lengths should compare unequal")
	}
}
