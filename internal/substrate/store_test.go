package substrate

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/rickgao/chainheat/internal/model"
)

const testEpoch = model.EpochID("SPX:abc123def456:g1")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContract(strike model.Price) model.SnapshotContract {
	return model.SnapshotContract{
		Underlying:   "SPX",
		Expiry:       "2026-01-16",
		Strike:       strike,
		Right:        model.RightCall,
		Bid:          45_000,
		Ask:          47_000,
		OpenInterest: 1200,
		Greeks:       model.Greeks{Delta: 0.5, Gamma: 0.02},
		EventTS:      1_000,
	}
}

func TestStore_WriteFromSnapshot(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)

	s.WriteFromSnapshot(testEpoch, sc)

	c, ok := s.Get(testEpoch, sc.ID())
	if !ok {
		t.Fatal("contract not found")
	}
	if c.Strike != 1_000_000 {
		t.Errorf("Strike = %d, want 1000000", c.Strike)
	}
	// Mid derived from bid/ask when the provider omits it.
	if c.Mid != 46_000 {
		t.Errorf("Mid = %d, want 46000", c.Mid)
	}
	if c.OpenInterest != 1200 {
		t.Errorf("OpenInterest = %d, want 1200", c.OpenInterest)
	}
	if s.ContractCount(testEpoch) != 1 {
		t.Errorf("ContractCount = %d, want 1", s.ContractCount(testEpoch))
	}
}

func TestStore_WriteFromSnapshot_ExplicitMid(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	sc.Mid = 46_500

	s.WriteFromSnapshot(testEpoch, sc)

	c, _ := s.Get(testEpoch, sc.ID())
	if c.Mid != 46_500 {
		t.Errorf("Mid = %d, want provider value 46500", c.Mid)
	}
}

func TestStore_ApplyIncremental(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	s.WriteFromSnapshot(testEpoch, sc)

	err := s.ApplyIncremental(testEpoch, model.IncrementalUpdate{
		ContractID: sc.ID(),
		Bid:        45_500,
		Ask:        47_500,
		EventTS:    2_000,
	})
	if err != nil {
		t.Fatalf("ApplyIncremental: %v", err)
	}

	c, _ := s.Get(testEpoch, sc.ID())
	if c.Bid != 45_500 || c.Ask != 47_500 {
		t.Errorf("bid/ask = %d/%d, want 45500/47500", c.Bid, c.Ask)
	}
	// Mid re-derived from the new bid/ask.
	if c.Mid != 46_500 {
		t.Errorf("Mid = %d, want 46500", c.Mid)
	}
	if c.EventTS != 2_000 {
		t.Errorf("EventTS = %d, want 2000", c.EventTS)
	}
	// Fixed fields are never touched by the tick path.
	if c.OpenInterest != 1200 || c.Greeks.Gamma != 0.02 {
		t.Error("incremental update modified fixed fields")
	}
}

func TestStore_ApplyIncremental_PartialFields(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	s.WriteFromSnapshot(testEpoch, sc)

	// Trade print: only last trade and size supplied. Quote fields stay.
	err := s.ApplyIncremental(testEpoch, model.IncrementalUpdate{
		ContractID: sc.ID(),
		LastTrade:  46_200,
		Size:       5,
		EventTS:    2_000,
	})
	if err != nil {
		t.Fatalf("ApplyIncremental: %v", err)
	}

	c, _ := s.Get(testEpoch, sc.ID())
	if c.Bid != 45_000 || c.Ask != 47_000 || c.Mid != 46_000 {
		t.Error("trade print must not disturb the quote")
	}
	if c.LastTrade != 46_200 || c.Size != 5 {
		t.Errorf("LastTrade/Size = %d/%d, want 46200/5", c.LastTrade, c.Size)
	}
}

func TestStore_ApplyIncremental_Stale(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	s.WriteFromSnapshot(testEpoch, sc)

	tests := []struct {
		name    string
		eventTS int64
	}{
		{"older", 500},
		{"equal", 1_000}, // Not strictly newer: discarded.
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ApplyIncremental(testEpoch, model.IncrementalUpdate{
				ContractID: sc.ID(),
				Bid:        1,
				EventTS:    tt.eventTS,
			})
			if !errors.Is(err, ErrStaleUpdate) {
				t.Fatalf("err = %v, want ErrStaleUpdate", err)
			}
		})
	}

	c, _ := s.Get(testEpoch, sc.ID())
	if c.Bid != 45_000 {
		t.Error("stale update must not modify the contract")
	}
	if got := s.Stats().StaleUpdates; got != 2 {
		t.Errorf("StaleUpdates = %d, want 2", got)
	}
}

func TestStore_ApplyIncremental_GeometryMiss(t *testing.T) {
	s := NewStore(testLogger())
	s.WriteFromSnapshot(testEpoch, testContract(1_000_000))

	// Contract not in the epoch: counted, never synthesized.
	unknown := model.MakeContractID("SPX", "2026-01-16", 9_999_999, model.RightCall)
	err := s.ApplyIncremental(testEpoch, model.IncrementalUpdate{
		ContractID: unknown,
		Bid:        1,
		EventTS:    2_000,
	})
	if !errors.Is(err, ErrGeometryMiss) {
		t.Fatalf("err = %v, want ErrGeometryMiss", err)
	}
	if _, ok := s.Get(testEpoch, unknown); ok {
		t.Fatal("geometry miss must not create a contract")
	}

	// Unknown epoch is the same class of rejection.
	err = s.ApplyIncremental("SPX:ffffffffffff:g9", model.IncrementalUpdate{
		ContractID: unknown,
		EventTS:    2_000,
	})
	if !errors.Is(err, ErrEpochUnknown) {
		t.Fatalf("err = %v, want ErrEpochUnknown", err)
	}
	if got := s.Stats().GeometryMisses; got != 2 {
		t.Errorf("GeometryMisses = %d, want 2", got)
	}
}

func TestStore_SnapshotRefreshesStaleTick(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	s.WriteFromSnapshot(testEpoch, sc)

	// A later tick advances the event clock past the next snapshot's.
	if err := s.ApplyIncremental(testEpoch, model.IncrementalUpdate{
		ContractID: sc.ID(),
		Bid:        45_200,
		EventTS:    5_000,
	}); err != nil {
		t.Fatalf("ApplyIncremental: %v", err)
	}

	// Snapshot writes are unconditional: authority beats recency.
	sc2 := sc
	sc2.Bid = 44_000
	sc2.EventTS = 3_000
	s.WriteFromSnapshot(testEpoch, sc2)

	c, _ := s.Get(testEpoch, sc.ID())
	if c.Bid != 44_000 {
		t.Errorf("Bid = %d, want snapshot value 44000", c.Bid)
	}
}

func TestStore_Quote(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	s.WriteFromSnapshot(testEpoch, sc)

	q, ok := s.Quote(testEpoch, sc.ID())
	if !ok {
		t.Fatal("quote not found")
	}
	if q.Mid != 46_000 || q.OpenInterest != 1200 || q.Greeks.Delta != 0.5 {
		t.Errorf("unexpected quote %+v", q)
	}

	if _, ok := s.Quote(testEpoch, "SPX|2026-01-16|1|C"); ok {
		t.Error("quote for unknown contract should report false")
	}
}

func TestStore_EpochIsolation(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	other := model.EpochID("SPX:abc123def456:g2")

	s.WriteFromSnapshot(testEpoch, sc)

	if _, ok := s.Get(other, sc.ID()); ok {
		t.Fatal("contract visible outside its epoch")
	}

	sc2 := sc
	sc2.Bid = 10_000
	sc2.Ask = 12_000
	sc2.Mid = 11_000
	s.WriteFromSnapshot(other, sc2)

	c1, _ := s.Get(testEpoch, sc.ID())
	c2, _ := s.Get(other, sc.ID())
	if c1.Mid == c2.Mid {
		t.Error("epochs must hold independent contract values")
	}
}

func TestStore_DropEpoch(t *testing.T) {
	s := NewStore(testLogger())
	sc := testContract(1_000_000)
	s.WriteFromSnapshot(testEpoch, sc)

	s.DropEpoch(testEpoch)

	if _, ok := s.Get(testEpoch, sc.ID()); ok {
		t.Error("contract readable after epoch drop")
	}
	if s.Stats().Epochs != 0 {
		t.Errorf("Epochs = %d, want 0", s.Stats().Epochs)
	}
}
