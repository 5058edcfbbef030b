package calc

import (
	"fmt"

	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/staging"
)

// legRef addresses one leg quote inside a frozen cycle input.
type legRef struct {
	Epoch model.EpochID
	ID    model.ContractID
}

// frozen is the complete input of one calc cycle: the staging copy plus the
// quotes its tiles reference, captured once so compute is read-only.
type frozen struct {
	view   *staging.View
	quotes map[legRef]model.Quote
}

// legQuote returns the captured quote for one leg of a tile.
func (f *frozen) legQuote(key model.TileKey, leg model.ContractID) (model.Quote, bool) {
	q, ok := f.quotes[legRef{Epoch: key.Epoch, ID: leg}]
	return q, ok
}

// incompleteError reports a missing or unquoted leg. It is a steady state,
// not a fault: the tile retries next cycle once staging supplies the leg.
type incompleteError struct {
	reason string
}

func (e *incompleteError) Error() string { return e.reason }

// computeTile evaluates one tile against the frozen input. On success the
// returned outputs are complete; on a missing leg it returns an
// incompleteError carrying the reason code.
func computeTile(f *frozen, t staging.TileView) (model.TileOutputs, error) {
	strategy := t.Key.Strategy

	quotes := make([]model.Quote, len(t.Legs))
	mids := make([]model.Price, len(t.Legs))
	for i, leg := range t.Legs {
		q, ok := f.legQuote(t.Key, leg)
		if !ok {
			return model.TileOutputs{}, &incompleteError{reason: "missing_" + model.LegName(strategy, i)}
		}
		if strategy != model.StrategyGammaExposure && q.Mid <= 0 {
			return model.TileOutputs{}, &incompleteError{reason: "no_quote_" + model.LegName(strategy, i)}
		}
		quotes[i] = q
		mids[i] = q.Mid
	}

	out := model.TileOutputs{LegMids: mids}

	switch strategy {
	case model.StrategyButterfly:
		// debit = mid(lower) + mid(upper) - 2*mid(center)
		out.Debit = mids[0] + mids[2] - 2*mids[1]
		out.Value = out.Debit

	case model.StrategyVertical:
		// debit = mid(high) - mid(low)
		out.Debit = mids[1] - mids[0]
		out.Value = out.Debit

	case model.StrategySingle:
		out.Value = mids[0]

	case model.StrategyGammaExposure:
		// Dealer convention: call gamma positive, put gamma negative,
		// scaled by open interest and the 100-share multiplier.
		call, put := quotes[0], quotes[1]
		if call.Greeks.Gamma == 0 && put.Greeks.Gamma == 0 {
			return model.TileOutputs{}, &incompleteError{reason: "no_greeks"}
		}
		out.Exposure = (call.Greeks.Gamma*float64(call.OpenInterest) -
			put.Greeks.Gamma*float64(put.OpenInterest)) * 100
		out.LegMids = nil

	default:
		return model.TileOutputs{}, fmt.Errorf("unknown strategy %q", strategy)
	}

	return out, nil
}

// calcTimestamp derives the tile's deterministic calc stamp: the newest
// event time across its legs. Replaying the same event sequence therefore
// reproduces identical published bytes, which a wall-clock stamp would not.
func calcTimestamp(f *frozen, t staging.TileView) int64 {
	var ts int64
	for _, leg := range t.Legs {
		if q, ok := f.legQuote(t.Key, leg); ok && q.EventTS > ts {
			ts = q.EventTS
		}
	}
	return ts
}
