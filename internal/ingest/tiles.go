package ingest

import (
	"sort"

	"github.com/rickgao/chainheat/internal/model"
	"github.com/rickgao/chainheat/internal/staging"
)

// expiryRow is one expiry's sorted strike set, the unit of tile slot
// definition. Strikes are per-expiry: a weekly chain and a monthly chain
// rarely share the same grid.
type expiryRow struct {
	expiry  string
	strikes []model.Price
	present map[model.Price]struct{}
}

// chainRows groups a snapshot's contracts into sorted expiry rows.
func chainRows(snap model.ChainSnapshot) []expiryRow {
	byExpiry := make(map[string]map[model.Price]struct{})
	for _, c := range snap.Contracts {
		set, ok := byExpiry[c.Expiry]
		if !ok {
			set = make(map[model.Price]struct{})
			byExpiry[c.Expiry] = set
		}
		set[c.Strike] = struct{}{}
	}

	rows := make([]expiryRow, 0, len(byExpiry))
	for exp, set := range byExpiry {
		row := expiryRow{
			expiry:  exp,
			strikes: make([]model.Price, 0, len(set)),
			present: set,
		}
		for s := range set {
			row.strikes = append(row.strikes, s)
		}
		sort.Slice(row.strikes, func(i, j int) bool { return row.strikes[i] < row.strikes[j] })
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].expiry < rows[j].expiry })
	return rows
}

// buildCandidates defines every tile slot of one strategy for a snapshot's
// topology. A slot exists when all of its leg strikes lie on the expiry's
// grid; whether the leg contracts are actually quotable is an eligibility
// question, not a slot question. Multi-leg strategies are built on the
// call chain; the gamma projection pairs call and put per strike.
func buildCandidates(epochID model.EpochID, strategy model.Strategy, snap model.ChainSnapshot, widths []model.Price) []staging.Candidate {
	var out []staging.Candidate

	for _, row := range chainRows(snap) {
		for _, strike := range row.strikes {
			switch strategy {
			case model.StrategyButterfly:
				for _, w := range widths {
					if !row.has(strike-w) || !row.has(strike+w) {
						continue
					}
					out = append(out, staging.Candidate{
						Key: model.TileKey{
							Epoch:    epochID,
							Strategy: strategy,
							Expiry:   row.expiry,
							Strike:   strike,
							Width:    w,
						},
						Legs: []model.ContractID{
							model.MakeContractID(snap.Underlying, row.expiry, strike-w, model.RightCall),
							model.MakeContractID(snap.Underlying, row.expiry, strike, model.RightCall),
							model.MakeContractID(snap.Underlying, row.expiry, strike+w, model.RightCall),
						},
						EventTS: snap.EventTS,
					})
				}

			case model.StrategyVertical:
				for _, w := range widths {
					if !row.has(strike + w) {
						continue
					}
					out = append(out, staging.Candidate{
						Key: model.TileKey{
							Epoch:    epochID,
							Strategy: strategy,
							Expiry:   row.expiry,
							Strike:   strike, // Low strike
							Width:    w,
						},
						Legs: []model.ContractID{
							model.MakeContractID(snap.Underlying, row.expiry, strike, model.RightCall),
							model.MakeContractID(snap.Underlying, row.expiry, strike+w, model.RightCall),
						},
						EventTS: snap.EventTS,
					})
				}

			case model.StrategySingle:
				out = append(out, staging.Candidate{
					Key: model.TileKey{
						Epoch:    epochID,
						Strategy: strategy,
						Expiry:   row.expiry,
						Strike:   strike,
						Width:    model.SingleWidth,
					},
					Legs: []model.ContractID{
						model.MakeContractID(snap.Underlying, row.expiry, strike, model.RightCall),
					},
					EventTS: snap.EventTS,
				})

			case model.StrategyGammaExposure:
				out = append(out, staging.Candidate{
					Key: model.TileKey{
						Epoch:    epochID,
						Strategy: strategy,
						Expiry:   row.expiry,
						Strike:   strike,
						Width:    model.SingleWidth,
					},
					Legs: []model.ContractID{
						model.MakeContractID(snap.Underlying, row.expiry, strike, model.RightCall),
						model.MakeContractID(snap.Underlying, row.expiry, strike, model.RightPut),
					},
					EventTS: snap.EventTS,
				})
			}
		}
	}

	return out
}

func (r expiryRow) has(strike model.Price) bool {
	_, ok := r.present[strike]
	return ok
}
