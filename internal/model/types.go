package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Scalar Types
// -----------------------------------------------------------------------------

// Price is a price or strike in ten-thousandths of a dollar (1000000 = $100.00).
type Price int64

// PriceScale is the number of Price units per dollar.
const PriceScale = 10_000

// PriceFromDollars converts a dollar amount to Price units, rounding half away
// from zero.
func PriceFromDollars(d float64) Price {
	return Price(math.Round(d * PriceScale))
}

// Dollars converts a Price to a float dollar amount. Display/diagnostics only;
// pipeline arithmetic stays in integer units.
func (p Price) Dollars() float64 {
	return float64(p) / PriceScale
}

// Mid returns the midpoint of a bid/ask pair in Price units, rounding down.
// Returns 0 (no quote) when either side is absent.
func Mid(bid, ask Price) Price {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Right identifies the option right.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Valid reports whether r is a known right.
func (r Right) Valid() bool {
	return r == RightCall || r == RightPut
}

// Strategy identifies a tile strategy or derived projection. Each strategy
// runs its own Staging/Calc/Model triad.
type Strategy string

const (
	StrategyButterfly     Strategy = "butterfly"
	StrategyVertical      Strategy = "vertical"
	StrategySingle        Strategy = "single"
	StrategyGammaExposure Strategy = "gamma_exposure"
)

// Strategies lists all known strategies in pipeline construction order.
var Strategies = []Strategy{
	StrategyButterfly,
	StrategyVertical,
	StrategySingle,
	StrategyGammaExposure,
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyButterfly, StrategyVertical, StrategySingle, StrategyGammaExposure:
		return true
	}
	return false
}

// LegName returns the audit-log name of a leg position within a strategy,
// used to build eligibility reason codes like "missing_upper_wing".
func LegName(s Strategy, idx int) string {
	switch s {
	case StrategyButterfly:
		if idx >= 0 && idx < 3 {
			return [...]string{"lower_wing", "center", "upper_wing"}[idx]
		}
	case StrategyVertical:
		if idx >= 0 && idx < 2 {
			return [...]string{"low_leg", "high_leg"}[idx]
		}
	case StrategySingle:
		return "contract"
	case StrategyGammaExposure:
		if idx >= 0 && idx < 2 {
			return [...]string{"call", "put"}[idx]
		}
	}
	return fmt.Sprintf("leg_%d", idx)
}

// Greeks holds per-contract option sensitivities as delivered by the
// snapshot provider. Zero value means "not supplied".
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// -----------------------------------------------------------------------------
// Identity Types
// -----------------------------------------------------------------------------

// EpochID identifies one topology-bound epoch. Deterministic: built from the
// underlying, the geometry hash and a per-symbol generation counter, so an
// identical event sequence replayed against a fresh engine yields identical
// epoch IDs.
type EpochID string

// ContractID identifies one option contract independent of epoch, e.g.
// "SPXW|2026-01-16|4500000|C".
type ContractID string

// MakeContractID builds the canonical contract identifier.
func MakeContractID(underlying, expiry string, strike Price, right Right) ContractID {
	return ContractID(fmt.Sprintf("%s|%s|%d|%s", underlying, expiry, strike, right))
}

// Underlying returns the underlying symbol component of the ID.
func (c ContractID) Underlying() string {
	if i := strings.IndexByte(string(c), '|'); i >= 0 {
		return string(c)[:i]
	}
	return string(c)
}

// -----------------------------------------------------------------------------
// Input Records (handed to the core by the feed adapters)
// -----------------------------------------------------------------------------

// SnapshotContract is one contract row of a chain snapshot: the slow,
// complete, authoritative view. The only record that may create a contract.
type SnapshotContract struct {
	Underlying   string
	Expiry       string // "YYYY-MM-DD"
	Strike       Price
	Right        Right
	Bid          Price
	Ask          Price
	Mid          Price // 0 = derive from bid/ask
	Greeks       Greeks
	OpenInterest int64
	EventTS      int64 // Provider timestamp (µs since epoch)
}

// ID returns the canonical contract identifier for the row.
func (s SnapshotContract) ID() ContractID {
	return MakeContractID(s.Underlying, s.Expiry, s.Strike, s.Right)
}

// ChainSnapshot is a complete per-underlying snapshot assembled from the
// provider's per-expiry batches.
type ChainSnapshot struct {
	Underlying string
	EventTS    int64 // Provider timestamp of the slowest batch (µs since epoch)
	Contracts  []SnapshotContract
}

// IncrementalUpdate is one tick/quote record: the fast, partial view.
// Price fields are optional; zero means "not supplied this tick". It can
// never create a contract (geometry miss if the contract is unknown).
type IncrementalUpdate struct {
	ContractID ContractID
	Bid        Price
	Ask        Price
	Mid        Price
	LastTrade  Price
	Size       int64
	TradeID    uuid.UUID // Provider trade print ID, zero UUID for pure quotes
	EventTS    int64     // Provider event timestamp (µs since epoch)
}

// Contract is the substrate's value view of one contract. Fixed fields are
// write-once (snapshot ingestion only); quote fields are last-write-wins by
// event time.
type Contract struct {
	ID         ContractID
	Underlying string
	Expiry     string
	Strike     Price
	Right      Right

	Bid          Price
	Ask          Price
	Mid          Price
	LastTrade    Price
	Size         int64
	OpenInterest int64
	Greeks       Greeks
	EventTS      int64 // Event time of the newest accepted write (µs since epoch)
}

// Quote is the frozen per-leg view captured into a calc snapshot.
type Quote struct {
	Mid          Price
	OpenInterest int64
	Greeks       Greeks
	EventTS      int64
}

// -----------------------------------------------------------------------------
// Tile & Model Types
// -----------------------------------------------------------------------------

// SingleWidth is the Width value used by single-leg and per-strike
// projection tiles.
const SingleWidth Price = 0

// TileKey addresses one strategy instance at one geometry coordinate within
// one epoch.
type TileKey struct {
	Epoch    EpochID
	Strategy Strategy
	Expiry   string
	Strike   Price // Center strike (butterfly, single, gamma) or low strike (vertical)
	Width    Price // Strike distance between legs; SingleWidth for one-leg tiles
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d/%d", k.Epoch, k.Strategy, k.Expiry, k.Strike, k.Width)
}

// TileOutputs is the computed value block of a tile. Written wholesale by a
// successful calc, never field-by-field.
type TileOutputs struct {
	Debit    Price   // butterfly, vertical
	Value    Price   // single (mid)
	Exposure float64 // gamma_exposure (gamma · open interest · multiplier)
	LegMids  []Price // Per-leg mids at compute time, in leg order
}

// PublishedTile is the immutable per-tile payload of a published model
// version.
type PublishedTile struct {
	Key        TileKey
	Legs       []ContractID
	Outputs    TileOutputs
	LastCalcTS int64 // µs since epoch
}

// ModelVersion is one immutable published model: the only surface consumers
// read.
type ModelVersion struct {
	EpochID   EpochID
	Version   uint64
	Symbol    string
	Strategy  Strategy
	CreatedTS int64 // µs since epoch
	Tiles     map[TileKey]PublishedTile
}

// Diff describes the tile-level delta between two consecutive model
// versions.
type Diff struct {
	Added   []TileKey
	Changed []TileKey
	Removed []TileKey
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}
