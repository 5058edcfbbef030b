package epoch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/rickgao/chainheat/internal/model"
)

// Geometry is the topology of one chain snapshot: everything that defines
// which contracts (and therefore which tiles) can exist.
type Geometry struct {
	Underlying string
	Expiries   []string      // "YYYY-MM-DD"
	Strikes    []model.Price // Union across expiries
	Widths     []model.Price // Configured width set for the symbol
}

// GeometryFromSnapshot derives the geometry of a chain snapshot with the
// symbol's configured widths.
func GeometryFromSnapshot(snap model.ChainSnapshot, widths []model.Price) Geometry {
	expirySet := make(map[string]struct{})
	strikeSet := make(map[model.Price]struct{})
	for _, c := range snap.Contracts {
		expirySet[c.Expiry] = struct{}{}
		strikeSet[c.Strike] = struct{}{}
	}

	g := Geometry{
		Underlying: snap.Underlying,
		Expiries:   make([]string, 0, len(expirySet)),
		Strikes:    make([]model.Price, 0, len(strikeSet)),
		Widths:     append([]model.Price(nil), widths...),
	}
	for e := range expirySet {
		g.Expiries = append(g.Expiries, e)
	}
	for s := range strikeSet {
		g.Strikes = append(g.Strikes, s)
	}
	sort.Strings(g.Expiries)
	sort.Slice(g.Strikes, func(i, j int) bool { return g.Strikes[i] < g.Strikes[j] })
	sort.Slice(g.Widths, func(i, j int) bool { return g.Widths[i] < g.Widths[j] })
	return g
}

// Hash returns the stable geometry hash: sha256 over the canonical form,
// truncated to 12 hex characters. Identical topology always hashes
// identically regardless of snapshot delivery order.
func (g Geometry) Hash() string {
	var b strings.Builder
	b.WriteString(g.Underlying)
	b.WriteByte('|')
	b.WriteString(strings.Join(g.Expiries, ","))
	b.WriteByte('|')
	for i, s := range g.Strikes {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", s)
	}
	b.WriteByte('|')
	for i, w := range g.Widths {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", w)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:12]
}

// makeEpochID builds the deterministic epoch identifier. The generation
// counter distinguishes dormancy-forced successors with identical geometry,
// and keeps replays byte-identical since no wall clock is involved.
func makeEpochID(symbol, hash string, generation uint64) model.EpochID {
	return model.EpochID(fmt.Sprintf("%s:%s:g%d", symbol, hash, generation))
}
