package publish

import (
	"sort"

	"github.com/rickgao/chainheat/internal/model"
)

// equalOutputs reports whether two output blocks carry identical values.
func equalOutputs(a, b model.TileOutputs) bool {
	if a.Debit != b.Debit || a.Value != b.Value || a.Exposure != b.Exposure {
		return false
	}
	if len(a.LegMids) != len(b.LegMids) {
		return false
	}
	for i := range a.LegMids {
		if a.LegMids[i] != b.LegMids[i] {
			return false
		}
	}
	return true
}

// diffTiles computes the tile-level delta from a previous version's tiles
// to a candidate tile set. Key slices are sorted so the diff is stable for
// replay comparison.
func diffTiles(prev, next map[model.TileKey]model.PublishedTile) model.Diff {
	var d model.Diff

	for key, tile := range next {
		old, ok := prev[key]
		switch {
		case !ok:
			d.Added = append(d.Added, key)
		case !equalOutputs(old.Outputs, tile.Outputs):
			d.Changed = append(d.Changed, key)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			d.Removed = append(d.Removed, key)
		}
	}

	sortKeys(d.Added)
	sortKeys(d.Changed)
	sortKeys(d.Removed)
	return d
}

func sortKeys(keys []model.TileKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		if a.Expiry != b.Expiry {
			return a.Expiry < b.Expiry
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Width < b.Width
	})
}
