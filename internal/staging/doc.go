// Package staging is the mutable tile-accumulation surface.
//
// Staging admits tile candidates (rules A/B/C: insert, refresh-if-newer,
// discard-if-stale), marks tiles dirty on input mutation and tracks
// eligibility with an append-only reason log. It never computes values and
// never clears its own dirty flags: flags are reset only by the calc
// engine's atomic Snapshot, and outputs are written back only by a
// successful compute.
//
// Staging is never exposed to consumers; the published model is the only
// read surface.
package staging
