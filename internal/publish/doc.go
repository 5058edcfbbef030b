// Package publish is the sole writer of the canonical model.
//
// After every calc cycle the publisher evaluates OR-gated conditions
// (structural completeness, changed-tile threshold, quiet-time boundary)
// and, when one fires, promotes the cycle's output-complete tiles into a
// new immutable model version with an {added, changed, removed} diff.
//
// The current and prior versions hang off atomic pointers: readers
// dereference lock-free, the prior version lives only long enough for
// in-flight diff consumers.
package publish
