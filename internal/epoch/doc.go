// Package epoch owns topology identity and lifecycle.
//
// An epoch is a topology-bound window in which the set of valid contracts
// is fixed. The manager resolves chain snapshots to epochs by geometry
// hash, forces rollover after incremental-update dormancy, and reclaims
// retired epochs after a TTL via a background sweep.
//
// The active epoch per symbol is an atomically swapped pointer: readers
// dereference it lock-free on every tick, writers swap it in one step when
// a replacement epoch finishes hydrating.
package epoch
