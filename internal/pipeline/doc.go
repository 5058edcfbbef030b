// Package pipeline assembles one Staging/Calc/Publisher triad per
// (symbol, strategy) and the full set of triads for a configured engine.
//
// Triads are fully independent concurrent units: they share only read
// access to the contract substrate and the epoch manager. There is no
// cross-strategy lock, cadence or state.
package pipeline
