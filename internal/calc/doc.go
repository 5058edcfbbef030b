// Package calc is the deterministic compute boundary.
//
// On a fixed cadence the engine takes an atomic copy of its staging
// surface, captures the leg quotes the copy references, and computes
// strategy values against that frozen input only. Ingestion and
// computation therefore never block or race each other, and no observer
// ever sees a half-written tile: outputs are either fully absent or fully
// overwritten.
//
// A fault computing one tile never aborts the cycle; the tile is skipped,
// re-flagged dirty and the fault counted.
package calc
