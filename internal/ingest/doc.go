// Package ingest is the fan-in seam between the feed adapters and the
// core pipeline.
//
// The snapshot path resolves topology through the epoch manager, hydrates
// the contract substrate, then admits tile candidates into every strategy
// heatmap for the symbol. The tick path resolves the contract in the
// currently active epoch (never creating one), applies the update by event
// time and marks affected tiles dirty.
//
// Both paths consume growable queues so provider bursts never block the
// network readers.
package ingest
