// Package feed contains the network-facing adapters: a REST client and
// poller for complete chain snapshots, and a WebSocket client for the
// high-frequency tick stream.
//
// Feed normalizes provider payloads into model records and hands them to
// the ingestor; it holds no pipeline state of its own and the core never
// depends on it.
package feed
