// Package metrics exposes the engine's diagnostic surface as Prometheus
// collectors.
//
// Components keep their own cheap atomic counters; the exporter scrapes
// their Stats() views on Collect, so the trading data path carries no
// metrics plumbing.
package metrics
