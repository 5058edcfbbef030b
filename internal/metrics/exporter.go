package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/chainheat/internal/epoch"
	"github.com/rickgao/chainheat/internal/ingest"
	"github.com/rickgao/chainheat/internal/pipeline"
	"github.com/rickgao/chainheat/internal/substrate"
)

var (
	descSnapshotsIngested = prometheus.NewDesc(
		"chainheat_snapshots_ingested_total",
		"Chain snapshots ingested.", nil, nil)
	descTicks = prometheus.NewDesc(
		"chainheat_ticks_total",
		"Incremental updates by outcome.", []string{"outcome"}, nil)
	descEpochs = prometheus.NewDesc(
		"chainheat_epochs_total",
		"Epoch lifecycle events.", []string{"event"}, nil)
	descEpochsLive = prometheus.NewDesc(
		"chainheat_epochs_live",
		"Epochs currently held, all states.", nil, nil)
	descContracts = prometheus.NewDesc(
		"chainheat_substrate_writes_total",
		"Substrate writes by path.", []string{"path"}, nil)
	descTiles = prometheus.NewDesc(
		"chainheat_staging_tiles",
		"Tiles currently staged.", []string{"symbol", "strategy"}, nil)
	descDirtyTiles = prometheus.NewDesc(
		"chainheat_staging_dirty_tiles",
		"Tiles awaiting recompute.", []string{"symbol", "strategy"}, nil)
	descCalcCycles = prometheus.NewDesc(
		"chainheat_calc_cycles_total",
		"Completed calc cycles.", []string{"symbol", "strategy"}, nil)
	descCalcFaults = prometheus.NewDesc(
		"chainheat_calc_faults_total",
		"Tiles skipped by compute faults.", []string{"symbol", "strategy"}, nil)
	descCalcIncomplete = prometheus.NewDesc(
		"chainheat_calc_incomplete_total",
		"Tiles skipped for missing legs.", []string{"symbol", "strategy"}, nil)
	descPublished = prometheus.NewDesc(
		"chainheat_model_versions_published_total",
		"Published model versions.", []string{"symbol", "strategy"}, nil)
	descModelVersion = prometheus.NewDesc(
		"chainheat_model_version",
		"Latest published model version.", []string{"symbol", "strategy"}, nil)
)

// Exporter scrapes component stats into Prometheus metrics.
type Exporter struct {
	epochs   *epoch.Manager
	store    *substrate.Store
	ingestor *ingest.Ingestor
	set      *pipeline.Set
}

// NewExporter creates an exporter over the engine's components.
func NewExporter(epochs *epoch.Manager, store *substrate.Store, ingestor *ingest.Ingestor, set *pipeline.Set) *Exporter {
	return &Exporter{
		epochs:   epochs,
		store:    store,
		ingestor: ingestor,
		set:      set,
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSnapshotsIngested
	ch <- descTicks
	ch <- descEpochs
	ch <- descEpochsLive
	ch <- descContracts
	ch <- descTiles
	ch <- descDirtyTiles
	ch <- descCalcCycles
	ch <- descCalcFaults
	ch <- descCalcIncomplete
	ch <- descPublished
	ch <- descModelVersion
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
	}

	in := e.ingestor.Stats()
	counter(descSnapshotsIngested, in.SnapshotsIngested)
	counter(descTicks, in.TicksAccepted, "accepted")
	counter(descTicks, in.TicksStale, "stale")
	counter(descTicks, in.TicksGeometryMiss, "geometry_miss")
	counter(descTicks, in.TicksNoEpoch, "no_epoch")

	ep := e.epochs.Stats()
	counter(descEpochs, ep.Created, "created")
	counter(descEpochs, ep.ForcedRollovers, "forced_rollover")
	counter(descEpochs, ep.Reclaimed, "reclaimed")
	gauge(descEpochsLive, int64(ep.Live))

	st := e.store.Stats()
	counter(descContracts, st.SnapshotWrites, "snapshot")
	counter(descContracts, st.AcceptedUpdates, "incremental")

	for _, ps := range e.set.Stats() {
		labels := []string{ps.Symbol, string(ps.Strategy)}
		gauge(descTiles, int64(ps.Staging.Tiles), labels...)
		gauge(descDirtyTiles, int64(ps.Staging.DirtyTiles), labels...)
		counter(descCalcCycles, ps.Calc.Cycles, labels...)
		counter(descCalcFaults, ps.Calc.Faults, labels...)
		counter(descCalcIncomplete, ps.Calc.Incomplete, labels...)
		counter(descPublished, ps.Publish.Published, labels...)
		gauge(descModelVersion, int64(ps.Publish.LatestVersion), labels...)
	}
}

// Handler registers the exporter on a fresh registry and returns the
// scrape handler.
func Handler(e *Exporter) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(e)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
