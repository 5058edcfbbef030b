package config

import "time"

// EngineConfig is the root configuration for an engine instance.
type EngineConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Feed     FeedConfig     `yaml:"feed"`
	Engine   PipelineConfig `yaml:"engine"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this engine.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds the market-data provider settings (REST chain snapshots
// and WebSocket tick stream).
type FeedConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	PollConcurrency int           `yaml:"poll_concurrency"`

	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
}

// PipelineConfig holds the materialization pipeline settings. Field names
// follow the recognized option names of the engine's external contract.
type PipelineConfig struct {
	// CalcCadenceMS is the Calc Engine cycle interval in milliseconds.
	CalcCadenceMS int `yaml:"calc_cadence_ms"`

	// DormancyThresholdS is the incremental-silence timeout in seconds
	// before the next snapshot is forced into a new epoch.
	DormancyThresholdS int `yaml:"dormancy_threshold_s"`

	// EpochTTLS is the retention of a retired epoch in seconds.
	EpochTTLS int `yaml:"epoch_ttl_s"`

	// PublishValueThreshold triggers a publish on changed tiles: values in
	// (0,1) are a fraction of the tile population, values >= 1 an absolute
	// changed-tile count. 0 disables the value gate.
	PublishValueThreshold float64 `yaml:"publish_value_threshold"`

	// PublishTimeBoundaryMS is the maximum interval between publishes in
	// milliseconds, guaranteeing forward progress on quiet markets.
	PublishTimeBoundaryMS int `yaml:"publish_time_boundary_ms"`

	// Symbols lists the underlyings to materialize with their width sets.
	Symbols []SymbolConfig `yaml:"symbols"`
}

// SymbolConfig holds per-underlying pipeline settings.
type SymbolConfig struct {
	Symbol string `yaml:"symbol"`

	// Widths is the strike-width set in dollars (e.g. [5, 10, 25]) used by
	// multi-leg strategies.
	Widths []float64 `yaml:"width_set"`
}

// CalcCadence returns the calc interval as a duration.
func (p PipelineConfig) CalcCadence() time.Duration {
	return time.Duration(p.CalcCadenceMS) * time.Millisecond
}

// DormancyThreshold returns the dormancy timeout as a duration.
func (p PipelineConfig) DormancyThreshold() time.Duration {
	return time.Duration(p.DormancyThresholdS) * time.Second
}

// EpochTTL returns the retired-epoch retention as a duration.
func (p PipelineConfig) EpochTTL() time.Duration {
	return time.Duration(p.EpochTTLS) * time.Second
}

// PublishTimeBoundary returns the max silent-publish interval as a duration.
func (p PipelineConfig) PublishTimeBoundary() time.Duration {
	return time.Duration(p.PublishTimeBoundaryMS) * time.Millisecond
}

// ArchiveConfig holds the optional published-model archive settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DB            DBConfig      `yaml:"db"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
