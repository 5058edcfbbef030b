package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultFeedTimeout        = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultPollInterval       = 5 * time.Second
	DefaultPollConcurrency    = 4
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultReadTimeout        = 30 * time.Second

	DefaultCalcCadenceMS         = 200
	DefaultDormancyThresholdS    = 5
	DefaultEpochTTLS             = 60
	DefaultPublishValueThreshold = 0.10
	DefaultPublishTimeBoundaryMS = 2000

	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

func (c *EngineConfig) applyDefaults() {
	// Feed defaults
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = DefaultFeedTimeout
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = DefaultMaxRetries
	}
	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = DefaultPollInterval
	}
	if c.Feed.PollConcurrency == 0 {
		c.Feed.PollConcurrency = DefaultPollConcurrency
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.ReadTimeout == 0 {
		c.Feed.ReadTimeout = DefaultReadTimeout
	}

	// Engine defaults
	if c.Engine.CalcCadenceMS == 0 {
		c.Engine.CalcCadenceMS = DefaultCalcCadenceMS
	}
	if c.Engine.DormancyThresholdS == 0 {
		c.Engine.DormancyThresholdS = DefaultDormancyThresholdS
	}
	if c.Engine.EpochTTLS == 0 {
		c.Engine.EpochTTLS = DefaultEpochTTLS
	}
	if c.Engine.PublishValueThreshold == 0 {
		c.Engine.PublishValueThreshold = DefaultPublishValueThreshold
	}
	if c.Engine.PublishTimeBoundaryMS == 0 {
		c.Engine.PublishTimeBoundaryMS = DefaultPublishTimeBoundaryMS
	}

	// Archive defaults
	if c.Archive.Enabled {
		applyDBDefaults(&c.Archive.DB)
		if c.Archive.BatchSize == 0 {
			c.Archive.BatchSize = DefaultBatchSize
		}
		if c.Archive.FlushInterval == 0 {
			c.Archive.FlushInterval = DefaultFlushInterval
		}
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
