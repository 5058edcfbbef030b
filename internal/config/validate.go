package config

import (
	"errors"
	"fmt"
)

// Validate checks required fields and rejects nonsensical values. Call after
// applyDefaults.
func (c *EngineConfig) Validate() error {
	var errs []error

	if c.Instance.ID == "" {
		errs = append(errs, errors.New("instance.id is required"))
	}

	if c.Feed.RestURL == "" {
		errs = append(errs, errors.New("feed.rest_url is required"))
	}
	if c.Feed.WSURL == "" {
		errs = append(errs, errors.New("feed.ws_url is required"))
	}
	if c.Feed.PollConcurrency < 1 {
		errs = append(errs, fmt.Errorf("feed.poll_concurrency must be >= 1, got %d", c.Feed.PollConcurrency))
	}

	if c.Engine.CalcCadenceMS < 10 {
		errs = append(errs, fmt.Errorf("engine.calc_cadence_ms must be >= 10, got %d", c.Engine.CalcCadenceMS))
	}
	if c.Engine.DormancyThresholdS < 1 {
		errs = append(errs, fmt.Errorf("engine.dormancy_threshold_s must be >= 1, got %d", c.Engine.DormancyThresholdS))
	}
	if c.Engine.EpochTTLS < 1 {
		errs = append(errs, fmt.Errorf("engine.epoch_ttl_s must be >= 1, got %d", c.Engine.EpochTTLS))
	}
	if c.Engine.PublishValueThreshold < 0 {
		errs = append(errs, fmt.Errorf("engine.publish_value_threshold must be >= 0, got %g", c.Engine.PublishValueThreshold))
	}
	if c.Engine.PublishTimeBoundaryMS < c.Engine.CalcCadenceMS {
		errs = append(errs, fmt.Errorf("engine.publish_time_boundary_ms (%d) must be >= calc_cadence_ms (%d)",
			c.Engine.PublishTimeBoundaryMS, c.Engine.CalcCadenceMS))
	}

	if len(c.Engine.Symbols) == 0 {
		errs = append(errs, errors.New("engine.symbols must list at least one underlying"))
	}
	seen := make(map[string]struct{}, len(c.Engine.Symbols))
	for i, s := range c.Engine.Symbols {
		if s.Symbol == "" {
			errs = append(errs, fmt.Errorf("engine.symbols[%d].symbol is required", i))
			continue
		}
		if _, dup := seen[s.Symbol]; dup {
			errs = append(errs, fmt.Errorf("engine.symbols: duplicate symbol %q", s.Symbol))
		}
		seen[s.Symbol] = struct{}{}
		if len(s.Widths) == 0 {
			errs = append(errs, fmt.Errorf("engine.symbols[%d] (%s): width_set must not be empty", i, s.Symbol))
		}
		for _, w := range s.Widths {
			if w <= 0 {
				errs = append(errs, fmt.Errorf("engine.symbols[%d] (%s): width %g must be > 0", i, s.Symbol, w))
			}
		}
	}

	if c.Archive.Enabled {
		if c.Archive.DB.Host == "" {
			errs = append(errs, errors.New("archive.db.host is required when archive is enabled"))
		}
		if c.Archive.DB.Name == "" {
			errs = append(errs, errors.New("archive.db.name is required when archive is enabled"))
		}
		if c.Archive.DB.User == "" {
			errs = append(errs, errors.New("archive.db.user is required when archive is enabled"))
		}
	}

	return errors.Join(errs...)
}
