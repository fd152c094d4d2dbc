package am

import (
	"time"

	"github.com/teranos/forage/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, "":
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return errors.Newf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Worker.Workers < 0 {
		return errors.Newf("worker.workers must be >= 0, got %d", c.Worker.Workers)
	}
	if c.Worker.LeaseTimeoutSeconds < 0 || c.Worker.HeartbeatIntervalSeconds < 0 {
		return errors.New("worker timings must be >= 0")
	}
	// a lease must survive at least one missed heartbeat
	if c.Worker.LeaseTimeoutSeconds > 0 && c.Worker.HeartbeatIntervalSeconds > 0 &&
		c.Worker.LeaseTimeoutSeconds <= c.Worker.HeartbeatIntervalSeconds {
		return errors.Newf("worker.lease_timeout_seconds (%d) must exceed worker.heartbeat_interval_seconds (%d)",
			c.Worker.LeaseTimeoutSeconds, c.Worker.HeartbeatIntervalSeconds)
	}
	if c.Worker.RetentionSeconds > 0 && c.Worker.StaleAfterSeconds > 0 &&
		c.Worker.RetentionSeconds <= c.Worker.StaleAfterSeconds {
		return errors.Newf("worker.heartbeat_retention_seconds (%d) must exceed worker.stale_after_seconds (%d)",
			c.Worker.RetentionSeconds, c.Worker.StaleAfterSeconds)
	}
	if c.Worker.ClaimsPerSecond < 0 {
		return errors.Newf("worker.claims_per_second must be >= 0, got %f", c.Worker.ClaimsPerSecond)
	}

	if c.Cursor.MaxQueueSize < 0 || c.Cursor.ErrorThreshold < 0 || c.Cursor.MaxVisited < 0 || c.Cursor.UnitAttempts < 0 {
		return errors.New("cursor limits must be >= 0")
	}

	if _, err := ParseSchedule(c.Staging.Backoff); err != nil {
		return errors.Wrap(err, "staging.backoff")
	}
	if c.Staging.MaxRetry < 0 {
		return errors.Newf("staging.max_retry must be >= 0, got %d", c.Staging.MaxRetry)
	}

	switch c.Quarantine.Backend {
	case QuarantineBackendSQL, QuarantineBackendRedis, "":
	default:
		return errors.Newf("quarantine.backend must be sql or redis, got %q", c.Quarantine.Backend)
	}
	if _, err := ParseSchedule(c.Quarantine.Schedule); err != nil {
		return errors.Wrap(err, "quarantine.schedule")
	}

	if c.Envelope.HardTimeoutSeconds > 0 && c.Envelope.SafetyMarginSeconds >= c.Envelope.HardTimeoutSeconds {
		return errors.Newf("envelope.safety_margin_seconds (%d) must be below envelope.hard_timeout_seconds (%d)",
			c.Envelope.SafetyMarginSeconds, c.Envelope.HardTimeoutSeconds)
	}

	if c.Watchdog.Occurrences != 0 && c.Watchdog.Occurrences < 2 {
		return errors.Newf("watchdog.occurrences must be >= 2, got %d", c.Watchdog.Occurrences)
	}
	for _, svc := range c.Watchdog.Services {
		if svc.Name == "" || (svc.URL == "") == (svc.Address == "") {
			return errors.Newf("watchdog.services entry %q needs a name and exactly one of url or address", svc.Name)
		}
	}

	return nil
}

// ParseSchedule converts an ordered list of duration strings into durations.
// Entries must be positive and non-decreasing.
func ParseSchedule(entries []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(entries))
	for i, entry := range entries {
		d, err := time.ParseDuration(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}
		if d <= 0 {
			return nil, errors.Newf("entry %d must be positive, got %s", i, entry)
		}
		if len(out) > 0 && d < out[len(out)-1] {
			return nil, errors.Newf("entry %d (%s) is shorter than its predecessor", i, entry)
		}
		out = append(out, d)
	}
	return out, nil
}

// Seconds converts a config seconds value to a duration, substituting fallback for <= 0.
func Seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
