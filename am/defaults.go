package am

import (
	"github.com/spf13/viper"
)

// Default backoff schedules. Kept as data so deployments retune them in forage.toml.
var (
	DefaultStagingBackoff     = []string{"1h", "4h", "16h"}
	DefaultQuarantineSchedule = []string{"5m", "15m", "1h", "4h", "24h"}
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "forage.db")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 2)

	// Worker pool
	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.type", "crawler")
	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.lease_timeout_seconds", 300)
	v.SetDefault("worker.heartbeat_interval_seconds", 30)
	v.SetDefault("worker.stale_after_seconds", 120)
	v.SetDefault("worker.heartbeat_retention_seconds", 900)
	v.SetDefault("worker.orphan_sweep", "@every 1m")
	v.SetDefault("worker.claims_per_second", 0)

	// Cursor
	v.SetDefault("cursor.max_queue_size", 500)
	v.SetDefault("cursor.max_visited", 5000)
	v.SetDefault("cursor.error_threshold", 10)
	v.SetDefault("cursor.unit_attempts", 3)

	// Staging
	v.SetDefault("staging.backoff", DefaultStagingBackoff)
	v.SetDefault("staging.max_retry", 3)
	v.SetDefault("staging.batch_size", 50)
	v.SetDefault("staging.promote_schedule", "")

	// Quarantine
	v.SetDefault("quarantine.backend", QuarantineBackendSQL)
	v.SetDefault("quarantine.redis_addr", "localhost:6379")
	v.SetDefault("quarantine.redis_db", 0)
	v.SetDefault("quarantine.window_seconds", 600)
	v.SetDefault("quarantine.threshold", 3)
	v.SetDefault("quarantine.schedule", DefaultQuarantineSchedule)

	// Envelope
	v.SetDefault("envelope.pool_size", 4)
	v.SetDefault("envelope.hard_timeout_seconds", 300)
	v.SetDefault("envelope.safety_margin_seconds", 30)
	v.SetDefault("envelope.stuck_sweep", "@every 5m")

	// Watchdog
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("watchdog.occurrences", 2)
	v.SetDefault("watchdog.window_seconds", 600)
	v.SetDefault("watchdog.cooldown_seconds", 900)
	v.SetDefault("watchdog.verify_delay_seconds", 60)
	v.SetDefault("watchdog.restart_command", "systemctl restart {service}")
	v.SetDefault("watchdog.process_name", "chrome")
	v.SetDefault("watchdog.max_processes", 40)
	v.SetDefault("watchdog.max_memory_percent", 90.0)
	v.SetDefault("watchdog.failure_rate", 0.5)
	v.SetDefault("watchdog.min_sample", 10)

	// Admin server
	v.SetDefault("server.addr", "")
}

// BindSensitiveEnvVars binds values commonly injected by the process supervisor
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "FORAGE_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("database.path", "FORAGE_DATABASE_PATH")
	_ = v.BindEnv("quarantine.redis_addr", "FORAGE_QUARANTINE_REDIS_ADDR", "REDIS_ADDR")
}
