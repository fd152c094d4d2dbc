package am

// Config represents the forage configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Worker     WorkerConfig     `mapstructure:"worker" toml:"worker"`
	Cursor     CursorConfig     `mapstructure:"cursor" toml:"cursor"`
	Staging    StagingConfig    `mapstructure:"staging" toml:"staging"`
	Quarantine QuarantineConfig `mapstructure:"quarantine" toml:"quarantine"`
	Envelope   EnvelopeConfig   `mapstructure:"envelope" toml:"envelope"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog" toml:"watchdog"`
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the shared store every worker coordinates through
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" toml:"driver"`                 // sqlite or postgres
	Path         string `mapstructure:"path" toml:"path"`                     // sqlite file path
	DSN          string `mapstructure:"dsn" toml:"dsn"`                       // postgres connection string
	MaxOpenConns int    `mapstructure:"max_open_conns" toml:"max_open_conns"` // 0 = driver default
	MaxIdleConns int    `mapstructure:"max_idle_conns" toml:"max_idle_conns"`
}

// WorkerConfig configures the worker pool and its lease handling
type WorkerConfig struct {
	Workers                  int      `mapstructure:"workers" toml:"workers"`
	Name                     string   `mapstructure:"name" toml:"name"` // empty = <host>-<pid>
	Type                     string   `mapstructure:"type" toml:"type"`
	PollIntervalSeconds      int      `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`
	LeaseTimeoutSeconds      int      `mapstructure:"lease_timeout_seconds" toml:"lease_timeout_seconds"` // stale heartbeat = orphan
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
	StaleAfterSeconds        int      `mapstructure:"stale_after_seconds" toml:"stale_after_seconds"` // worker heartbeat staleness
	RetentionSeconds         int      `mapstructure:"heartbeat_retention_seconds" toml:"heartbeat_retention_seconds"` // silent rows are marked failed after this
	OrphanSweep              string   `mapstructure:"orphan_sweep" toml:"orphan_sweep"`               // cron spec, e.g. "@every 1m"
	ClaimsPerSecond          float64  `mapstructure:"claims_per_second" toml:"claims_per_second"`     // 0 = unpaced
	GroupKeys                []string `mapstructure:"group_keys" toml:"group_keys"`
	Modules                  []string `mapstructure:"modules" toml:"modules"`
}

// CursorConfig bounds checkpoint cursor state
type CursorConfig struct {
	MaxQueueSize   int `mapstructure:"max_queue_size" toml:"max_queue_size"`
	MaxVisited     int `mapstructure:"max_visited" toml:"max_visited"`
	ErrorThreshold int `mapstructure:"error_threshold" toml:"error_threshold"`
	UnitAttempts   int `mapstructure:"unit_attempts" toml:"unit_attempts"` // tries per unit on transient errors
}

// StagingConfig configures the staging to canonical promotion pipeline
type StagingConfig struct {
	Backoff         []string `mapstructure:"backoff" toml:"backoff"` // ordered delays indexed by retry count
	MaxRetry        int      `mapstructure:"max_retry" toml:"max_retry"`
	BatchSize       int      `mapstructure:"batch_size" toml:"batch_size"`
	PromoteSchedule string   `mapstructure:"promote_schedule" toml:"promote_schedule"` // cron spec, empty = disabled
}

// Quarantine backends
const (
	QuarantineBackendSQL   = "sql"
	QuarantineBackendRedis = "redis"
)

// QuarantineConfig configures the per-resource circuit breaker
type QuarantineConfig struct {
	Backend       string   `mapstructure:"backend" toml:"backend"` // sql or redis
	RedisAddr     string   `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisDB       int      `mapstructure:"redis_db" toml:"redis_db"`
	WindowSeconds int      `mapstructure:"window_seconds" toml:"window_seconds"`
	Threshold     int      `mapstructure:"threshold" toml:"threshold"`
	Schedule      []string `mapstructure:"schedule" toml:"schedule"` // trip durations indexed by retry attempt
}

// EnvelopeConfig configures the execution envelope around module units
type EnvelopeConfig struct {
	PoolSize            int    `mapstructure:"pool_size" toml:"pool_size"`
	HardTimeoutSeconds  int    `mapstructure:"hard_timeout_seconds" toml:"hard_timeout_seconds"`
	SafetyMarginSeconds int    `mapstructure:"safety_margin_seconds" toml:"safety_margin_seconds"`
	StuckSweep          string `mapstructure:"stuck_sweep" toml:"stuck_sweep"` // cron spec
}

// WatchdogConfig configures the self-healing watchdog
type WatchdogConfig struct {
	IntervalSeconds    int               `mapstructure:"interval_seconds" toml:"interval_seconds"`
	Occurrences        int               `mapstructure:"occurrences" toml:"occurrences"` // corroborating observations before acting (>= 2)
	WindowSeconds      int               `mapstructure:"window_seconds" toml:"window_seconds"`
	CooldownSeconds    int               `mapstructure:"cooldown_seconds" toml:"cooldown_seconds"`
	VerifyDelaySeconds int               `mapstructure:"verify_delay_seconds" toml:"verify_delay_seconds"`
	RestartCommand     string            `mapstructure:"restart_command" toml:"restart_command"` // {service} is substituted
	WorkerServices     map[string]string `mapstructure:"worker_services" toml:"worker_services"` // worker type -> service name
	ProcessName        string            `mapstructure:"process_name" toml:"process_name"`       // automation process to count
	ProcessService     string            `mapstructure:"process_service" toml:"process_service"`
	MaxProcesses       int               `mapstructure:"max_processes" toml:"max_processes"`
	MaxMemoryPercent   float64           `mapstructure:"max_memory_percent" toml:"max_memory_percent"`
	MemoryService      string            `mapstructure:"memory_service" toml:"memory_service"`
	FailureRate        float64           `mapstructure:"failure_rate" toml:"failure_rate"`
	MinSample          int               `mapstructure:"min_sample" toml:"min_sample"`
	Services           []ServiceCheck    `mapstructure:"services" toml:"services"`
}

// ServiceCheck describes a shared service whose availability is probed.
// Exactly one of URL or Address is set.
type ServiceCheck struct {
	Name    string `mapstructure:"name" toml:"name"`
	URL     string `mapstructure:"url" toml:"url"`         // HTTP GET, 2xx/3xx = up
	Address string `mapstructure:"address" toml:"address"` // TCP dial
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"` // empty = disabled
}

// File system constants
const (
	DefaultDirPermissions = 0755
)
