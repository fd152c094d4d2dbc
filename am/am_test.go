package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "forage.db", cfg.Database.Path)
	assert.Equal(t, 1, cfg.Worker.Workers)
	assert.Equal(t, 300, cfg.Worker.LeaseTimeoutSeconds)
	assert.Equal(t, []string{"1h", "4h", "16h"}, cfg.Staging.Backoff)
	assert.Equal(t, 3, cfg.Staging.MaxRetry)
	assert.Equal(t, 3, cfg.Quarantine.Threshold)
	assert.Equal(t, 2, cfg.Watchdog.Occurrences)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
[worker]
workers = 4
group_keys = ["berlin:bakery"]

[staging]
backoff = ["30m", "2h"]
max_retry = 2

[[watchdog.services]]
name = "redis"
address = "localhost:6379"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, []string{"berlin:bakery"}, cfg.Worker.GroupKeys)
	assert.Equal(t, []string{"30m", "2h"}, cfg.Staging.Backoff)
	assert.Equal(t, 2, cfg.Staging.MaxRetry)
	require.Len(t, cfg.Watchdog.Services, 1)
	assert.Equal(t, "localhost:6379", cfg.Watchdog.Services[0].Address)
	// untouched sections keep defaults
	assert.Equal(t, 500, cfg.Cursor.MaxQueueSize)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero workers is valid", func(c *Config) { c.Worker.Workers = 0 }, false},
		{"negative workers", func(c *Config) { c.Worker.Workers = -1 }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres }, true},
		{"lease shorter than heartbeat", func(c *Config) { c.Worker.LeaseTimeoutSeconds = 10 }, true},
		{"decreasing backoff", func(c *Config) { c.Staging.Backoff = []string{"4h", "1h"} }, true},
		{"bad duration", func(c *Config) { c.Quarantine.Schedule = []string{"soon"} }, true},
		{"single occurrence watchdog", func(c *Config) { c.Watchdog.Occurrences = 1 }, true},
		{"margin beyond hard timeout", func(c *Config) { c.Envelope.SafetyMarginSeconds = 400 }, true},
		{"service with both targets", func(c *Config) {
			c.Watchdog.Services = []ServiceCheck{{Name: "x", URL: "http://x", Address: "x:1"}}
		}, true},
		{"unknown quarantine backend", func(c *Config) { c.Quarantine.Backend = "memcached" }, true},
		{"retention inside stale window", func(c *Config) { c.Worker.RetentionSeconds = 60 }, true},
		{"retention off", func(c *Config) { c.Worker.RetentionSeconds = 0 }, false},
		{"negative unit attempts", func(c *Config) { c.Cursor.UnitAttempts = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSchedule(t *testing.T) {
	got, err := ParseSchedule([]string{"1h", "4h", "16h"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Hour, 4 * time.Hour, 16 * time.Hour}, got)

	_, err = ParseSchedule([]string{"-1m"})
	assert.Error(t, err)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 30*time.Second, Seconds(30, time.Minute))
	assert.Equal(t, time.Minute, Seconds(0, time.Minute))
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	SetConfigFile(filepath.Join(dir, "missing.toml"))
	t.Cleanup(func() { SetConfigFile("") })
	t.Setenv("FORAGE_WORKER_WORKERS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Worker.Workers)
}

func TestRender(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	out, err := Render(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[staging]")
	assert.Contains(t, string(out), "max_retry = 3")
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[worker]\nworkers = 1\n"), 0644))

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[worker]\nworkers = 3\n"), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 3, c.Worker.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback not invoked")
	}
}
