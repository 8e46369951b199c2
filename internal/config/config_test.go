package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndValidate_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadAndValidate("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Instance.ID)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, 3, cfg.Session.MutationRetries)
	assert.Equal(t, 5, cfg.Session.MembershipRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.MembershipRetryDelay)
	assert.Equal(t, 1000, cfg.Session.SubscriptionBuffer)
	assert.Equal(t, 500, cfg.Session.MaxQueueSize)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Database.Enabled())
	assert.Zero(t, cfg.Database.Port, "database defaults only apply when enabled")
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TEST_DB_PASSWORD", "hunter2")

	path := writeTempFile(t, "config.yaml", `
instance:
  id: node-a
http:
  addr: ":9000"
  shutdown_timeout: 5s
database:
  host: db.internal
  name: boardsync
  user: sync
  password: ${TEST_DB_PASSWORD}
session:
  write_debounce: 500ms
  write_max_delay: 3s
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Instance.ID)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, DefaultDBPort, cfg.Database.Port)
	assert.Equal(t, DefaultMaxConns, cfg.Database.MaxConns)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.WriteDebounce)
	assert.Equal(t, 3*time.Second, cfg.Session.WriteMaxDelay)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BOARDSYNC_HTTP_ADDR", ":7000")
	t.Setenv("BOARDSYNC_REDIS_ADDR", "localhost:6379")
	t.Setenv("BOARDSYNC_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("BOARDSYNC_RATE_JOIN", "2")

	path := writeTempFile(t, "config.yaml", "http:\n  addr: \":9000\"\n")

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)

	limits := cfg.RateLimit.Limits()
	assert.Equal(t, ratelimit.Rule{Count: 2, Per: time.Minute}, limits.Overrides[ratelimit.OpJoinSession])
	assert.Equal(t, DefaultRatePerMinute, limits.Default.Count)
}

func TestLoad_Dotenv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// Register cleanup, then leave the variable unset so .env can supply it.
	t.Setenv("BOARDSYNC_JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("BOARDSYNC_JWT_SECRET"))
	t.Setenv("BOARDSYNC_LOG_LEVEL", "debug")

	require.NoError(t, os.WriteFile(filepath.Join(dir, DotenvFile),
		[]byte("BOARDSYNC_JWT_SECRET=from-dotenv\nBOARDSYNC_LOG_LEVEL=warn\n"), 0o600))

	cfg, err := LoadAndValidate("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Log.Level, "process env wins over .env")
}

func TestLoad_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	bad := writeTempFile(t, "bad.yaml", "http: [unterminated")
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config yaml")

	t.Setenv("BOARDSYNC_MUTATION_RETRIES", "lots")
	_, err = Load("")
	assert.ErrorContains(t, err, "parse env")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format must be json or console",
		},
		{
			name:    "database without name",
			mutate:  func(c *Config) { c.Database = DatabaseConfig{Host: "db", User: "u", MaxConns: 1} },
			wantErr: "database.name is required",
		},
		{
			name: "database min over max",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Host: "db", Name: "n", User: "u", MinConns: 5, MaxConns: 2}
			},
			wantErr: "database.min_conns (5) cannot exceed max_conns (2)",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Session.MutationRetries = 0 },
			wantErr: "session.mutation_retries must be >= 1",
		},
		{
			name:    "heartbeat slower than ttl",
			mutate:  func(c *Config) { c.Session.HeartbeatInterval = time.Minute },
			wantErr: "session.heartbeat_interval",
		},
		{
			name:    "max delay under debounce",
			mutate:  func(c *Config) { c.Session.WriteMaxDelay = time.Second },
			wantErr: "session.write_max_delay",
		},
		{
			name:    "radius over max",
			mutate:  func(c *Config) { c.Session.DiscoveryDefaultRadius = 1e6 },
			wantErr: "session.discovery_default_radius",
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.RateLimit.SetQueuePerMinute = -1 },
			wantErr: "rate_limit.set_queue_per_minute must be >= 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
