// Package config loads server configuration from an optional YAML file, a
// .env file and environment variables, in that order of increasing priority.
package config

import (
	"time"

	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
)

type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type InstanceConfig struct {
	// ID defaults to a random uuid per process.
	ID string `yaml:"id" env:"BOARDSYNC_INSTANCE_ID"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"BOARDSYNC_HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"BOARDSYNC_SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"BOARDSYNC_ALLOWED_ORIGINS" envSeparator:","`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"BOARDSYNC_LOG_LEVEL"`
	Format string `yaml:"format" env:"BOARDSYNC_LOG_FORMAT"`
}

// RedisConfig selects the shared coordination store. An empty Addr runs the
// server as a single instance with in-process state.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"BOARDSYNC_REDIS_ADDR"`
	Password  string `yaml:"password" env:"BOARDSYNC_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"BOARDSYNC_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"BOARDSYNC_REDIS_KEY_PREFIX"`
	Channel   string `yaml:"channel" env:"BOARDSYNC_REDIS_CHANNEL"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// DatabaseConfig selects durable storage. An empty Host keeps sessions in
// memory.
type DatabaseConfig struct {
	Host     string `yaml:"host" env:"BOARDSYNC_DB_HOST"`
	Port     int    `yaml:"port" env:"BOARDSYNC_DB_PORT"`
	Name     string `yaml:"name" env:"BOARDSYNC_DB_NAME"`
	User     string `yaml:"user" env:"BOARDSYNC_DB_USER"`
	Password string `yaml:"password" env:"BOARDSYNC_DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"BOARDSYNC_DB_SSLMODE"`
	MinConns int    `yaml:"min_conns" env:"BOARDSYNC_DB_MIN_CONNS"`
	MaxConns int    `yaml:"max_conns" env:"BOARDSYNC_DB_MAX_CONNS"`
}

func (d DatabaseConfig) Enabled() bool { return d.Host != "" }

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"BOARDSYNC_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"BOARDSYNC_JWT_ISSUER"`
	Audience  string `yaml:"audience" env:"BOARDSYNC_JWT_AUDIENCE"`
}

// SessionConfig holds the tuning knobs of the sync engine.
type SessionConfig struct {
	MutationRetries      int           `yaml:"mutation_retries" env:"BOARDSYNC_MUTATION_RETRIES"`
	MembershipRetries    int           `yaml:"membership_retries" env:"BOARDSYNC_MEMBERSHIP_RETRIES"`
	MembershipRetryDelay time.Duration `yaml:"membership_retry_delay" env:"BOARDSYNC_MEMBERSHIP_RETRY_DELAY"`
	SubscriptionBuffer   int           `yaml:"subscription_buffer" env:"BOARDSYNC_SUBSCRIPTION_BUFFER"`
	MaxQueueSize         int           `yaml:"max_queue_size" env:"BOARDSYNC_MAX_QUEUE_SIZE"`

	ConnectionTTL     time.Duration `yaml:"connection_ttl" env:"BOARDSYNC_CONNECTION_TTL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"BOARDSYNC_HEARTBEAT_INTERVAL"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl" env:"BOARDSYNC_HEARTBEAT_TTL"`
	ReapInterval      time.Duration `yaml:"reap_interval" env:"BOARDSYNC_REAP_INTERVAL"`
	SessionTTL        time.Duration `yaml:"session_ttl" env:"BOARDSYNC_SESSION_TTL"`
	EmptySessionGrace time.Duration `yaml:"empty_session_grace" env:"BOARDSYNC_EMPTY_SESSION_GRACE"`

	WriteDebounce time.Duration `yaml:"write_debounce" env:"BOARDSYNC_WRITE_DEBOUNCE"`
	WriteMaxDelay time.Duration `yaml:"write_max_delay" env:"BOARDSYNC_WRITE_MAX_DELAY"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"BOARDSYNC_FLUSH_INTERVAL"`

	DiscoveryWindow        time.Duration `yaml:"discovery_window" env:"BOARDSYNC_DISCOVERY_WINDOW"`
	DiscoveryLimit         int           `yaml:"discovery_limit" env:"BOARDSYNC_DISCOVERY_LIMIT"`
	DiscoveryDefaultRadius float64       `yaml:"discovery_default_radius" env:"BOARDSYNC_DISCOVERY_DEFAULT_RADIUS"`
	DiscoveryMaxRadius     float64       `yaml:"discovery_max_radius" env:"BOARDSYNC_DISCOVERY_MAX_RADIUS"`
}

// RateLimitConfig is expressed in operations per minute.
type RateLimitConfig struct {
	DefaultPerMinute  int           `yaml:"default_per_minute" env:"BOARDSYNC_RATE_DEFAULT"`
	JoinPerMinute     int           `yaml:"join_per_minute" env:"BOARDSYNC_RATE_JOIN"`
	CreatePerMinute   int           `yaml:"create_per_minute" env:"BOARDSYNC_RATE_CREATE"`
	SetQueuePerMinute int           `yaml:"set_queue_per_minute" env:"BOARDSYNC_RATE_SET_QUEUE"`
	IdleTTL           time.Duration `yaml:"idle_ttl" env:"BOARDSYNC_RATE_IDLE_TTL"`
}

func (r RateLimitConfig) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		Default: ratelimit.Rule{Count: r.DefaultPerMinute, Per: time.Minute},
		Overrides: map[string]ratelimit.Rule{
			ratelimit.OpJoinSession:   {Count: r.JoinPerMinute, Per: time.Minute},
			ratelimit.OpCreateSession: {Count: r.CreatePerMinute, Per: time.Minute},
			ratelimit.OpSetQueue:      {Count: r.SetQueuePerMinute, Per: time.Minute},
		},
	}
}
