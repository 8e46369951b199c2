package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultHTTPAddr             = ":8080"
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultRedisKeyPrefix       = "boardsync:"
	DefaultRedisChannel         = "boardsync:events"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultMutationRetries      = 3
	DefaultMembershipRetries    = 5
	DefaultMembershipRetryDelay = 50 * time.Millisecond
	DefaultSubscriptionBuffer   = 1000
	DefaultMaxQueueSize         = 500
	DefaultConnectionTTL        = 2 * time.Minute
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultHeartbeatTTL         = 30 * time.Second
	DefaultReapInterval         = 30 * time.Second
	DefaultSessionTTL           = 24 * time.Hour
	DefaultEmptySessionGrace    = 30 * time.Second
	DefaultWriteDebounce        = 2 * time.Second
	DefaultWriteMaxDelay        = 10 * time.Second
	DefaultFlushInterval        = 30 * time.Second
	DefaultDiscoveryWindow      = 24 * time.Hour
	DefaultDiscoveryLimit       = 20
	DefaultDiscoveryRadius      = 5000.0
	DefaultDiscoveryMaxRadius   = 50000.0
	DefaultRatePerMinute        = 60
	DefaultJoinPerMinute        = 10
	DefaultCreatePerMinute      = 5
	DefaultSetQueuePerMinute    = 30
	DefaultRateIdleTTL          = 10 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = uuid.NewString()
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}

	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultMinConns
		}
	}

	s := &c.Session
	if s.MutationRetries == 0 {
		s.MutationRetries = DefaultMutationRetries
	}
	if s.MembershipRetries == 0 {
		s.MembershipRetries = DefaultMembershipRetries
	}
	if s.MembershipRetryDelay == 0 {
		s.MembershipRetryDelay = DefaultMembershipRetryDelay
	}
	if s.SubscriptionBuffer == 0 {
		s.SubscriptionBuffer = DefaultSubscriptionBuffer
	}
	if s.MaxQueueSize == 0 {
		s.MaxQueueSize = DefaultMaxQueueSize
	}
	if s.ConnectionTTL == 0 {
		s.ConnectionTTL = DefaultConnectionTTL
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.HeartbeatTTL == 0 {
		s.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if s.ReapInterval == 0 {
		s.ReapInterval = DefaultReapInterval
	}
	if s.SessionTTL == 0 {
		s.SessionTTL = DefaultSessionTTL
	}
	if s.EmptySessionGrace == 0 {
		s.EmptySessionGrace = DefaultEmptySessionGrace
	}
	if s.WriteDebounce == 0 {
		s.WriteDebounce = DefaultWriteDebounce
	}
	if s.WriteMaxDelay == 0 {
		s.WriteMaxDelay = DefaultWriteMaxDelay
	}
	if s.FlushInterval == 0 {
		s.FlushInterval = DefaultFlushInterval
	}
	if s.DiscoveryWindow == 0 {
		s.DiscoveryWindow = DefaultDiscoveryWindow
	}
	if s.DiscoveryLimit == 0 {
		s.DiscoveryLimit = DefaultDiscoveryLimit
	}
	if s.DiscoveryDefaultRadius == 0 {
		s.DiscoveryDefaultRadius = DefaultDiscoveryRadius
	}
	if s.DiscoveryMaxRadius == 0 {
		s.DiscoveryMaxRadius = DefaultDiscoveryMaxRadius
	}

	r := &c.RateLimit
	if r.DefaultPerMinute == 0 {
		r.DefaultPerMinute = DefaultRatePerMinute
	}
	if r.JoinPerMinute == 0 {
		r.JoinPerMinute = DefaultJoinPerMinute
	}
	if r.CreatePerMinute == 0 {
		r.CreatePerMinute = DefaultCreatePerMinute
	}
	if r.SetQueuePerMinute == 0 {
		r.SetQueuePerMinute = DefaultSetQueuePerMinute
	}
	if r.IdleTTL == 0 {
		r.IdleTTL = DefaultRateIdleTTL
	}
}
