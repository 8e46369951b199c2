package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdown_timeout must be > 0")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	s := c.Session
	if s.MutationRetries < 1 {
		return errors.New("session.mutation_retries must be >= 1")
	}
	if s.MembershipRetries < 1 {
		return errors.New("session.membership_retries must be >= 1")
	}
	if s.SubscriptionBuffer < 1 {
		return errors.New("session.subscription_buffer must be >= 1")
	}
	if s.MaxQueueSize < 1 {
		return errors.New("session.max_queue_size must be >= 1")
	}
	if s.HeartbeatInterval >= s.HeartbeatTTL {
		return fmt.Errorf("session.heartbeat_interval (%s) must be shorter than heartbeat_ttl (%s)",
			s.HeartbeatInterval, s.HeartbeatTTL)
	}
	if s.HeartbeatTTL >= s.ConnectionTTL {
		return fmt.Errorf("session.heartbeat_ttl (%s) must be shorter than connection_ttl (%s)",
			s.HeartbeatTTL, s.ConnectionTTL)
	}
	if s.WriteMaxDelay < s.WriteDebounce {
		return fmt.Errorf("session.write_max_delay (%s) cannot be shorter than write_debounce (%s)",
			s.WriteMaxDelay, s.WriteDebounce)
	}
	if s.DiscoveryDefaultRadius > s.DiscoveryMaxRadius {
		return fmt.Errorf("session.discovery_default_radius (%g) cannot exceed discovery_max_radius (%g)",
			s.DiscoveryDefaultRadius, s.DiscoveryMaxRadius)
	}

	r := c.RateLimit
	for name, v := range map[string]int{
		"rate_limit.default_per_minute":   r.DefaultPerMinute,
		"rate_limit.join_per_minute":      r.JoinPerMinute,
		"rate_limit.create_per_minute":    r.CreatePerMinute,
		"rate_limit.set_queue_per_minute": r.SetQueuePerMinute,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1", name)
		}
	}
	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
