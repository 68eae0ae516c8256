package postgres

import (
	"fmt"
	"time"
)

// Config holds configuration for the PostgreSQL backed tenant and definition stores.
// Pool configuration is handled separately via PoolConfig.
type Config struct {
	Pool PoolConfig

	// AutoMigrate applies embedded schema migrations on open.
	AutoMigrate bool

	// QueryTimeout bounds every statement issued by the stores.
	// Default: 10s
	QueryTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query timeout must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	c.Pool.ApplyDefaults()
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
}
