package messaging

import (
	"fmt"
	"time"
)

// Config holds Redis messaging settings.
type Config struct {
	// Addr is the Redis address (host:port).
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces channel metadata keys.
	// Default: storefleet
	KeyPrefix string

	// PopTimeout is how long a consumer blocks waiting for a message. Redis
	// supports whole seconds only.
	// Default: 1s
	PopTimeout time.Duration

	// Attempts is the number of tries for a send or a handler delivery.
	// Default: 3
	Attempts uint

	// RetryInterval is the first backoff interval, doubled on every retry.
	// Default: 200ms
	RetryInterval time.Duration

	// FailedRetention is the number of failed messages kept per queue.
	// Default: 100
	FailedRetention int64

	// DrainTimeout is how long Drain waits for an acknowledgement.
	// Default: 30s
	DrainTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.PopTimeout < time.Second {
		return fmt.Errorf("pop timeout must be at least 1s")
	}
	if c.Attempts == 0 {
		return fmt.Errorf("attempts must be positive")
	}
	if c.FailedRetention <= 0 {
		return fmt.Errorf("failed retention must be positive")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "storefleet"
	}
	if c.PopTimeout == 0 {
		c.PopTimeout = time.Second
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	if c.FailedRetention == 0 {
		c.FailedRetention = 100
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
}
