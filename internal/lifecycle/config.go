package lifecycle

import (
	"fmt"
	"path"
	"time"

	"github.com/wolfeidau/storefleet/internal/models"
)

// Config holds tenant lifecycle settings.
type Config struct {
	// DataMountTarget is where the tenant storage directory is mounted inside
	// API containers.
	// Default: /data
	DataMountTarget string

	// ThemeReplicas is the replica count of shared theme services.
	// Default: 1
	ThemeReplicas uint64

	// ThemeTier is the resource tier of shared theme services.
	// Default: medium
	ThemeTier string

	// DrainTimeout bounds the wait for a drain acknowledgement before a
	// running service is stopped or removed.
	// Default: 30s
	DrainTimeout time.Duration

	// StepTimeout bounds every external call of a workflow step. It must
	// exceed DrainTimeout.
	// Default: 2m
	StepTimeout time.Duration

	// RolloutConcurrency limits parallel service updates when a definition
	// changes.
	// Default: 4
	RolloutConcurrency int

	// EnforceGlobalDomainUniqueness rejects a custom domain already attached
	// to another tenant.
	EnforceGlobalDomainUniqueness bool

	// WeightedUpstreams routes custom domains to live task endpoints instead
	// of the service name.
	WeightedUpstreams bool

	// Env is added to every API service, for example database host and
	// Redis address.
	Env map[string]string
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !path.IsAbs(c.DataMountTarget) {
		return fmt.Errorf("data mount target must be absolute: %s", c.DataMountTarget)
	}
	if !models.ValidTier(c.ThemeTier) {
		return fmt.Errorf("invalid theme tier: %s", c.ThemeTier)
	}
	if c.StepTimeout <= c.DrainTimeout {
		return fmt.Errorf("step timeout %s must exceed drain timeout %s", c.StepTimeout, c.DrainTimeout)
	}
	if c.RolloutConcurrency < 1 {
		return fmt.Errorf("rollout concurrency must be at least 1")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DataMountTarget == "" {
		c.DataMountTarget = "/data"
	}
	if c.ThemeReplicas == 0 {
		c.ThemeReplicas = 1
	}
	if c.ThemeTier == "" {
		c.ThemeTier = models.TierMedium
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.RolloutConcurrency == 0 {
		c.RolloutConcurrency = 4
	}
}
