package swarm

import (
	"fmt"
	"time"

	"github.com/docker/docker/api/types/swarm"
	"github.com/wolfeidau/storefleet/internal/models"
)

// Config holds service orchestration settings shared by every service the
// control plane launches.
type Config struct {
	// Network is the overlay network every service joins. Services are only
	// reachable through it, nothing is published on the ingress.
	Network string

	// UpdateDelay is the pause between rolling update batches.
	// Default: 10s
	UpdateDelay time.Duration

	// UpdateMonitor is how long each updated task is watched for failure.
	// Default: 15s
	UpdateMonitor time.Duration

	// RestartMaxAttempts bounds on-failure restarts.
	// Default: 3
	RestartMaxAttempts uint64

	// RestartDelay is the delay between restart attempts.
	// Default: 5s
	RestartDelay time.Duration

	// CallTimeout bounds every Engine API call.
	// Default: 30s
	CallTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.UpdateDelay == 0 {
		c.UpdateDelay = 10 * time.Second
	}
	if c.UpdateMonitor == 0 {
		c.UpdateMonitor = 15 * time.Second
	}
	if c.RestartMaxAttempts == 0 {
		c.RestartMaxAttempts = 3
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
}

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib

	// nano CPUs per hundredth of a core
	centiCPU = int64(10_000_000)
)

// Tier resource envelopes.
var tiers = map[string]swarm.ResourceRequirements{
	models.TierBasic: {
		Limits:       &swarm.Limit{MemoryBytes: 256 * mib, NanoCPUs: 25 * centiCPU},
		Reservations: &swarm.Resources{MemoryBytes: 64 * mib, NanoCPUs: 5 * centiCPU},
	},
	models.TierMedium: {
		Limits:       &swarm.Limit{MemoryBytes: 512 * mib, NanoCPUs: 50 * centiCPU},
		Reservations: &swarm.Resources{MemoryBytes: 128 * mib, NanoCPUs: 10 * centiCPU},
	},
	models.TierHigh: {
		Limits:       &swarm.Limit{MemoryBytes: gib, NanoCPUs: 100 * centiCPU},
		Reservations: &swarm.Resources{MemoryBytes: 256 * mib, NanoCPUs: 25 * centiCPU},
	},
}

// TierResources returns a fresh copy of the resource envelope for tier,
// falling back to basic for unknown tiers.
func TierResources(tier string) *swarm.ResourceRequirements {
	r, ok := tiers[tier]
	if !ok {
		r = tiers[models.TierBasic]
	}
	limits := *r.Limits
	reservations := *r.Reservations
	return &swarm.ResourceRequirements{Limits: &limits, Reservations: &reservations}
}
