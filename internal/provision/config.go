package provision

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds provisioning settings.
type Config struct {
	// VolumeRoot is the parent directory of every tenant storage path.
	VolumeRoot string

	// DirMode is applied recursively to the tenant storage path.
	// Default: 0750
	DirMode string

	// Shell is the login shell given to tenant users.
	// Default: /usr/sbin/nologin
	Shell string

	// StepTimeout bounds each shell command and SQL statement.
	// Default: 15s
	StepTimeout time.Duration

	// ProbeTimeout bounds the database reachability probe including retries.
	// Default: 30s
	ProbeTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.VolumeRoot == "" {
		return fmt.Errorf("volume root is required")
	}
	if !filepath.IsAbs(c.VolumeRoot) {
		return fmt.Errorf("volume root must be absolute: %s", c.VolumeRoot)
	}
	if filepath.Clean(c.VolumeRoot) == "/" {
		return fmt.Errorf("volume root must not be /")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DirMode == "" {
		c.DirMode = "0750"
	}
	if c.Shell == "" {
		c.Shell = "/usr/sbin/nologin"
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 15 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 30 * time.Second
	}
}
