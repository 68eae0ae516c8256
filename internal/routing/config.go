package routing

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/wolfeidau/storefleet/internal/models"
)

// Config holds reverse proxy settings.
type Config struct {
	// AvailableDir holds every generated file.
	// Default: /etc/nginx/sites-available
	AvailableDir string

	// EnabledDir holds symlinks to the files nginx should load.
	// Default: /etc/nginx/sites-enabled
	EnabledDir string

	// PrimaryDomain is the platform's canonical domain, tenants are reachable
	// at <scheme>://<PrimaryDomain>/<name>/.
	PrimaryDomain string

	// APISubdomain hosts the path based API routes.
	// Default: api
	APISubdomain string

	// Scheme used when building externally visible base URLs.
	// Default: https
	Scheme string

	// Resolver is the DNS server used to resolve service names.
	// Default: 127.0.0.11 (Docker embedded DNS)
	Resolver string

	// DefaultAPIPort is the port assumed for API services in the API
	// subdomain route when a tenant does not override it.
	// Default: 3334
	DefaultAPIPort int

	// ReloadCooldown is the window during which reload requests are merged.
	// Default: 2s
	ReloadCooldown time.Duration

	// ReloadTimeout bounds a single config test and reload.
	// Default: 30s
	ReloadTimeout time.Duration

	// GlobalApps are routed by subdomain of the primary domain.
	GlobalApps []models.GlobalApp
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.PrimaryDomain == "" {
		return fmt.Errorf("primary domain is required")
	}
	if !models.ValidDomain(c.PrimaryDomain) {
		return fmt.Errorf("invalid primary domain: %s", c.PrimaryDomain)
	}
	if !filepath.IsAbs(c.AvailableDir) || !filepath.IsAbs(c.EnabledDir) {
		return fmt.Errorf("proxy config directories must be absolute")
	}
	if filepath.Clean(c.AvailableDir) == filepath.Clean(c.EnabledDir) {
		return fmt.Errorf("available and enabled directories must differ")
	}
	for _, app := range c.GlobalApps {
		if app.Subdomain == "" || app.Service == "" || app.Port <= 0 {
			return fmt.Errorf("global app %q needs a subdomain, service and port", app.Name)
		}
		if app.Subdomain == c.APISubdomain {
			return fmt.Errorf("global app %q uses the reserved api subdomain", app.Name)
		}
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.AvailableDir == "" {
		c.AvailableDir = "/etc/nginx/sites-available"
	}
	if c.EnabledDir == "" {
		c.EnabledDir = "/etc/nginx/sites-enabled"
	}
	if c.APISubdomain == "" {
		c.APISubdomain = "api"
	}
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.Resolver == "" {
		c.Resolver = "127.0.0.11"
	}
	if c.DefaultAPIPort == 0 {
		c.DefaultAPIPort = 3334
	}
	if c.ReloadCooldown == 0 {
		c.ReloadCooldown = 2 * time.Second
	}
	if c.ReloadTimeout == 0 {
		c.ReloadTimeout = 30 * time.Second
	}
}
