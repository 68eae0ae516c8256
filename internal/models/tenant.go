package models

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource tiers a tenant service can run with.
const (
	TierBasic  = "basic"
	TierMedium = "medium"
	TierHigh   = "high"
)

// ValidTier reports whether tier is one of the known tiers.
func ValidTier(tier string) bool {
	switch tier {
	case TierBasic, TierMedium, TierHigh:
		return true
	}
	return false
}

// Tenant represents a hosted store. Each tenant has its own API service,
// database, OS user and messaging channel and may share a theme service with
// other tenants.
type Tenant struct {
	ID        uuid.UUID  // random (v4), the first segment is used as the base id
	Name      string     // unique, used as the routing slug
	ThemeID   *uuid.UUID // nil means the API is served directly
	APIID     uuid.UUID
	Domains   []string
	Tier      string
	Replicas  uint64 // desired replicas while running
	IsActive  bool
	IsRunning bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BaseID returns the first segment of the tenant id. It keeps derived OS and
// database identifiers short.
func (t *Tenant) BaseID() string {
	return BaseID(t.ID)
}

// HasDomain reports whether domain is already attached to the tenant.
func (t *Tenant) HasDomain(domain string) bool {
	return slices.Contains(t.Domains, NormalizeDomain(domain))
}

// Clone returns a deep copy of the tenant.
func (t *Tenant) Clone() *Tenant {
	c := *t
	if t.ThemeID != nil {
		id := *t.ThemeID
		c.ThemeID = &id
	}
	c.Domains = slices.Clone(t.Domains)
	return &c
}

// BaseID returns the first dash separated segment of id.
func BaseID(id uuid.UUID) string {
	s := id.String()
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)
)

// ValidName reports whether name can be used as a routing slug.
func ValidName(name string) bool {
	return slugPattern.MatchString(name)
}

// ValidDomain reports whether domain is a normalized fully qualified host name.
func ValidDomain(domain string) bool {
	return len(domain) <= 253 && domainPattern.MatchString(domain)
}

// NormalizeDomain lowercases and trims a domain name.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// APIServiceName is the orchestrator service name for a tenant's API.
func APIServiceName(tenantID uuid.UUID) string {
	return "api_store_" + tenantID.String()
}

// ThemeServiceName is the orchestrator service name for a shared theme.
func ThemeServiceName(themeID uuid.UUID) string {
	return "theme_" + themeID.String()
}
