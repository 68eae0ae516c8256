// Package routing generates and activates the nginx configuration that
// routes custom domains, tenant slugs and API paths to tenant services.
package routing

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/models"
)

// Header names shared with the theme and API images.
const (
	// HeaderAPIService names the API service a shared theme process should
	// call for the current request, as host:port.
	HeaderAPIService = "X-API-Service"
	// HeaderBaseURL is the externally visible base URL of the tenant.
	HeaderBaseURL = "X-Base-URL"
	// HeaderPlatformDomain is the platform's canonical domain.
	HeaderPlatformDomain = "X-Platform-Domain"
)

var (
	ErrInvalidRoute  = errors.New("invalid route")
	ErrMissingTarget = errors.New("route has no target")
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Target is the service a tenant's traffic is proxied to.
type Target struct {
	Service string
	Port    int
	IsTheme bool
}

// Address returns service:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Service, strconv.Itoa(t.Port))
}

// ResolveTarget picks the theme service when a theme is assigned, otherwise
// the tenant's own API service.
func ResolveTarget(tenant *models.Tenant, theme, api *models.Definition) Target {
	if theme != nil {
		return Target{Service: models.ThemeServiceName(theme.ID), Port: theme.InternalPort, IsTheme: true}
	}
	return Target{Service: models.APIServiceName(tenant.ID), Port: api.InternalPort}
}

// TenantRoute is everything the generator needs to route one tenant.
type TenantRoute struct {
	Tenant  *models.Tenant
	Target  Target
	APIPort int

	// Endpoints are live task addresses of the target. When set an upstream
	// block balances across them instead of resolving the service name.
	Endpoints []string
}

// NewRoute builds the route of tenant for its current theme and API.
func NewRoute(tenant *models.Tenant, theme, api *models.Definition) TenantRoute {
	return TenantRoute{
		Tenant:  tenant,
		Target:  ResolveTarget(tenant, theme, api),
		APIPort: api.InternalPort,
	}
}

// APIService returns the header value naming the tenant's API service, or
// "" when the target already is the API.
func (r TenantRoute) APIService() string {
	if !r.Target.IsTheme {
		return ""
	}
	return net.JoinHostPort(models.APIServiceName(r.Tenant.ID), strconv.Itoa(r.APIPort))
}

func (r TenantRoute) validate() error {
	if r.Tenant == nil {
		return fmt.Errorf("%w: no tenant", ErrInvalidRoute)
	}
	if r.Target.Service == "" || r.Target.Port <= 0 {
		return fmt.Errorf("%w: tenant %s", ErrMissingTarget, r.Tenant.ID)
	}
	if !models.ValidName(r.Tenant.Name) {
		return fmt.Errorf("%w: name %q is not a valid slug", ErrInvalidRoute, r.Tenant.Name)
	}
	for _, d := range r.Tenant.Domains {
		if !models.ValidDomain(d) {
			return fmt.Errorf("%w: domain %q", ErrInvalidRoute, d)
		}
	}
	for _, ep := range r.Endpoints {
		if _, _, err := net.SplitHostPort(ep); err != nil {
			return fmt.Errorf("%w: endpoint %q", ErrInvalidRoute, ep)
		}
	}
	return nil
}

// Generator renders nginx configuration. It is safe for concurrent use.
type Generator struct {
	cfg  Config
	tmpl *template.Template
}

// NewGenerator parses the embedded templates.
func NewGenerator(cfg Config) (*Generator, error) {
	tmpl, err := template.New("routing").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse routing templates: %w", err)
	}
	return &Generator{cfg: cfg, tmpl: tmpl}, nil
}

type headerData struct {
	BaseURL        string
	PlatformDomain string
	APIService     string
}

type tenantData struct {
	headerData
	TenantID  uuid.UUID
	Name      string
	Domains   []string
	Resolver  string
	Target    string
	Upstream  string
	Endpoints []string
}

// TenantConfig renders the custom domain server block for a tenant.
func (g *Generator) TenantConfig(r TenantRoute) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	if len(r.Tenant.Domains) == 0 {
		return "", fmt.Errorf("%w: tenant %s has no custom domains", ErrInvalidRoute, r.Tenant.ID)
	}

	data := tenantData{
		headerData: headerData{
			BaseURL:        g.cfg.Scheme + "://" + r.Tenant.Domains[0],
			PlatformDomain: g.cfg.PrimaryDomain,
			APIService:     r.APIService(),
		},
		TenantID: r.Tenant.ID,
		Name:     r.Tenant.Name,
		Domains:  r.Tenant.Domains,
		Resolver: g.cfg.Resolver,
		Target:   r.Target.Address(),
	}
	if len(r.Endpoints) > 0 {
		data.Upstream = "storefleet_" + strings.ReplaceAll(r.Tenant.ID.String(), "-", "_")
		data.Endpoints = slices.Sorted(slices.Values(r.Endpoints))
	}

	return g.render("tenant.conf.tmpl", data)
}

type appData struct {
	headerData
	Host   string
	Target string
}

type slugData struct {
	headerData
	Slug   string
	Target string
}

type portOverride struct {
	TenantID uuid.UUID
	Port     int
}

type platformData struct {
	PrimaryDomain  string
	APIHost        string
	Resolver       string
	DefaultAPIPort int
	Apps           []appData
	API            headerData
	PortOverrides  []portOverride
	Tenants        []slugData
}

// PlatformConfig renders the aggregated configuration of the primary domain:
// one server per global app, one location per active tenant slug and a single
// regex location on the API subdomain covering every tenant.
func (g *Generator) PlatformConfig(routes []TenantRoute, apps []models.GlobalApp) (string, error) {
	apiHost := g.cfg.APISubdomain + "." + g.cfg.PrimaryDomain

	data := platformData{
		PrimaryDomain:  g.cfg.PrimaryDomain,
		APIHost:        apiHost,
		Resolver:       g.cfg.Resolver,
		DefaultAPIPort: g.cfg.DefaultAPIPort,
		API: headerData{
			BaseURL:        g.cfg.Scheme + "://" + apiHost + "/$storefleet_tenant_id",
			PlatformDomain: g.cfg.PrimaryDomain,
		},
	}

	for _, app := range apps {
		host := app.Subdomain + "." + g.cfg.PrimaryDomain
		data.Apps = append(data.Apps, appData{
			headerData: headerData{BaseURL: g.cfg.Scheme + "://" + host, PlatformDomain: g.cfg.PrimaryDomain},
			Host:       host,
			Target:     net.JoinHostPort(app.Service, strconv.Itoa(app.Port)),
		})
	}

	seen := make(map[string]uuid.UUID)
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return "", err
		}
		if other, ok := seen[r.Tenant.Name]; ok {
			return "", fmt.Errorf("%w: slug %q used by %s and %s", ErrInvalidRoute, r.Tenant.Name, other, r.Tenant.ID)
		}
		seen[r.Tenant.Name] = r.Tenant.ID

		if r.APIPort > 0 && r.APIPort != g.cfg.DefaultAPIPort {
			data.PortOverrides = append(data.PortOverrides, portOverride{TenantID: r.Tenant.ID, Port: r.APIPort})
		}
		if !r.Tenant.IsActive {
			continue
		}
		data.Tenants = append(data.Tenants, slugData{
			headerData: headerData{
				BaseURL:        g.cfg.Scheme + "://" + g.cfg.PrimaryDomain + "/" + r.Tenant.Name,
				PlatformDomain: g.cfg.PrimaryDomain,
				APIService:     r.APIService(),
			},
			Slug:   r.Tenant.Name,
			Target: r.Target.Address(),
		})
	}

	slices.SortFunc(data.Tenants, func(a, b slugData) int { return strings.Compare(a.Slug, b.Slug) })
	slices.SortFunc(data.PortOverrides, func(a, b portOverride) int {
		return strings.Compare(a.TenantID.String(), b.TenantID.String())
	})

	return g.render("platform.conf.tmpl", data)
}

func (g *Generator) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}
