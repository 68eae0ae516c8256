package routing

import (
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefleet/internal/models"
)

var (
	tenantID = uuid.MustParse("0b4c7a52-1d3e-4f60-8a9b-2c3d4e5f6a7b")
	themeID  = uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000001")
	apiID    = uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000002")
)

func testConfig(t *testing.T) Config {
	cfg := Config{
		AvailableDir:  t.TempDir(),
		EnabledDir:    t.TempDir(),
		PrimaryDomain: "example.com",
		GlobalApps: []models.GlobalApp{
			{Name: "admin", Subdomain: "admin", Service: "admin_console", Port: 8080},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:        tenantID,
		Name:      "shop1",
		APIID:     apiID,
		Domains:   []string{"shop1.io", "www.shop1.io"},
		IsActive:  true,
		IsRunning: true,
	}
}

func apiDef(port int) *models.Definition {
	return &models.Definition{ID: apiID, Kind: models.KindAPI, InternalPort: port, IsActive: true}
}

func themeDef(port int) *models.Definition {
	return &models.Definition{ID: themeID, Kind: models.KindTheme, InternalPort: port, IsActive: true}
}

var proxyTarget = regexp.MustCompile(`set \$storefleet_target (\S+);`)

// proxyTargets pulls the resolved targets out of a rendered config.
func proxyTargets(conf string) []string {
	var targets []string
	for _, m := range proxyTarget.FindAllStringSubmatch(conf, -1) {
		targets = append(targets, m[1])
	}
	return targets
}

func TestTenantConfig(t *testing.T) {
	gen, err := NewGenerator(testConfig(t))
	require.NoError(t, err)

	t.Run("api target without theme", func(t *testing.T) {
		conf, err := gen.TenantConfig(NewRoute(testTenant(), nil, apiDef(3334)))
		require.NoError(t, err)

		require.Equal(t, []string{"api_store_" + tenantID.String() + ":3334"}, proxyTargets(conf))
		require.Contains(t, conf, "server_name shop1.io www.shop1.io;")
		require.Contains(t, conf, `proxy_set_header X-Base-URL "https://shop1.io";`)
		require.Contains(t, conf, `proxy_set_header X-Platform-Domain "example.com";`)
		require.NotContains(t, conf, HeaderAPIService)
		require.Contains(t, conf, "resolver 127.0.0.11")
	})

	t.Run("theme target injects api service header", func(t *testing.T) {
		conf, err := gen.TenantConfig(NewRoute(testTenant(), themeDef(4000), apiDef(3334)))
		require.NoError(t, err)

		require.Equal(t, []string{"theme_" + themeID.String() + ":4000"}, proxyTargets(conf))
		require.Contains(t, conf, `proxy_set_header X-API-Service "api_store_`+tenantID.String()+`:3334";`)
	})

	t.Run("weighted upstream from endpoints", func(t *testing.T) {
		route := NewRoute(testTenant(), nil, apiDef(3334))
		route.Endpoints = []string{"10.0.1.5:3334", "10.0.1.4:3334"}

		conf, err := gen.TenantConfig(route)
		require.NoError(t, err)

		require.Contains(t, conf, "upstream storefleet_0b4c7a52_1d3e_4f60_8a9b_2c3d4e5f6a7b {\n    server 10.0.1.4:3334 weight=1;\n    server 10.0.1.5:3334 weight=1;\n}")
		require.Contains(t, conf, "proxy_pass http://storefleet_0b4c7a52_1d3e_4f60_8a9b_2c3d4e5f6a7b;")
		require.Empty(t, proxyTargets(conf))
	})

	t.Run("rejects unsafe domains", func(t *testing.T) {
		tenant := testTenant()
		tenant.Domains = []string{"shop1.io; include /etc/passwd"}
		_, err := gen.TenantConfig(NewRoute(tenant, nil, apiDef(3334)))
		require.ErrorIs(t, err, ErrInvalidRoute)
	})

	t.Run("requires a domain", func(t *testing.T) {
		tenant := testTenant()
		tenant.Domains = nil
		_, err := gen.TenantConfig(NewRoute(tenant, nil, apiDef(3334)))
		require.ErrorIs(t, err, ErrInvalidRoute)
	})

	t.Run("requires a target", func(t *testing.T) {
		_, err := gen.TenantConfig(TenantRoute{Tenant: testTenant()})
		require.ErrorIs(t, err, ErrMissingTarget)
	})
}

func TestPlatformConfig(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	inactive := testTenant()
	inactive.ID = uuid.MustParse("ffffffff-1d3e-4f60-8a9b-2c3d4e5f6a7b")
	inactive.Name = "closed"
	inactive.IsActive = false

	themed := testTenant()
	themed.ID = uuid.MustParse("11111111-1d3e-4f60-8a9b-2c3d4e5f6a7b")
	themed.Name = "alpha"

	routes := []TenantRoute{
		NewRoute(testTenant(), nil, apiDef(3334)),
		NewRoute(themed, themeDef(4000), apiDef(3400)),
		NewRoute(inactive, nil, apiDef(3334)),
	}

	conf, err := gen.PlatformConfig(routes, cfg.GlobalApps)
	require.NoError(t, err)

	t.Run("global apps by subdomain", func(t *testing.T) {
		require.Contains(t, conf, "server_name admin.example.com;")
		require.Contains(t, conf, "set $storefleet_target admin_console:8080;")
	})

	t.Run("one location per active tenant in slug order", func(t *testing.T) {
		require.Contains(t, conf, "location /shop1/ {")
		require.Contains(t, conf, "location /alpha/ {")
		require.NotContains(t, conf, "location /closed/")
		require.Regexp(t, `(?s)location /alpha/.*location /shop1/`, conf)

		require.Equal(t, []string{
			"admin_console:8080",
			"theme_" + themeID.String() + ":4000",
			"api_store_" + tenantID.String() + ":3334",
		}, proxyTargets(conf))

		require.Contains(t, conf, `proxy_set_header X-Base-URL "https://example.com/shop1";`)
		require.Contains(t, conf, `proxy_set_header X-API-Service "api_store_`+themed.ID.String()+`:3400";`)
	})

	t.Run("single regex location on the api subdomain", func(t *testing.T) {
		require.Contains(t, conf, "server_name api.example.com;")
		require.Contains(t, conf, "proxy_pass http://api_store_$storefleet_tenant_id:$storefleet_api_port$storefleet_path$is_args$args;")
		require.Len(t, regexp.MustCompile(`location ~ `).FindAllString(conf, -1), 1)
		require.Contains(t, conf, "default 3334;")
		require.Contains(t, conf, themed.ID.String()+" 3400;")
		require.NotContains(t, conf, tenantID.String()+" 3334;")
	})

	t.Run("duplicate slugs are rejected", func(t *testing.T) {
		dup := testTenant()
		dup.ID = uuid.New()
		_, err := gen.PlatformConfig([]TenantRoute{
			NewRoute(testTenant(), nil, apiDef(3334)),
			NewRoute(dup, nil, apiDef(3334)),
		}, nil)
		require.ErrorIs(t, err, ErrInvalidRoute)
	})

	t.Run("no tenants still renders", func(t *testing.T) {
		conf, err := gen.PlatformConfig(nil, nil)
		require.NoError(t, err)
		require.Contains(t, conf, "server_name example.com;")
		require.Empty(t, proxyTargets(conf))
	})
}
