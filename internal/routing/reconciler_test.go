package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/shell/shelltest"
)

type countingReloader struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (r *countingReloader) Reload(context.Context) error {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func newReconciler(t *testing.T) (*Reconciler, *countingReloader, *clock.Mock) {
	t.Helper()
	reloader := &countingReloader{}
	mock := clock.NewMock()
	r, err := NewReconciler(testConfig(t), reloader, mock)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, reloader, mock
}

func TestReconcilerUpdateTenant(t *testing.T) {
	ctx := context.Background()
	r, reloader, mock := newReconciler(t)

	route := NewRoute(testTenant(), themeDef(4000), apiDef(3334))

	changed, err := r.UpdateTenant(ctx, route)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, int32(1), reloader.calls.Load())

	content, err := r.Files().Read(TenantFileName(tenantID))
	require.NoError(t, err)
	require.Equal(t, []string{"theme_" + themeID.String() + ":4000"}, proxyTargets(content))

	t.Run("unchanged does not reload", func(t *testing.T) {
		changed, err := r.UpdateTenant(ctx, route)
		require.NoError(t, err)
		require.False(t, changed)

		mock.Add(time.Minute)
		require.Never(t, func() bool { return reloader.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("removing the last domain removes the file", func(t *testing.T) {
		tenant := testTenant()
		tenant.Domains = nil

		changed, err := r.UpdateTenant(ctx, NewRoute(tenant, nil, apiDef(3334)))
		require.NoError(t, err)
		require.True(t, changed)
		require.False(t, r.Files().Enabled(TenantFileName(tenantID)))

		ids, err := r.TenantFiles()
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("inactive tenants have no file", func(t *testing.T) {
		tenant := testTenant()
		tenant.IsActive = false

		changed, err := r.UpdateTenant(ctx, NewRoute(tenant, nil, apiDef(3334)))
		require.NoError(t, err)
		require.False(t, changed)
	})
}

func TestReconcilerBurstReloadsTwice(t *testing.T) {
	ctx := context.Background()
	r, reloader, mock := newReconciler(t)

	for i := range 5 {
		tenant := testTenant()
		tenant.ID = uuid.New()
		tenant.Name = "shop" + string(rune('a'+i))
		_, err := r.UpdateTenant(ctx, NewRoute(tenant, nil, apiDef(3334)))
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), reloader.calls.Load())

	mock.Add(time.Minute)
	require.Eventually(t, func() bool { return reloader.calls.Load() == 2 }, time.Second, time.Millisecond)

	ids, err := r.TenantFiles()
	require.NoError(t, err)
	require.Len(t, ids, 5)
}

func TestReconcilerUpdatePlatform(t *testing.T) {
	ctx := context.Background()
	r, reloader, _ := newReconciler(t)

	changed, err := r.UpdatePlatform(ctx, []TenantRoute{NewRoute(testTenant(), nil, apiDef(3334))})
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, r.Files().Enabled(platformFile))
	require.Equal(t, int32(1), reloader.calls.Load())

	content, err := r.Files().Read(platformFile)
	require.NoError(t, err)
	require.Contains(t, content, "location /shop1/ {")

	t.Run("reload failure does not fail the write", func(t *testing.T) {
		r, reloader, _ := newReconciler(t)
		reloader.err = errors.New("nginx: [emerg] unknown directive")

		changed, err := r.UpdatePlatform(ctx, nil)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, int32(1), reloader.calls.Load())
	})
}

func TestCommandReloader(t *testing.T) {
	ctx := context.Background()

	t.Run("tests before reloading", func(t *testing.T) {
		runner := shelltest.NewRunner()
		require.NoError(t, NewCommandReloader(runner, "").Reload(ctx))
		require.Equal(t, []string{"nginx -t", "nginx -s reload"}, runner.Calls())
	})

	t.Run("failed test skips reload", func(t *testing.T) {
		runner := shelltest.NewRunner().On("nginx -t", shelltest.Response{Code: 1, Output: "syntax error"})
		err := NewCommandReloader(runner, "").Reload(ctx)
		require.ErrorContains(t, err, "config test failed")
		require.Equal(t, 0, runner.Count("nginx -s"))
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.PrimaryDomain = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.EnabledDir = bad.AvailableDir
	require.Error(t, bad.Validate())

	bad = cfg
	bad.GlobalApps = append([]models.GlobalApp(nil), cfg.GlobalApps...)
	bad.GlobalApps[0].Subdomain = "api"
	require.Error(t, bad.Validate())
}
