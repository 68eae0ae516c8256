package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/storefleet/internal/lifecycle"
	"github.com/wolfeidau/storefleet/internal/logger"
	"github.com/wolfeidau/storefleet/internal/messaging"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/provision"
	"github.com/wolfeidau/storefleet/internal/routing"
	"github.com/wolfeidau/storefleet/internal/shell"
	"github.com/wolfeidau/storefleet/internal/store"
	memorystore "github.com/wolfeidau/storefleet/internal/store/memory"
	postgresstore "github.com/wolfeidau/storefleet/internal/store/postgres"
	"github.com/wolfeidau/storefleet/internal/swarm"
	"github.com/wolfeidau/storefleet/internal/telemetry"
	"gopkg.in/yaml.v3"
)

type Globals struct {
	Debug   bool
	Version string
	Stack   *StackFlags
}

// StackFlags configures every collaborator of the control plane.
type StackFlags struct {
	Tracing bool `help:"enable tracing and metrics export" default:"false" env:"STOREFLEET_TRACING"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"postgres" env:"STOREFLEET_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	Redis     RedisFlags     `embed:"" prefix:"redis-"`
	Docker    DockerFlags    `embed:"" prefix:"docker-"`
	Nginx     NginxFlags     `embed:"" prefix:"nginx-"`
	Provision ProvisionFlags `embed:"" prefix:"provision-"`
	Platform  PlatformFlags  `embed:"" prefix:"platform-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	QueryTimeout    time.Duration `help:"timeout of every store statement" default:"10s"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"STOREFLEET_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type RedisFlags struct {
	Addr      string `help:"Redis address" default:"localhost:6379" env:"STOREFLEET_REDIS_ADDR"`
	Password  string `help:"Redis password" default:"" env:"STOREFLEET_REDIS_PASSWORD"`
	DB        int    `help:"Redis database" default:"0" env:"STOREFLEET_REDIS_DB"`
	KeyPrefix string `help:"prefix of channel metadata keys" default:"storefleet"`
}

type DockerFlags struct {
	Host          string        `help:"Docker daemon address, defaults to the environment" default:"" env:"DOCKER_HOST"`
	Network       string        `help:"overlay network every service joins" default:"storefleet" env:"STOREFLEET_DOCKER_NETWORK"`
	CallTimeout   time.Duration `help:"timeout of every Engine API call" default:"30s"`
	UpdateDelay   time.Duration `help:"pause between rolling update batches" default:"10s"`
	UpdateMonitor time.Duration `help:"how long each updated task is watched for failure" default:"15s"`
}

type NginxFlags struct {
	Binary         string        `help:"nginx binary used to test and reload the config" default:"nginx" env:"STOREFLEET_NGINX_BINARY"`
	AvailableDir   string        `help:"directory of generated configs" default:"/etc/nginx/sites-available" env:"STOREFLEET_NGINX_AVAILABLE_DIR"`
	EnabledDir     string        `help:"directory of enabled config symlinks" default:"/etc/nginx/sites-enabled" env:"STOREFLEET_NGINX_ENABLED_DIR"`
	Resolver       string        `help:"DNS resolver used for service names" default:"127.0.0.11"`
	ReloadCooldown time.Duration `help:"window during which reloads are merged" default:"2s"`
}

type ProvisionFlags struct {
	DatabaseURL  string        `help:"administrative PostgreSQL URL used to create tenant databases" env:"STOREFLEET_PROVISION_DATABASE_URL"`
	VolumeRoot   string        `help:"parent directory of tenant storage" default:"/srv/storefleet/tenants" env:"STOREFLEET_PROVISION_VOLUME_ROOT"`
	StepTimeout  time.Duration `help:"timeout of each provisioning command" default:"15s"`
	ProbeTimeout time.Duration `help:"how long to wait for the database to become reachable" default:"30s"`
}

type PlatformFlags struct {
	Domain             string            `help:"primary platform domain" env:"STOREFLEET_PLATFORM_DOMAIN"`
	APISubdomain       string            `help:"subdomain serving tenant APIs by path" default:"api"`
	Scheme             string            `help:"scheme of public URLs" default:"https" enum:"http,https"`
	DefaultAPIPort     int               `help:"port of tenant APIs on the API subdomain" default:"3334"`
	AppsFile           string            `help:"YAML file listing global apps routed by subdomain" default:"" type:"path" env:"STOREFLEET_PLATFORM_APPS_FILE"`
	Env                map[string]string `help:"environment added to every API service" env:"STOREFLEET_PLATFORM_ENV"`
	DataMountTarget    string            `help:"mount point of tenant storage in API containers" default:"/data"`
	DrainTimeout       time.Duration     `help:"how long to wait for a tenant to acknowledge a drain" default:"30s"`
	StepTimeout        time.Duration     `help:"timeout of each workflow step" default:"2m"`
	RolloutConcurrency int               `help:"services updated in parallel when a definition changes" default:"4"`
	UniqueDomains      bool              `help:"reject custom domains attached to another tenant" default:"false" env:"STOREFLEET_PLATFORM_UNIQUE_DOMAINS"`
	WeightedUpstreams  bool              `help:"route custom domains to live task endpoints" default:"false"`
}

func (p *PlatformFlags) validate() error {
	if p.Domain == "" {
		return errors.New("platform domain is required (--platform-domain or STOREFLEET_PLATFORM_DOMAIN)")
	}
	return nil
}

// loadGlobalApps reads the global apps file. A missing path means no apps.
func loadGlobalApps(path string) ([]models.GlobalApp, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read global apps: %w", err)
	}

	var file struct {
		Apps []models.GlobalApp `yaml:"apps"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse global apps %s: %w", path, err)
	}

	for i, app := range file.Apps {
		if app.Subdomain == "" || app.Service == "" || app.Port <= 0 {
			return nil, fmt.Errorf("global app %d (%s) needs a subdomain, service and port", i, app.Name)
		}
	}
	return file.Apps, nil
}

// stores holds the persistence layer and how to release it.
type stores struct {
	Tenants     store.TenantStore
	Definitions store.DefinitionStore
	// Locker is nil for the in-memory stores, which are private to one process
	Locker      store.TenantLocker
	close       func()
}

func (s *StackFlags) openStores(ctx context.Context, log zerolog.Logger) (*stores, error) {
	switch s.StoreType {
	case "postgres":
		if err := s.PostgresStore.validate(); err != nil {
			return nil, err
		}
		pg, err := postgresstore.Open(ctx, &postgresstore.Config{
			Pool: postgresstore.PoolConfig{
				ConnString:      s.PostgresStore.ConnString,
				MaxConns:        s.PostgresStore.MaxConns,
				MinConns:        s.PostgresStore.MinConns,
				MaxConnLifetime: s.PostgresStore.MaxConnLifetime,
				MaxConnIdleTime: s.PostgresStore.MaxConnIdleTime,
			},
			AutoMigrate:  s.PostgresStore.AutoMigrate,
			QueryTimeout: s.PostgresStore.QueryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres stores: %w", err)
		}
		log.Info().Bool("auto_migrate", s.PostgresStore.AutoMigrate).Msg("Using PostgreSQL stores")
		return &stores{Tenants: pg.Tenants, Definitions: pg.Definitions, Locker: pg.Locks, close: pg.Close}, nil

	default:
		log.Warn().Msg("Using in-memory stores, state is lost on exit")
		return &stores{
			Tenants:     memorystore.NewTenantStore(),
			Definitions: memorystore.NewDefinitionStore(),
			close:       func() {},
		}, nil
	}
}

// stack is a fully wired control plane.
type stack struct {
	Orchestrator *lifecycle.Orchestrator
	Messenger    *messaging.Manager
	Router       *routing.Reconciler

	closers []func()
}

// Close releases everything in reverse order of creation.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (s *stack) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// open wires the control plane. Extra messaging options, such as an inbound
// handler, are passed through to the manager.
func (s *StackFlags) open(ctx context.Context, globals *Globals, log zerolog.Logger, opts ...messaging.Option) (_ *stack, err error) {
	if err := s.Platform.validate(); err != nil {
		return nil, err
	}

	st := &stack{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	if s.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: "storefleet", Version: globals.Version})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			st.onClose(func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			})
		}
	}

	db, err := s.openStores(ctx, log)
	if err != nil {
		return nil, err
	}
	st.onClose(db.close)

	// Docker Swarm
	dockerOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if s.Docker.Host != "" {
		dockerOpts = append(dockerOpts, client.WithHost(s.Docker.Host))
	}
	docker, err := client.NewClientWithOpts(dockerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	st.onClose(func() { _ = docker.Close() })

	services, err := swarm.New(docker, swarm.Config{
		Network:       s.Docker.Network,
		CallTimeout:   s.Docker.CallTimeout,
		UpdateDelay:   s.Docker.UpdateDelay,
		UpdateMonitor: s.Docker.UpdateMonitor,
	})
	if err != nil {
		return nil, err
	}

	// OS and database provisioning
	if s.Provision.DatabaseURL == "" {
		return nil, errors.New("provisioning database URL is required (--provision-database-url or STOREFLEET_PROVISION_DATABASE_URL)")
	}
	adminDB, err := provision.OpenDB(ctx, s.Provision.DatabaseURL, s.Provision.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	st.onClose(func() { _ = adminDB.Close() })

	runner := shell.NewProcessRunner()
	provisioner, err := provision.New(adminDB, runner, provision.Config{
		VolumeRoot:   s.Provision.VolumeRoot,
		StepTimeout:  s.Provision.StepTimeout,
		ProbeTimeout: s.Provision.ProbeTimeout,
	})
	if err != nil {
		return nil, err
	}

	// Nginx routing
	apps, err := loadGlobalApps(s.Platform.AppsFile)
	if err != nil {
		return nil, err
	}
	router, err := routing.NewReconciler(routing.Config{
		AvailableDir:   s.Nginx.AvailableDir,
		EnabledDir:     s.Nginx.EnabledDir,
		PrimaryDomain:  s.Platform.Domain,
		APISubdomain:   s.Platform.APISubdomain,
		Scheme:         s.Platform.Scheme,
		Resolver:       s.Nginx.Resolver,
		DefaultAPIPort: s.Platform.DefaultAPIPort,
		ReloadCooldown: s.Nginx.ReloadCooldown,
		GlobalApps:     apps,
	}, routing.NewCommandReloader(runner, s.Nginx.Binary), clock.New())
	if err != nil {
		return nil, err
	}
	st.Router = router
	st.onClose(router.Flush)

	// Tenant messaging
	msgCfg := messaging.Config{
		Addr:         s.Redis.Addr,
		Password:     s.Redis.Password,
		DB:           s.Redis.DB,
		KeyPrefix:    s.Redis.KeyPrefix,
		DrainTimeout: s.Platform.DrainTimeout,
	}
	rdb := messaging.NewClient(msgCfg)
	st.onClose(func() { _ = rdb.Close() })

	messenger, err := messaging.New(rdb, msgCfg, opts...)
	if err != nil {
		return nil, err
	}
	st.Messenger = messenger
	st.onClose(messenger.Shutdown)

	orchestrator, err := lifecycle.New(lifecycle.Deps{
		Tenants:     db.Tenants,
		Definitions: db.Definitions,
		Services:    services,
		Provisioner: provisioner,
		Router:      router,
		Messenger:   messenger,
		Locker:      db.Locker,
	}, lifecycle.Config{
		DataMountTarget:               s.Platform.DataMountTarget,
		DrainTimeout:                  s.Platform.DrainTimeout,
		StepTimeout:                   s.Platform.StepTimeout,
		RolloutConcurrency:            s.Platform.RolloutConcurrency,
		EnforceGlobalDomainUniqueness: s.Platform.UniqueDomains,
		WeightedUpstreams:             s.Platform.WeightedUpstreams,
		Env:                           s.Platform.Env,
	})
	if err != nil {
		return nil, err
	}
	st.Orchestrator = orchestrator

	return st, nil
}

// openClient wires the control plane for a single command. Tenant queues
// are left to the consumer run by serve.
func (s *StackFlags) openClient(ctx context.Context, globals *Globals, log zerolog.Logger) (*stack, error) {
	return s.open(ctx, globals, log, messaging.SendOnly())
}

// operation sets up logging for a command and returns the derived context
// and a function reporting its outcome.
func operation(ctx context.Context, globals *Globals, name string, fields map[string]any) (context.Context, zerolog.Logger, func(error)) {
	log := logger.Setup(globals.Debug)
	ctx, done := logger.Operation(ctx, log, name, fields)
	return ctx, log, done
}
