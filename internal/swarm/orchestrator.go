// Package swarm launches, updates, scales and removes tenant and theme
// services on a Docker Swarm cluster.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrServiceNotFound = fmt.Errorf("service %w", result.ErrNotFound)
	ErrServiceConflict = fmt.Errorf("service update %w", result.ErrConflict)
	ErrNotReplicated   = errors.New("service is not in replicated mode")
)

// API is the subset of the Docker Engine client used by the orchestrator.
// *client.Client satisfies it.
type API interface {
	ServiceCreate(ctx context.Context, service swarm.ServiceSpec, options swarm.ServiceCreateOptions) (swarm.ServiceCreateResponse, error)
	ServiceInspectWithRaw(ctx context.Context, serviceID string, options swarm.ServiceInspectOptions) (swarm.Service, []byte, error)
	ServiceUpdate(ctx context.Context, serviceID string, version swarm.Version, service swarm.ServiceSpec, options swarm.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error)
	ServiceRemove(ctx context.Context, serviceID string) error
	TaskList(ctx context.Context, options swarm.TaskListOptions) ([]swarm.Task, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
}

// Outcome describes what CreateOrUpdate did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Orchestrator converges services towards descriptors. Every write re-reads
// the service immediately before submitting a full spec with the fresh
// version, and retries once when the version moved underneath it.
type Orchestrator struct {
	api API
	cfg Config

	mu        sync.Mutex
	networkID string // resolved from cfg.Network on first use
}

// New creates an orchestrator.
func New(api API, cfg Config) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid swarm config: %w", err)
	}
	return &Orchestrator{api: api, cfg: cfg}, nil
}

// CreateOrUpdate creates the service or merges d into the live spec.
// Submitting a spec identical to the live one is skipped.
func (o *Orchestrator) CreateOrUpdate(ctx context.Context, d Descriptor) (Outcome, error) {
	if d.Name == "" || d.Image == "" {
		return "", fmt.Errorf("descriptor requires name and image")
	}

	networkID, err := o.resolveNetwork(ctx)
	if err != nil {
		return "", err
	}

	_, err = o.inspect(ctx, d.Name)
	switch {
	case errors.Is(err, ErrServiceNotFound):
		raced, err := o.create(ctx, d, networkID)
		if err == nil {
			return OutcomeCreated, nil
		}
		if !raced {
			return "", err
		}
		// lost a create race, converge the winner's service instead
		log.Debug().Str("service", d.Name).Msg("Service created concurrently, updating")
	case err != nil:
		return "", err
	}

	changed, err := o.write(ctx, d.Name, func(spec swarm.ServiceSpec) (swarm.ServiceSpec, error) {
		return o.merge(spec, d, networkID), nil
	})
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeUnchanged, nil
	}
	return OutcomeUpdated, nil
}

// create returns raced=true when the service appeared between inspect and create.
func (o *Orchestrator) create(ctx context.Context, d Descriptor, networkID string) (raced bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	spec := o.merge(swarm.ServiceSpec{}, d, networkID)

	resp, err := o.api.ServiceCreate(ctx, spec, swarm.ServiceCreateOptions{})
	if err != nil {
		if cerrdefs.IsAlreadyExists(err) || cerrdefs.IsConflict(err) {
			return true, err
		}
		return false, fmt.Errorf("failed to create service %s: %w", d.Name, err)
	}

	o.recordWrite(ctx, "create")

	for _, w := range resp.Warnings {
		log.Warn().Str("service", d.Name).Str("warning", w).Msg("Service create warning")
	}

	log.Info().
		Str("service", d.Name).
		Str("service_id", resp.ID).
		Str("image", d.Image).
		Uint64("replicas", d.Replicas).
		Msg("Created service")

	return false, nil
}

// Scale sets the replica count, preserving the rest of the live spec.
func (o *Orchestrator) Scale(ctx context.Context, name string, replicas uint64) error {
	_, err := o.write(ctx, name, func(spec swarm.ServiceSpec) (swarm.ServiceSpec, error) {
		if spec.Mode.Replicated == nil {
			return spec, fmt.Errorf("%s: %w", name, ErrNotReplicated)
		}
		n := replicas
		mode := *spec.Mode.Replicated
		mode.Replicas = &n
		spec.Mode.Replicated = &mode
		return spec, nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("service", name).Uint64("replicas", replicas).Msg("Scaled service")
	return nil
}

// Restart forces a rolling restart of every task.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	_, err := o.write(ctx, name, func(spec swarm.ServiceSpec) (swarm.ServiceSpec, error) {
		spec.TaskTemplate.ForceUpdate++
		return spec, nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("service", name).Msg("Restarted service")
	return nil
}

// Remove deletes the service. A missing service is not an error.
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	if err := o.api.ServiceRemove(ctx, name); err != nil {
		if cerrdefs.IsNotFound(err) {
			log.Debug().Str("service", name).Msg("Service already removed")
			return nil
		}
		return fmt.Errorf("failed to remove service %s: %w", name, err)
	}

	log.Info().Str("service", name).Msg("Removed service")
	return nil
}

// Inspect returns a summary of the live service.
func (o *Orchestrator) Inspect(ctx context.Context, name string) (*ServiceInfo, error) {
	svc, err := o.inspect(ctx, name)
	if err != nil {
		return nil, err
	}

	info := serviceInfo(svc)

	tasks, err := o.runningTasks(ctx, name)
	if err != nil {
		return nil, err
	}
	info.RunningTasks = len(tasks)

	return info, nil
}

// ListEndpoints returns host:port pairs for the running tasks of the service
// on the orchestrator network.
func (o *Orchestrator) ListEndpoints(ctx context.Context, name string, port int) ([]string, error) {
	tasks, err := o.runningTasks(ctx, name)
	if err != nil {
		return nil, err
	}

	portStr := fmt.Sprintf("%d", port)

	var endpoints []string
	for _, task := range tasks {
		for _, att := range task.NetworksAttachments {
			if att.Network.Spec.Name != "" && att.Network.Spec.Name != o.cfg.Network {
				continue
			}
			for _, addr := range att.Addresses {
				host, _, _ := strings.Cut(addr, "/")
				if net.ParseIP(host) == nil {
					continue
				}
				endpoints = append(endpoints, net.JoinHostPort(host, portStr))
			}
		}
	}

	return endpoints, nil
}

func (o *Orchestrator) runningTasks(ctx context.Context, name string) ([]swarm.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	tasks, err := o.api.TaskList(ctx, swarm.TaskListOptions{
		Filters: filters.NewArgs(
			filters.Arg("service", name),
			filters.Arg("desired-state", "running"),
		),
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("failed to list tasks for %s: %w", name, err)
	}

	running := tasks[:0]
	for _, task := range tasks {
		if task.Status.State == swarm.TaskStateRunning {
			running = append(running, task)
		}
	}

	return running, nil
}

// resolveNetwork returns the ID of the configured network. The daemon stores
// attachment targets as IDs, so specs built with the name never compare equal
// to the live one.
func (o *Orchestrator) resolveNetwork(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.networkID != "" {
		return o.networkID, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	nw, err := o.api.NetworkInspect(ctx, o.cfg.Network, network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect network %s: %w", o.cfg.Network, err)
	}

	o.networkID = nw.ID
	log.Debug().Str("network", o.cfg.Network).Str("network_id", nw.ID).Msg("Resolved service network")

	return o.networkID, nil
}

func (o *Orchestrator) inspect(ctx context.Context, name string) (swarm.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	svc, _, err := o.api.ServiceInspectWithRaw(ctx, name, swarm.ServiceInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return swarm.Service{}, ErrServiceNotFound
		}
		return swarm.Service{}, fmt.Errorf("failed to inspect service %s: %w", name, err)
	}
	return svc, nil
}

// write performs a read-modify-write of the full spec. It re-reads the
// service for a fresh version, skips the write when mutate changes nothing,
// and retries once on a version conflict.
func (o *Orchestrator) write(ctx context.Context, name string, mutate func(swarm.ServiceSpec) (swarm.ServiceSpec, error)) (bool, error) {
	const attempts = 2

	for attempt := 1; ; attempt++ {
		svc, err := o.inspect(ctx, name)
		if err != nil {
			return false, err
		}

		spec, err := mutate(svc.Spec)
		if err != nil {
			return false, err
		}
		if cmp.Equal(svc.Spec, spec, cmpopts.EquateEmpty()) {
			log.Debug().Str("service", name).Msg("Service spec unchanged, skipping update")
			return false, nil
		}

		err = o.update(ctx, svc, spec)
		if err == nil {
			return true, nil
		}

		if !isVersionConflict(err) {
			return false, fmt.Errorf("failed to update service %s: %w", name, err)
		}

		telemetry.GetMetrics().ServiceConflictsTotal.Add(ctx, 1)

		if attempt >= attempts {
			return false, fmt.Errorf("%w: %s: %v", ErrServiceConflict, name, err)
		}

		log.Warn().
			Str("service", name).
			Uint64("version", svc.Version.Index).
			Msg("Service version conflict, retrying with fresh spec")
	}
}

func (o *Orchestrator) update(ctx context.Context, svc swarm.Service, spec swarm.ServiceSpec) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	resp, err := o.api.ServiceUpdate(ctx, svc.ID, svc.Version, spec, swarm.ServiceUpdateOptions{})
	if err != nil {
		return err
	}

	o.recordWrite(ctx, "update")

	for _, w := range resp.Warnings {
		log.Warn().Str("service", spec.Name).Str("warning", w).Msg("Service update warning")
	}

	log.Debug().
		Str("service", spec.Name).
		Uint64("version", svc.Version.Index).
		Msg("Updated service")

	return nil
}

func (o *Orchestrator) recordWrite(ctx context.Context, op string) {
	telemetry.GetMetrics().ServiceWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func isVersionConflict(err error) bool {
	return cerrdefs.IsConflict(err) || strings.Contains(err.Error(), "update out of sequence")
}
