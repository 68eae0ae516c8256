package swarm

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
)

// Labels applied to every managed service.
const (
	LabelManaged = "storefleet.managed"
	LabelTier    = "storefleet.tier"
	LabelPort    = "storefleet.port"
)

// Descriptor is the desired state of a service. It is rebuilt from the
// store on demand and never persisted.
type Descriptor struct {
	Name     string
	Image    string
	Env      map[string]string
	Replicas uint64
	Tier     string
	Port     int
	Labels   map[string]string
	Mounts   []mount.Mount

	// KeepReplicas leaves the live replica count of an existing service
	// alone. Replicas applies only on create.
	KeepReplicas bool
}

// envList renders env as sorted KEY=VALUE pairs so equal maps yield equal specs.
func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

// merge applies d on top of current, keeping every field the descriptor does
// not own. networkID is the resolved ID of the service network. current is
// not modified.
func (o *Orchestrator) merge(current swarm.ServiceSpec, d Descriptor, networkID string) swarm.ServiceSpec {
	spec := current

	spec.Annotations.Name = d.Name
	spec.Annotations.Labels = maps.Clone(current.Annotations.Labels)
	if spec.Annotations.Labels == nil {
		spec.Annotations.Labels = map[string]string{}
	}
	maps.Copy(spec.Annotations.Labels, d.Labels)
	spec.Annotations.Labels[LabelManaged] = "true"
	spec.Annotations.Labels[LabelTier] = d.Tier
	if d.Port > 0 {
		spec.Annotations.Labels[LabelPort] = strconv.Itoa(d.Port)
	}

	var container swarm.ContainerSpec
	if current.TaskTemplate.ContainerSpec != nil {
		container = *current.TaskTemplate.ContainerSpec
	}
	container.Image = d.Image
	container.Env = envList(d.Env)
	container.Labels = maps.Clone(d.Labels)
	if d.Mounts != nil {
		container.Mounts = slices.Clone(d.Mounts)
	}
	spec.TaskTemplate.ContainerSpec = &container

	spec.TaskTemplate.Resources = TierResources(d.Tier)

	delay := o.cfg.RestartDelay
	attempts := o.cfg.RestartMaxAttempts
	spec.TaskTemplate.RestartPolicy = &swarm.RestartPolicy{
		Condition:   swarm.RestartPolicyConditionOnFailure,
		Delay:       &delay,
		MaxAttempts: &attempts,
	}

	spec.TaskTemplate.Networks = []swarm.NetworkAttachmentConfig{
		{Target: networkID, Aliases: []string{d.Name}},
	}

	replicas := d.Replicas
	if r := current.Mode.Replicated; d.KeepReplicas && r != nil && r.Replicas != nil {
		replicas = *r.Replicas
	}
	spec.Mode = swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &replicas}}

	spec.UpdateConfig = o.updatePolicy()

	spec.EndpointSpec = &swarm.EndpointSpec{Mode: swarm.ResolutionModeVIP}

	return spec
}

func (o *Orchestrator) updatePolicy() *swarm.UpdateConfig {
	return &swarm.UpdateConfig{
		Parallelism:   1,
		Delay:         o.cfg.UpdateDelay,
		FailureAction: swarm.UpdateFailureActionPause,
		Monitor:       o.cfg.UpdateMonitor,
		Order:         swarm.UpdateOrderStartFirst,
	}
}

// ServiceInfo is a summary of a live service.
type ServiceInfo struct {
	ID           string
	Name         string
	Version      uint64
	Image        string
	Env          map[string]string
	Replicas     uint64
	Tier         string
	Resources    *swarm.ResourceRequirements
	ForceUpdate  uint64
	RunningTasks int
	UpdatedAt    time.Time
}

func serviceInfo(svc swarm.Service) *ServiceInfo {
	info := &ServiceInfo{
		ID:          svc.ID,
		Name:        svc.Spec.Name,
		Version:     svc.Version.Index,
		Tier:        svc.Spec.Labels[LabelTier],
		Resources:   svc.Spec.TaskTemplate.Resources,
		ForceUpdate: svc.Spec.TaskTemplate.ForceUpdate,
		UpdatedAt:   svc.UpdatedAt,
	}
	if c := svc.Spec.TaskTemplate.ContainerSpec; c != nil {
		info.Image = c.Image
		info.Env = envMap(c.Env)
	}
	if r := svc.Spec.Mode.Replicated; r != nil && r.Replicas != nil {
		info.Replicas = *r.Replicas
	}
	return info
}
