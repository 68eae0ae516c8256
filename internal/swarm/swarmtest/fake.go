// Package swarmtest provides an in-memory stand-in for the Swarm service API.
package swarmtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
)

// ErrOutOfSequence mirrors the daemon error returned for a stale version.
var ErrOutOfSequence = errors.New("rpc error: code = Unknown desc = update out of sequence")

// Calls counts API invocations by method.
type Calls struct {
	Create  int
	Inspect int
	Update  int
	Remove  int
	Tasks   int
	Network int
}

const networkIDPrefix = "nw-"

// NetworkID is the ID the fake reports for a network name.
func NetworkID(name string) string {
	if strings.HasPrefix(name, networkIDPrefix) {
		return name
	}
	return networkIDPrefix + name
}

// FakeAPI keeps services in memory, versions every write and rejects stale
// updates the way the daemon does. Network names in specs are stored as IDs.
type FakeAPI struct {
	mu       sync.Mutex
	services map[string]*swarm.Service // by name
	nextID   int
	calls    Calls

	// RaceUpdates bumps the version of the target service before the next n
	// updates, simulating a concurrent writer.
	RaceUpdates int

	// FailCreate, when set, is returned by ServiceCreate.
	FailCreate error

	// FailNetwork, when set, is returned by NetworkInspect.
	FailNetwork error
}

// NewFakeAPI returns an empty fake.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{services: make(map[string]*swarm.Service)}
}

func (f *FakeAPI) ServiceCreate(ctx context.Context, spec swarm.ServiceSpec, _ swarm.ServiceCreateOptions) (swarm.ServiceCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Create++

	if f.FailCreate != nil {
		return swarm.ServiceCreateResponse{}, f.FailCreate
	}
	if _, exists := f.services[spec.Name]; exists {
		return swarm.ServiceCreateResponse{}, fmt.Errorf("service %s: %w", spec.Name, cerrdefs.ErrAlreadyExists)
	}

	f.nextID++
	svc := &swarm.Service{
		ID:   fmt.Sprintf("svc%04d", f.nextID),
		Meta: swarm.Meta{Version: swarm.Version{Index: 1}},
		Spec: storedSpec(spec),
	}
	f.services[spec.Name] = svc

	return swarm.ServiceCreateResponse{ID: svc.ID}, nil
}

func (f *FakeAPI) ServiceInspectWithRaw(ctx context.Context, serviceID string, _ swarm.ServiceInspectOptions) (swarm.Service, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Inspect++

	svc := f.lookup(serviceID)
	if svc == nil {
		return swarm.Service{}, nil, fmt.Errorf("service %s: %w", serviceID, cerrdefs.ErrNotFound)
	}
	return *svc, nil, nil
}

func (f *FakeAPI) ServiceUpdate(ctx context.Context, serviceID string, version swarm.Version, spec swarm.ServiceSpec, _ swarm.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Update++

	svc := f.lookup(serviceID)
	if svc == nil {
		return swarm.ServiceUpdateResponse{}, fmt.Errorf("service %s: %w", serviceID, cerrdefs.ErrNotFound)
	}

	if f.RaceUpdates > 0 {
		f.RaceUpdates--
		svc.Version.Index++
	}

	if version.Index != svc.Version.Index {
		return swarm.ServiceUpdateResponse{}, ErrOutOfSequence
	}

	svc.Spec = storedSpec(spec)
	svc.Version.Index++

	return swarm.ServiceUpdateResponse{}, nil
}

func (f *FakeAPI) ServiceRemove(ctx context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Remove++

	svc := f.lookup(serviceID)
	if svc == nil {
		return fmt.Errorf("service %s: %w", serviceID, cerrdefs.ErrNotFound)
	}
	delete(f.services, svc.Spec.Name)
	return nil
}

// TaskList reports one running task per desired replica, each with an
// address on the service network.
func (f *FakeAPI) TaskList(ctx context.Context, options swarm.TaskListOptions) ([]swarm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Tasks++

	var tasks []swarm.Task
	for _, name := range options.Filters.Get("service") {
		svc := f.lookup(name)
		if svc == nil || svc.Spec.Mode.Replicated == nil || svc.Spec.Mode.Replicated.Replicas == nil {
			continue
		}

		networkID := ""
		if len(svc.Spec.TaskTemplate.Networks) > 0 {
			networkID = svc.Spec.TaskTemplate.Networks[0].Target
		}

		for i := range *svc.Spec.Mode.Replicated.Replicas {
			task := swarm.Task{
				ID:           fmt.Sprintf("%s.task%d", svc.ID, i+1),
				ServiceID:    svc.ID,
				Slot:         int(i) + 1,
				DesiredState: swarm.TaskStateRunning,
				Status:       swarm.TaskStatus{State: swarm.TaskStateRunning},
			}
			att := swarm.NetworkAttachment{
				Addresses: []string{fmt.Sprintf("10.0.%d.%d/24", len(svc.ID)%200, i+2)},
			}
			att.Network.ID = networkID
			att.Network.Spec.Name = strings.TrimPrefix(networkID, networkIDPrefix)
			task.NetworksAttachments = []swarm.NetworkAttachment{att}
			tasks = append(tasks, task)
		}
	}

	return tasks, nil
}

// NetworkInspect resolves any name to NetworkID(name).
func (f *FakeAPI) NetworkInspect(ctx context.Context, networkID string, _ network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Network++

	if f.FailNetwork != nil {
		return network.Inspect{}, f.FailNetwork
	}
	return network.Inspect{
		ID:   NetworkID(networkID),
		Name: strings.TrimPrefix(networkID, networkIDPrefix),
	}, nil
}

// storedSpec rewrites attachment targets to network IDs as the daemon does.
func storedSpec(spec swarm.ServiceSpec) swarm.ServiceSpec {
	if len(spec.TaskTemplate.Networks) == 0 {
		return spec
	}
	spec.TaskTemplate.Networks = slices.Clone(spec.TaskTemplate.Networks)
	for i := range spec.TaskTemplate.Networks {
		spec.TaskTemplate.Networks[i].Target = NetworkID(spec.TaskTemplate.Networks[i].Target)
	}
	return spec
}

// lookup finds a service by name or ID. Callers hold the lock.
func (f *FakeAPI) lookup(nameOrID string) *swarm.Service {
	if svc, ok := f.services[nameOrID]; ok {
		return svc
	}
	for _, svc := range f.services {
		if svc.ID == nameOrID {
			return svc
		}
	}
	return nil
}

// Service returns a copy of the named service.
func (f *FakeAPI) Service(name string) (swarm.Service, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[name]
	if !ok {
		return swarm.Service{}, false
	}
	return *svc, true
}

// Names returns the names of every service.
func (f *FakeAPI) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.services))
	for name := range f.services {
		names = append(names, name)
	}
	return names
}

// Calls returns a snapshot of the call counters.
func (f *FakeAPI) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
