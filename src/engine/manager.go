package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logger "github.com/sirupsen/logrus"

	"tradepilot/src/executor"
)

// Controller is the narrow surface the control plane is allowed to touch.
// The engine depends on nothing from the control surface.
type Controller interface {
	Pause(tenantID, reason string) error
	Resume(tenantID string) error
	CloseAll(ctx context.Context, tenantID, reason string) ([]executor.CloseResult, error)
	GetStatus(tenantID string) (*Status, error)
	Tenants() []string
}

// Manager runs one Instance per exchange-account and fans control calls out
// to them. Instances never share mutable state; the manager only routes.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	pump      *MarketPump
}

func NewManager() *Manager {
	return &Manager{instances: map[string]*Instance{}}
}

func (m *Manager) Add(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.TenantID] = inst
}

func (m *Manager) get(tenantID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[tenantID]
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q", tenantID)
	}
	return inst, nil
}

// SetPump attaches the shared market pump started alongside the instances.
func (m *Manager) SetPump(pump *MarketPump) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pump = pump
}

// Run starts the market pump and every instance, and blocks until all have
// stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	pump := m.pump
	m.mu.RUnlock()

	var wg sync.WaitGroup
	if pump != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pump.Run(ctx); err != nil {
				logger.WithError(err).Error("market pump exited with error")
			}
		}()
	}
	for _, inst := range instances {
		wg.Add(1)
		go func(i *Instance) {
			defer wg.Done()
			if err := i.Run(ctx); err != nil {
				logger.WithError(err).WithField("tenant", i.TenantID).Error("instance exited with error")
			}
		}(inst)
	}
	wg.Wait()
	return nil
}

func (m *Manager) Pause(tenantID, reason string) error {
	inst, err := m.get(tenantID)
	if err != nil {
		return err
	}
	inst.Pause(reason)
	return nil
}

func (m *Manager) Resume(tenantID string) error {
	inst, err := m.get(tenantID)
	if err != nil {
		return err
	}
	inst.Resume()
	return nil
}

func (m *Manager) CloseAll(ctx context.Context, tenantID, reason string) ([]executor.CloseResult, error) {
	inst, err := m.get(tenantID)
	if err != nil {
		return nil, err
	}
	return inst.CloseAll(ctx, reason)
}

func (m *Manager) GetStatus(tenantID string) (*Status, error) {
	inst, err := m.get(tenantID)
	if err != nil {
		return nil, err
	}
	status := inst.GetStatus()
	return &status, nil
}

// Tenants lists registered instance tenants, sorted for stable output.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ Controller = (*Manager)(nil)
