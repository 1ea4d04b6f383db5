package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryRegistry keeps instances in process memory. Servers and clients sharing one
// MemoryRegistry discover each other without an external store, which is what tests and
// single-process deployments need.
type MemoryRegistry struct {
	opts      options
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	published publications
}

func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	return &MemoryRegistry{
		opts:      buildOptions(opts),
		instances: make(map[string][]ServiceInstance),
	}
}

// Register adds inst, replacing an existing entry with the same address.
func (m *MemoryRegistry) Register(ctx context.Context, service string, inst ServiceInstance) error {
	m.mu.Lock()
	insts := m.instances[service]
	replaced := false
	for i := range insts {
		if insts[i].Addr() == inst.Addr() {
			insts[i] = inst
			replaced = true
			break
		}
	}
	if !replaced {
		m.instances[service] = append(insts, inst)
	}
	m.mu.Unlock()

	m.published.add(service, inst)
	m.opts.logger.Debug("service registered", zap.String("service", service), zap.String("addr", inst.Addr()))
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, service, host string, port int) error {
	addr := ServiceInstance{Host: host, Port: port}.Addr()
	m.mu.Lock()
	insts := m.instances[service]
	for i, inst := range insts {
		if inst.Addr() == addr {
			m.instances[service] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	if len(m.instances[service]) == 0 {
		delete(m.instances, service)
	}
	m.mu.Unlock()

	m.published.remove(service, host, port)
	return nil
}

func (m *MemoryRegistry) DeregisterAll(ctx context.Context) error {
	return deregisterAll(ctx, &m.published, m.Deregister)
}

// GetAllInstances returns a copy of the instance list.
func (m *MemoryRegistry) GetAllInstances(ctx context.Context, service string) ([]ServiceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServiceInstance(nil), m.instances[service]...), nil
}

func (m *MemoryRegistry) GetOneInstance(ctx context.Context, service string) (*ServiceInstance, error) {
	all, err := m.GetAllInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	return pickOne(m.opts.picker, service, all)
}

func (m *MemoryRegistry) Close() error { return nil }
