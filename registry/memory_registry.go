package registry

import "sync"

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[serviceName]
	for i, inst := range list {
		if inst.Addr == instance.Addr {
			list[i] = instance
			m.notify(serviceName)
			return nil
		}
	}
	m.instances[serviceName] = append(list, instance)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[serviceName]
	for i, inst := range list {
		if inst.Addr == addr {
			m.instances[serviceName] = append(list[:i:i], list[i+1:]...)
			m.notify(serviceName)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceInstance(nil), m.instances[serviceName]...), nil
}

func (m *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	return ch
}

// notify sends the current list to every watcher, replacing an unread
// update. Callers hold m.mu.
func (m *MemoryRegistry) notify(serviceName string) {
	snapshot := append([]ServiceInstance(nil), m.instances[serviceName]...)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
