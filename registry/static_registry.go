package registry

import (
	"context"
	"slices"
	"sync"
)

// StaticRegistry keeps instances in memory. It backs configurations that list gateway
// addresses directly, and tests. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (r *StaticRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := r.instances[serviceName]
	idx := slices.IndexFunc(insts, func(i ServiceInstance) bool { return i.Addr == instance.Addr })
	if idx >= 0 {
		insts[idx] = instance
	} else {
		insts = append(insts, instance)
	}
	r.instances[serviceName] = insts
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[serviceName] = slices.DeleteFunc(r.instances[serviceName], func(i ServiceInstance) bool {
		return i.Addr == addr
	})
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.instances[serviceName]), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.watchers[serviceName] = slices.DeleteFunc(r.watchers[serviceName], func(c chan []ServiceInstance) bool {
			return c == ch
		})
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notifyLocked pushes the latest list to every watcher, replacing a stale pending list.
func (r *StaticRegistry) notifyLocked(serviceName string) {
	snapshot := slices.Clone(r.instances[serviceName])
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
