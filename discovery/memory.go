package discovery

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. It backs static address lists
// and single-host setups where no etcd cluster is available. TTLs are
// ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]map[string]Instance // namespace → addr → instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

// Static returns a registry serving the same addresses for every
// namespace lookup made through Discover with namespace "".
func Static(addrs ...string) *MemoryRegistry {
	r := NewMemoryRegistry()
	for _, addr := range addrs {
		_ = r.Register(context.Background(), "", Instance{Addr: addr, Weight: 1}, 0)
	}
	return r
}

func (r *MemoryRegistry) Register(_ context.Context, namespace string, instance Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[namespace] == nil {
		r.entries[namespace] = make(map[string]Instance)
	}
	r.entries[namespace][instance.Addr] = instance
	r.notify(namespace)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, namespace string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries[namespace], addr)
	r.notify(namespace)
	return nil
}

// Discover falls back to the "" namespace when namespace has no entries.
func (r *MemoryRegistry) Discover(_ context.Context, namespace string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.list(namespace)
	if len(list) == 0 && namespace != "" {
		list = r.list("")
	}
	return list, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, namespace string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[namespace] = append(r.watchers[namespace], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[namespace]
		for i, w := range ws {
			if w == ch {
				r.watchers[namespace] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns namespace's instances sorted by address. r.mu must be held.
func (r *MemoryRegistry) list(namespace string) []Instance {
	out := make([]Instance, 0, len(r.entries[namespace]))
	for _, inst := range r.entries[namespace] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify sends the current list to watchers, replacing a stale pending
// update. r.mu must be held.
func (r *MemoryRegistry) notify(namespace string) {
	list := r.list(namespace)
	for _, ch := range r.watchers[namespace] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
