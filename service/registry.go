package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Resolve for an unknown namespace.
var ErrNotFound = errors.New("service: namespace not found")

// Registry maps namespaces to handler descriptors. It is filled during a
// single load phase and frozen before the first connection is accepted.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Descriptor
	frozen   bool
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		services: make(map[string]*Descriptor),
		logger:   logger,
	}
}

// Register inserts d, replacing any descriptor already registered under
// the same namespace. The replacement is logged since it is rarely what
// the author of the earlier handler intended.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("service: registry is frozen, cannot register %q", d.Namespace)
	}
	if prev, ok := r.services[d.Namespace]; ok {
		r.logger.Warn("namespace registered twice, last registration wins",
			zap.String("namespace", d.Namespace),
			zap.String("previous", fmt.Sprintf("%T", prev.Handler)),
			zap.String("current", fmt.Sprintf("%T", d.Handler)),
		)
	}
	r.services[d.Namespace] = d
	r.logger.Debug("service registered",
		zap.String("namespace", d.Namespace),
		zap.Bool("public", d.Public),
		zap.Strings("methods", d.MethodNames()),
	)
	return nil
}

// Resolve returns the descriptor registered for namespace.
func (r *Registry) Resolve(namespace string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.services[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, namespace)
	}
	return d, nil
}

// Freeze ends the load phase. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Descriptors returns every registered descriptor sorted by namespace.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}
