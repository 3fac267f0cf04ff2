package plugins

import (
	"github.com/pkg/errors"

	"middlewared/service"
)

// coreService answers introspection calls about the daemon itself.
type coreService struct {
	service.Base
}

func (s *coreService) Ping() string { return "pong" }

// GetServices maps every namespace to its public flag.
func (s *coreService) GetServices() map[string]bool {
	out := make(map[string]bool)
	for _, d := range s.Middleware().Registry().Descriptors() {
		out[d.Namespace] = d.Public
	}
	return out
}

// GetMethods maps namespaces to their method names. With no arguments it
// lists every namespace.
func (s *coreService) GetMethods(namespaces ...string) (map[string][]string, error) {
	reg := s.Middleware().Registry()
	out := make(map[string][]string)
	if len(namespaces) == 0 {
		for _, d := range reg.Descriptors() {
			out[d.Namespace] = d.MethodNames()
		}
		return out, nil
	}
	for _, ns := range namespaces {
		d, err := reg.Resolve(ns)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		out[ns] = d.MethodNames()
	}
	return out, nil
}
