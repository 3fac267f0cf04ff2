package plugins

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"

	"middlewared/service"
)

const servicesTable = "services"

// ProcessProbe reports whether a process called name is running.
type ProcessProbe func(ctx context.Context, name string) (bool, error)

// ServicesService keeps the enable flag of system services (cifs, nfs,
// ssh, ...) and reports whether they are running.
//
// Rows of the "services" table look like {"service": "cifs", "enable": true}.
type ServicesService struct {
	service.Base
	probe ProcessProbe
}

// NewServicesService uses probe for Started, or a process table scan when
// probe is nil.
func NewServicesService(probe ProcessProbe) *ServicesService {
	if probe == nil {
		probe = processRunning
	}
	return &ServicesService{probe: probe}
}

func (s *ServicesService) ServiceConfig() service.Config {
	return service.Config{Namespace: "service", Public: true}
}

// Query lists service rows matching filters.
func (s *ServicesService) Query(ctx context.Context, filters map[string]any) (any, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	recs, err := store.Query(ctx, servicesTable, filters)
	return recs, errors.Wrap(err, "query services")
}

func (s *ServicesService) Enable(ctx context.Context, name string) (map[string]any, error) {
	return s.setEnabled(ctx, name, true)
}

func (s *ServicesService) Disable(ctx context.Context, name string) (map[string]any, error) {
	return s.setEnabled(ctx, name, false)
}

// Toggle flips the enable flag of name.
func (s *ServicesService) Toggle(ctx context.Context, name string) (map[string]any, error) {
	rec, err := s.find(ctx, name)
	if err != nil {
		return nil, err
	}
	enabled, _ := rec["enable"].(bool)
	return s.setEnabled(ctx, name, !enabled)
}

// Started reports whether a process named after the service is running.
func (s *ServicesService) Started(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errors.New("service name must not be empty")
	}
	running, err := s.probe(ctx, name)
	return running, errors.Wrapf(err, "probe %s", name)
}

func (s *ServicesService) find(ctx context.Context, name string) (map[string]any, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	recs, err := store.Query(ctx, servicesTable, map[string]any{"service": name})
	if err != nil {
		return nil, errors.Wrap(err, "query services")
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *ServicesService) setEnabled(ctx context.Context, name string, enable bool) (map[string]any, error) {
	if name == "" {
		return nil, errors.New("service name must not be empty")
	}
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	rec, err := s.find(ctx, name)
	if err != nil {
		return nil, err
	}
	data := map[string]any{"service": name, "enable": enable}
	if rec == nil {
		created, err := store.Insert(ctx, servicesTable, data)
		return created, errors.Wrapf(err, "create service %s", name)
	}
	id, err := recordID(rec)
	if err != nil {
		return nil, err
	}
	updated, err := store.Update(ctx, servicesTable, id, data)
	return updated, errors.Wrapf(err, "update service %s", name)
}

// processRunning scans the process table for a process whose name is
// name, or name followed by "d" (ssh → sshd).
func processRunning(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue // exited or not ours to inspect
		}
		if strings.EqualFold(pname, name) || strings.EqualFold(pname, name+"d") {
			return true, nil
		}
	}
	return false, nil
}
