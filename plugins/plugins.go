// Package plugins holds the services every daemon loads at start-up.
//
// There is no directory scanning: Builtin is the complete bootstrap list
// and its order is the registration order.
package plugins

import (
	"middlewared/datastore"
	"middlewared/service"

	"github.com/pkg/errors"
)

// ErrNoStore is returned by store-backed methods when the daemon runs
// without a datastore.
var ErrNoStore = errors.New("datastore is not configured")

// Builtin returns the factories of the built-in services.
func Builtin() []service.Factory {
	return []service.Factory{
		func() service.Service { return &coreService{} },
		func() service.Service { return &datastoreService{} },
		func() service.Service { return &configService{} },
		func() service.Service { return NewServicesService(nil) },
	}
}

// storeOf returns the store of the middleware svc is bound to.
func storeOf(b *service.Base) (datastore.Store, error) {
	if mw := b.Middleware(); mw != nil && mw.Store() != nil {
		return mw.Store(), nil
	}
	return nil, errors.WithStack(ErrNoStore)
}

func recordID(rec datastore.Record) (uint, error) {
	id, ok := rec["id"].(float64)
	if !ok || id < 1 {
		return 0, errors.Errorf("record has no valid id: %v", rec["id"])
	}
	return uint(id), nil
}
