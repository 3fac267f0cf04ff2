package plugins

import (
	"context"

	"github.com/pkg/errors"

	"middlewared/datastore"
	"middlewared/service"
)

// QueryOptions modifies datastore.query.
type QueryOptions struct {
	// Get returns the first matching record instead of a list, failing
	// when nothing matches.
	Get bool `json:"get"`
}

// datastoreService exposes the backing store as generic tables of JSON
// records.
type datastoreService struct {
	service.Base
}

func (s *datastoreService) Query(ctx context.Context, table string, filters map[string]any, opts ...QueryOptions) (any, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	records, err := store.Query(ctx, table, filters)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", table)
	}
	for _, o := range opts {
		if o.Get {
			if len(records) == 0 {
				return nil, errors.Wrapf(datastore.ErrNotFound, "query %s", table)
			}
			return records[0], nil
		}
	}
	return records, nil
}

func (s *datastoreService) Get(ctx context.Context, table string, id uint) (datastore.Record, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	rec, err := store.Get(ctx, table, id)
	return rec, errors.Wrapf(err, "get %s/%d", table, id)
}

func (s *datastoreService) Insert(ctx context.Context, table string, data map[string]any) (datastore.Record, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	rec, err := store.Insert(ctx, table, data)
	return rec, errors.Wrapf(err, "insert into %s", table)
}

func (s *datastoreService) Update(ctx context.Context, table string, id uint, data map[string]any) (datastore.Record, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	rec, err := store.Update(ctx, table, id, data)
	return rec, errors.Wrapf(err, "update %s/%d", table, id)
}

func (s *datastoreService) Delete(ctx context.Context, table string, id uint) (bool, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return false, err
	}
	if err := store.Delete(ctx, table, id); err != nil {
		return false, errors.Wrapf(err, "delete %s/%d", table, id)
	}
	return true, nil
}
