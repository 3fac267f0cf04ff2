package plugins

import (
	"context"

	"github.com/pkg/errors"

	"middlewared/service"
)

const tunableTable = "tunable"

// configService stores key/value tunables in the "tunable" table.
type configService struct {
	service.Base
}

func (s *configService) Get(ctx context.Context, key string) (any, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	recs, err := store.Query(ctx, tunableTable, map[string]any{"key": key})
	if err != nil {
		return nil, errors.Wrap(err, "read tunables")
	}
	if len(recs) == 0 {
		return nil, errors.Errorf("unknown tunable %q", key)
	}
	return recs[0]["value"], nil
}

// Set creates or replaces the value of key.
func (s *configService) Set(ctx context.Context, key string, value any) (any, error) {
	if key == "" {
		return nil, errors.New("tunable key must not be empty")
	}
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	recs, err := store.Query(ctx, tunableTable, map[string]any{"key": key})
	if err != nil {
		return nil, errors.Wrap(err, "read tunables")
	}
	data := map[string]any{"key": key, "value": value}
	if len(recs) == 0 {
		rec, err := store.Insert(ctx, tunableTable, data)
		if err != nil {
			return nil, errors.Wrapf(err, "create tunable %q", key)
		}
		return rec["value"], nil
	}
	id, err := recordID(recs[0])
	if err != nil {
		return nil, err
	}
	rec, err := store.Update(ctx, tunableTable, id, data)
	if err != nil {
		return nil, errors.Wrapf(err, "update tunable %q", key)
	}
	return rec["value"], nil
}

// List returns every tunable as key → value.
func (s *configService) List(ctx context.Context) (map[string]any, error) {
	store, err := storeOf(&s.Base)
	if err != nil {
		return nil, err
	}
	recs, err := store.Query(ctx, tunableTable, nil)
	if err != nil {
		return nil, errors.Wrap(err, "read tunables")
	}
	out := make(map[string]any, len(recs))
	for _, rec := range recs {
		if key, ok := rec["key"].(string); ok {
			out[key] = rec["value"]
		}
	}
	return out, nil
}
