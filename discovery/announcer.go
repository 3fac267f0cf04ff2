package discovery

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Announcer registers a set of namespaces for one advertised address and
// removes them again on Withdraw.
type Announcer struct {
	registry  Registry
	instance  Instance
	ttl       int64
	logger    *zap.Logger
	announced []string
}

func NewAnnouncer(registry Registry, instance Instance, ttl int64, logger *zap.Logger) *Announcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{registry: registry, instance: instance, ttl: ttl, logger: logger}
}

// Announce registers every namespace. On failure the namespaces already
// registered are withdrawn.
func (a *Announcer) Announce(ctx context.Context, namespaces []string) error {
	for _, ns := range namespaces {
		if err := a.registry.Register(ctx, ns, a.instance, a.ttl); err != nil {
			return errors.Join(err, a.Withdraw(context.WithoutCancel(ctx)))
		}
		a.announced = append(a.announced, ns)
	}
	a.logger.Info("announced namespaces",
		zap.String("advertise", a.instance.Addr),
		zap.Strings("namespaces", a.announced),
	)
	return nil
}

// Withdraw deregisters everything Announce registered.
func (a *Announcer) Withdraw(ctx context.Context) error {
	var errs []error
	for _, ns := range a.announced {
		if err := a.registry.Deregister(ctx, ns, a.instance.Addr); err != nil {
			errs = append(errs, err)
		}
	}
	a.announced = nil
	return errors.Join(errs...)
}
