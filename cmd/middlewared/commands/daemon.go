package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"middlewared/auth"
	"middlewared/config"
	"middlewared/datastore"
	"middlewared/discovery"
	"middlewared/dispatch"
	"middlewared/metrics"
	"middlewared/middleware"
	"middlewared/plugins"
	"middlewared/server"
	"middlewared/service"
	"middlewared/transport"
)

// daemon is one configured instance of the runtime: registry, dispatcher,
// middleware chain, server and its listeners. A config reload builds a
// new daemon.
type daemon struct {
	cfg *config.Config
	log *zap.Logger

	store   *datastore.GormStore
	mw      *service.Middleware
	srv     *server.Server
	promReg *prometheus.Registry

	etcd      *discovery.EtcdRegistry
	announcer *discovery.Announcer

	listeners   []transport.Listener
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	serveErrors chan error
}

func newDaemon(cfg *config.Config, log *zap.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: log, serveErrors: make(chan error, 2)}

	var store datastore.Store
	if cfg.Datastore.Path != "" {
		s, err := datastore.Open(cfg.Datastore.Path, log.Named("datastore"))
		if err != nil {
			return nil, err
		}
		d.store = s
		store = s
	}

	d.mw = service.NewMiddleware(store, log.Named("services"))
	if err := d.mw.Load(plugins.Builtin()...); err != nil {
		d.close()
		return nil, fmt.Errorf("load services: %w", err)
	}

	var rpcMetrics *metrics.RPC
	if cfg.Metrics.Enabled {
		d.promReg = metrics.NewRegistry()
		rpcMetrics = metrics.New(d.promReg)
	}

	authn, err := newAuthenticator(cfg.Auth, log.Named("auth"))
	if err != nil {
		d.close()
		return nil, err
	}

	dispatcher := dispatch.New(d.mw.Registry(), log.Named("dispatch"))
	handler := middleware.Chain(
		middleware.LoggingMiddleware(log.Named("rpc")),
		middleware.MetricsMiddleware(rpcMetrics),
		middleware.RateLimitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst),
		middleware.TimeOutMiddleware(cfg.Limits.CallTimeout),
	)(dispatcher.Handle)

	d.srv = server.New(handler, authn,
		server.WithLogger(log.Named("server")),
		server.WithMetrics(rpcMetrics),
		server.WithHeartbeat(cfg.Limits.Heartbeat),
	)
	return d, nil
}

func newAuthenticator(cfg config.AuthConfig, log *zap.Logger) (auth.Authenticator, error) {
	token := func() (auth.Authenticator, error) {
		return auth.NewToken([]byte(cfg.TokenSecret), cfg.TokenIssuer, log)
	}
	switch cfg.Mode {
	case config.AuthSocketOwner:
		return auth.NewLocal(cfg.PrivilegedUID, log), nil
	case config.AuthToken:
		return token()
	case config.AuthAny:
		tok, err := token()
		if err != nil {
			return nil, err
		}
		return auth.AnyOf(auth.NewLocal(cfg.PrivilegedUID, log), tok), nil
	case config.AuthNone:
		log.Warn("authentication disabled: every peer is authorized")
		return auth.Static(true), nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}

// start opens the listeners and begins serving. It does not block.
func (d *daemon) start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	limit := d.cfg.Limits.MaxMessageSize

	if d.cfg.Listen.Websocket != "" {
		l, err := transport.ListenWebsocket(transport.WebsocketConfig{
			Addr:           d.cfg.Listen.Websocket,
			Path:           d.cfg.Listen.Path,
			MaxMessageSize: limit,
			Logger:         d.log.Named("websocket"),
		})
		if err != nil {
			d.stop()
			return err
		}
		d.listeners = append(d.listeners, l)
	}
	if d.cfg.Listen.Stream != "" {
		l, err := transport.ListenStream(d.cfg.Listen.Stream, uint32(limit))
		if err != nil {
			d.stop()
			return err
		}
		d.listeners = append(d.listeners, l)
	}

	for _, l := range d.listeners {
		d.wg.Add(1)
		go func(l transport.Listener) {
			defer d.wg.Done()
			if err := d.srv.Serve(l); err != nil && !errors.Is(err, server.ErrServerClosed) {
				d.serveErrors <- err
			}
		}(l)
	}

	if d.promReg != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := metrics.Serve(ctx, d.cfg.Metrics.Listen, d.promReg, d.log.Named("metrics")); err != nil {
				d.log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	if len(d.cfg.Discovery.Endpoints) > 0 {
		if err := d.announce(ctx); err != nil {
			d.stop()
			return err
		}
	}
	return nil
}

func (d *daemon) announce(ctx context.Context) error {
	reg, err := discovery.NewEtcdRegistry(d.cfg.Discovery.Endpoints, d.log.Named("discovery"))
	if err != nil {
		return err
	}
	d.etcd = reg

	var namespaces []string
	for _, desc := range d.mw.Registry().Descriptors() {
		if desc.Public {
			namespaces = append(namespaces, desc.Namespace)
		}
	}
	d.announcer = discovery.NewAnnouncer(reg, discovery.Instance{
		Addr:    d.cfg.Discovery.Advertise,
		Weight:  1,
		Version: Version,
	}, d.cfg.Discovery.TTL, d.log.Named("discovery"))
	return d.announcer.Announce(ctx, namespaces)
}

// addrs returns the bound address of every listener.
func (d *daemon) addrs() []net.Addr {
	out := make([]net.Addr, len(d.listeners))
	for i, l := range d.listeners {
		out[i] = l.Addr()
	}
	return out
}

// stop withdraws from discovery first so callers stop routing here, then
// shuts the server down and releases every resource.
func (d *daemon) stop() error {
	var errs []error
	if d.announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
		errs = append(errs, d.announcer.Withdraw(ctx))
		cancel()
	}
	if d.srv != nil {
		errs = append(errs, d.srv.Shutdown(d.cfg.ShutdownTimeout))
	}
	// listeners opened but never served are not known to the server
	for _, l := range d.listeners {
		_ = l.Close()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *daemon) close() error {
	var errs []error
	if d.etcd != nil {
		errs = append(errs, d.etcd.Close())
		d.etcd = nil
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
		d.store = nil
	}
	return errors.Join(errs...)
}
