// Package service holds the handler side of the daemon: the Service
// capability every handler embeds, the per-handler method table built by
// reflection, and the Registry that maps namespaces to handlers.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"middlewared/datastore"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Service is the capability shared by every handler. It can only be
// satisfied by embedding Base, which carries the back-reference to the
// owning Middleware.
type Service interface {
	bind(m *Middleware)
}

// Base is embedded by every handler struct. Registering a bare *Base is
// rejected: it is the abstract capability, not a handler.
type Base struct {
	mw *Middleware
}

func (b *Base) bind(m *Middleware) { b.mw = m }

// Middleware returns the context the handler was loaded into.
func (b *Base) Middleware() *Middleware { return b.mw }

// Config overrides the registration fields a handler would otherwise get
// by convention. An empty Namespace falls back to the derived one.
type Config struct {
	Namespace string
	Public    bool
}

// Configurable is implemented by handlers that set their own Config.
type Configurable interface {
	ServiceConfig() Config
}

// Factory builds one handler instance for the bootstrap table.
type Factory func() Service

// Middleware is the context shared by every loaded handler. It is created
// once by the runtime and handed to each handler before registration.
type Middleware struct {
	registry *Registry
	store    datastore.Store
	logger   *zap.Logger
}

func NewMiddleware(store datastore.Store, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		registry: NewRegistry(logger),
		store:    store,
		logger:   logger,
	}
}

func (m *Middleware) Registry() *Registry { return m.registry }

// Store returns the backing store, or nil when the daemon runs without one.
func (m *Middleware) Store() datastore.Store { return m.store }

func (m *Middleware) Logger() *zap.Logger { return m.logger }

// Load instantiates every factory, registers the resulting handlers in
// order and freezes the registry. A later factory producing an existing
// namespace replaces the earlier one.
func (m *Middleware) Load(factories ...Factory) error {
	for _, factory := range factories {
		svc := factory()
		if svc == nil {
			return fmt.Errorf("service: factory returned nil")
		}
		svc.bind(m)

		desc, err := NewDescriptor(svc)
		if err != nil {
			return err
		}
		if err := m.registry.Register(desc); err != nil {
			return err
		}
	}
	m.registry.Freeze()
	return nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	baseType    = reflect.TypeOf(&Base{})
)

// reserved holds method names that belong to the capability itself and are
// never exposed over the wire.
var reserved = func() map[string]bool {
	names := map[string]bool{"ServiceConfig": true}
	for i := 0; i < baseType.NumMethod(); i++ {
		names[baseType.Method(i).Name] = true
	}
	return names
}()

// Method is one callable entry of a handler's method table.
type Method struct {
	Name     string // wire name, e.g. "get_services"
	method   reflect.Method
	hasCtx   bool
	argTypes []reflect.Type
	variadic bool
	hasValue bool
	hasError bool
}

// NumIn reports the number of positional parameters the method expects,
// counting a variadic tail as one.
func (mt *Method) NumIn() int { return len(mt.argTypes) }

// Descriptor is the immutable registration record of one handler.
type Descriptor struct {
	Namespace string
	Public    bool
	Handler   Service

	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*Method
}

// NewDescriptor reflects over svc and builds its method table.
//
// Exported methods qualify when they take an optional leading
// context.Context followed by any JSON-decodable parameters, and return
// nothing, a value, an error, or a value and an error.
func NewDescriptor(svc Service) (*Descriptor, error) {
	typ := reflect.TypeOf(svc)
	if typ == baseType {
		return nil, fmt.Errorf("service: the abstract Base cannot be registered")
	}
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service: handler must be a pointer to a struct, got %s", typ)
	}

	d := &Descriptor{
		Namespace: DeriveNamespace(typ.Elem().Name()),
		Public:    true,
		Handler:   svc,
		rcvr:      reflect.ValueOf(svc),
		typ:       typ,
		methods:   make(map[string]*Method),
	}
	if c, ok := svc.(Configurable); ok {
		cfg := c.ServiceConfig()
		if cfg.Namespace != "" {
			d.Namespace = cfg.Namespace
		}
		d.Public = cfg.Public
	}
	if d.Namespace == "" {
		return nil, fmt.Errorf("service: %s has an empty namespace", typ.Elem().Name())
	}

	if err := d.registerMethods(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) registerMethods() error {
	for i := 0; i < d.typ.NumMethod(); i++ {
		m := d.typ.Method(i)
		if reserved[m.Name] {
			continue
		}
		mt, ok := newMethod(m)
		if !ok {
			continue
		}
		if prev, dup := d.methods[mt.Name]; dup {
			return fmt.Errorf("service: %s: methods %s and %s both map to %q",
				d.Namespace, prev.method.Name, m.Name, mt.Name)
		}
		d.methods[mt.Name] = mt
	}
	return nil
}

func newMethod(m reflect.Method) (*Method, bool) {
	ft := m.Type
	mt := &Method{Name: MethodName(m.Name), method: m, variadic: ft.IsVariadic()}

	first := 1 // skip the receiver
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.hasCtx = true
		first = 2
	}
	for i := first; i < ft.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasValue = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
		mt.hasValue, mt.hasError = true, true
	default:
		return nil, false
	}
	return mt, true
}

// Method looks up a method by its wire name.
func (d *Descriptor) Method(name string) (*Method, bool) {
	mt, ok := d.methods[name]
	return mt, ok
}

// MethodNames returns the sorted wire names of every exposed method.
func (d *Descriptor) MethodNames() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call decodes params into the method's argument types and invokes it.
// Arity and decoding problems are returned as errors carrying a stack;
// panics raised by the handler propagate to the caller.
func (d *Descriptor) Call(ctx context.Context, mt *Method, params []json.RawMessage) (any, error) {
	args, err := mt.decodeArgs(params)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s.%s", d.Namespace, mt.Name)
	}

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, d.rcvr)
	if mt.hasCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := mt.method.Func.Call(in)

	var value any
	if mt.hasValue {
		value = out[0].Interface()
	}
	if mt.hasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	return value, nil
}

func (mt *Method) decodeArgs(params []json.RawMessage) ([]reflect.Value, error) {
	n := len(mt.argTypes)
	if mt.variadic {
		if len(params) < n-1 {
			return nil, errors.Errorf("takes at least %d positional arguments but %d were given", n-1, len(params))
		}
	} else if len(params) != n {
		return nil, errors.Errorf("takes %d positional arguments but %d were given", n, len(params))
	}

	args := make([]reflect.Value, len(params))
	for i, raw := range params {
		t := mt.argType(i)
		v := reflect.New(t)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, v.Interface()); err != nil {
				return nil, errors.Wrapf(err, "argument %d", i)
			}
		}
		args[i] = v.Elem()
	}
	return args, nil
}

func (mt *Method) argType(i int) reflect.Type {
	last := len(mt.argTypes) - 1
	if mt.variadic && i >= last {
		return mt.argTypes[last].Elem()
	}
	return mt.argTypes[i]
}
