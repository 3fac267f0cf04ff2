// Package dispatch resolves "namespace.method" strings against the service
// registry and invokes the handler, turning every failure into a Result
// instead of letting it escape to the session.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"middlewared/message"
	"middlewared/service"

	"go.uber.org/zap"
)

// Result is the outcome of one call: either Value or Err is set.
type Result struct {
	Value any
	Err   *Error
}

func (r Result) Failed() bool { return r.Err != nil }

func Fail(err *Error) Result { return Result{Err: err} }

// Response encodes r as the result envelope for request id. A value that
// cannot be marshalled becomes an invocation error.
func (r Result) Response(id json.RawMessage) *message.Response {
	if r.Err != nil {
		return message.NewError(id, r.Err.Message, r.Err.Stacktrace)
	}
	body, err := json.Marshal(r.Value)
	if err != nil {
		inv := Invocation(fmt.Errorf("encode result: %w", err))
		return message.NewError(id, inv.Message, inv.Stacktrace)
	}
	return message.NewResult(id, body)
}

// SplitMethod splits on the last '.', so "a.b.c" names method "c" of
// namespace "a.b". Both parts must be non-empty.
func SplitMethod(method string) (namespace, name string, ok bool) {
	i := strings.LastIndex(method, ".")
	if i <= 0 || i == len(method)-1 {
		return "", "", false
	}
	return method[:i], method[i+1:], true
}

// Dispatcher is safe for concurrent use; handlers are responsible for
// their own internal locking.
type Dispatcher struct {
	registry *service.Registry
	logger   *zap.Logger
}

func New(registry *service.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Handle is the HandlerFunc form of Dispatch used at the end of the
// middleware chain.
func (d *Dispatcher) Handle(ctx context.Context, req *message.Request) Result {
	return d.Dispatch(ctx, req.Method, req.Params)
}

// Dispatch invokes method with positional params.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params []json.RawMessage) (res Result) {
	namespace, name, ok := SplitMethod(method)
	if !ok {
		return Fail(MethodNotFound(method))
	}
	desc, err := d.registry.Resolve(namespace)
	if err != nil {
		return Fail(MethodNotFound(method))
	}
	mt, ok := desc.Method(name)
	if !ok {
		return Fail(MethodNotFound(method))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("method", method),
				zap.Any("panic", r),
			)
			res = Fail(Panicked(r, debug.Stack()))
		}
	}()

	value, err := desc.Call(ctx, mt, params)
	if err != nil {
		return Fail(Invocation(err))
	}
	return Result{Value: value}
}
