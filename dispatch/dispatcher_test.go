package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"middlewared/message"
	"middlewared/service"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FooService struct {
	service.Base
	tag string
}

func (s *FooService) Bar() string { return s.tag }

func (s *FooService) Echo(v any) any { return v }

func (s *FooService) Fail(msg string) error { return errors.New(msg) }

func (s *FooService) Plain(msg string) error { return stdError(msg) }

func (s *FooService) Panic() int { panic("handler exploded") }

func (s *FooService) Channel() chan int { return make(chan int) }

type stdError string

func (e stdError) Error() string { return string(e) }

func newDispatcher(t *testing.T, factories ...service.Factory) *Dispatcher {
	t.Helper()
	m := service.NewMiddleware(nil, nil)
	require.NoError(t, m.Load(factories...))
	return New(m.Registry(), nil)
}

func params(t *testing.T, values ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in        string
		namespace string
		name      string
		ok        bool
	}{
		{"Foo.bar", "Foo", "bar", true},
		{"system.hidden.ping", "system.hidden", "ping", true},
		{"bogus", "", "", false},
		{"", "", "", false},
		{".bar", "", "", false},
		{"Foo.", "", "", false},
	}
	for _, tc := range cases {
		ns, name, ok := SplitMethod(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.namespace, ns, tc.in)
		assert.Equal(t, tc.name, name, tc.in)
	}
}

func TestDispatchLastRegisteredHandlerWins(t *testing.T) {
	d := newDispatcher(t,
		func() service.Service { return &FooService{tag: "first"} },
		func() service.Service { return &FooService{tag: "second"} },
	)

	res := d.Dispatch(context.Background(), "Foo.bar", nil)
	require.False(t, res.Failed(), "%v", res.Err)
	assert.Equal(t, "second", res.Value)
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := newDispatcher(t, func() service.Service { return &FooService{} })

	for _, method := range []string{"bogus", "", "system.info", "Foo.missing", "Foo.", ".bar"} {
		res := d.Dispatch(context.Background(), method, nil)
		require.True(t, res.Failed(), method)
		assert.Equal(t, KindMethodNotFound, res.Err.Kind, method)
		assert.Equal(t, "MethodNotFound: "+method, res.Err.Message)
	}
}

func TestDispatchInvocationErrorKeepsMessageAndStack(t *testing.T) {
	d := newDispatcher(t, func() service.Service { return &FooService{} })

	res := d.Dispatch(context.Background(), "Foo.fail", params(t, "disk offline"))
	require.True(t, res.Failed())
	assert.Equal(t, KindInvocationError, res.Err.Kind)
	assert.Equal(t, "disk offline", res.Err.Message)
	assert.Contains(t, res.Err.Stacktrace, "FooService")

	// errors without a recorded stack get the dispatch site's
	res = d.Dispatch(context.Background(), "Foo.plain", params(t, "no stack"))
	require.True(t, res.Failed())
	assert.Equal(t, "no stack", res.Err.Message)
	assert.Contains(t, res.Err.Stacktrace, "no stack")
	assert.Contains(t, res.Err.Stacktrace, "dispatch.Invocation")
}

func TestDispatchArityMismatch(t *testing.T) {
	d := newDispatcher(t, func() service.Service { return &FooService{} })

	res := d.Dispatch(context.Background(), "Foo.bar", params(t, 1))
	require.True(t, res.Failed())
	assert.Equal(t, KindInvocationError, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "takes 0 positional arguments but 1 were given")
	assert.Contains(t, res.Err.Stacktrace, "decodeArgs")
}

func TestDispatchArgumentDecodeFailure(t *testing.T) {
	d := newDispatcher(t, func() service.Service { return &FooService{} })

	res := d.Dispatch(context.Background(), "Foo.fail", params(t, 1))
	require.True(t, res.Failed())
	assert.Equal(t, KindInvocationError, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "argument 0")
	assert.Contains(t, res.Err.Stacktrace, "decodeArgs")
}

func TestInvocationAlwaysCarriesStack(t *testing.T) {
	for _, err := range []error{stdError("plain"), errors.New("stacked"), errors.WithMessage(stdError("inner"), "outer")} {
		e := Invocation(err)
		assert.Equal(t, err.Error(), e.Message)
		assert.NotEmpty(t, e.Stacktrace, err.Error())
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := newDispatcher(t, func() service.Service { return &FooService{} })

	res := d.Dispatch(context.Background(), "Foo.panic", nil)
	require.True(t, res.Failed())
	assert.Equal(t, KindInvocationError, res.Err.Kind)
	assert.Equal(t, "handler exploded", res.Err.Message)
	assert.Contains(t, res.Err.Stacktrace, "goroutine")

	// the dispatcher keeps working afterwards
	res = d.Dispatch(context.Background(), "Foo.echo", params(t, "still alive"))
	require.False(t, res.Failed())
	assert.Equal(t, "still alive", res.Value)
}

func TestHandleUsesRequestFields(t *testing.T) {
	d := newDispatcher(t, func() service.Service { return &FooService{} })

	res := d.Handle(context.Background(), &message.Request{
		Msg:    message.KindMethod,
		Method: "Foo.echo",
		Params: params(t, map[string]any{"k": 1}),
	})
	require.False(t, res.Failed())
	assert.Equal(t, map[string]any{"k": float64(1)}, res.Value)
}

func TestResultResponse(t *testing.T) {
	id := json.RawMessage(`1`)

	data, err := json.Marshal(Result{Value: []string{"a"}}.Response(id))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"result","id":1,"result":["a"]}`, string(data))

	data, err = json.Marshal(Fail(MethodNotFound("system.info")).Response(id))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"result","id":1,"error":{"error":"MethodNotFound: system.info"}}`, string(data))

	d := newDispatcher(t, func() service.Service { return &FooService{} })
	resp := d.Dispatch(context.Background(), "Foo.channel", nil).Response(id)
	require.True(t, resp.Failed())
	assert.Contains(t, resp.Error.Error, "encode result")
}
