package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ArithService struct {
	Base
}

type Pair struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (s *ArithService) Add(a, b int) int { return a + b }

func (s *ArithService) AddPair(p Pair) (int, error) { return p.A + p.B, nil }

func (s *ArithService) Sum(nums ...int) int {
	total := 0
	for _, n := range nums {
		total += n
	}
	return total
}

func (s *ArithService) Fail() error { return errors.New("boom") }

func (s *ArithService) Deadline(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
}

func (s *ArithService) Noop() {}

func (s *ArithService) TooMany() (int, int, error) { return 0, 0, nil }

func (s *ArithService) BadSecond() (int, int) { return 0, 0 }

type hiddenService struct {
	Base
}

func (s *hiddenService) ServiceConfig() Config {
	return Config{Namespace: "system.hidden", Public: false}
}

func (s *hiddenService) Ping() string { return "pong" }

func raw(t *testing.T, values ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestDeriveNamespace(t *testing.T) {
	assert.Equal(t, "Arith", DeriveNamespace("ArithService"))
	assert.Equal(t, "core", DeriveNamespace("coreService"))
	assert.Equal(t, "Plain", DeriveNamespace("Plain"))
	assert.Equal(t, "ServiceX", DeriveNamespace("ServiceX"))
	assert.Equal(t, "FooService", DeriveNamespace("FooServiceService"))
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "ping", MethodName("Ping"))
	assert.Equal(t, "get_services", MethodName("GetServices"))
	assert.Equal(t, "add_pair", MethodName("AddPair"))
	assert.Equal(t, "query2", MethodName("Query2"))
	assert.Equal(t, "get_http_status", MethodName("GetHTTPStatus"))
	assert.Equal(t, "get_id", MethodName("GetID"))
	assert.Equal(t, "http", MethodName("HTTP"))
	assert.Equal(t, "v2_status", MethodName("V2Status"))
}

type clashService struct{ Base }

func (s *clashService) GetHTTP() string { return "a" }
func (s *clashService) GetHttp() string { return "b" }

func TestNewDescriptorRejectsWireNameClash(t *testing.T) {
	_, err := NewDescriptor(&clashService{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"get_http"`)
}

func TestNewDescriptorMethodTable(t *testing.T) {
	d, err := NewDescriptor(&ArithService{})
	require.NoError(t, err)

	assert.Equal(t, "Arith", d.Namespace)
	assert.True(t, d.Public)
	assert.Equal(t, []string{"add", "add_pair", "deadline", "fail", "noop", "sum"}, d.MethodNames())

	_, ok := d.Method("middleware")
	assert.False(t, ok, "capability accessors are not exposed")
	_, ok = d.Method("too_many")
	assert.False(t, ok)
}

func TestNewDescriptorConfigOverride(t *testing.T) {
	d, err := NewDescriptor(&hiddenService{})
	require.NoError(t, err)
	assert.Equal(t, "system.hidden", d.Namespace)
	assert.False(t, d.Public)
	assert.Equal(t, []string{"ping"}, d.MethodNames())
}

func TestNewDescriptorRejectsBase(t *testing.T) {
	_, err := NewDescriptor(&Base{})
	assert.Error(t, err)
}

func TestDescriptorCall(t *testing.T) {
	ctx := context.Background()
	d, err := NewDescriptor(&ArithService{})
	require.NoError(t, err)

	call := func(name string, params []json.RawMessage) (any, error) {
		mt, ok := d.Method(name)
		require.True(t, ok, name)
		return d.Call(ctx, mt, params)
	}

	v, err := call("add", raw(t, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = call("add_pair", raw(t, Pair{A: 4, B: 5}))
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	v, err = call("sum", raw(t, 1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = call("sum", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = call("noop", nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = call("fail", nil)
	assert.EqualError(t, err, "boom")
}

func TestDescriptorCallArity(t *testing.T) {
	d, err := NewDescriptor(&ArithService{})
	require.NoError(t, err)
	mt, _ := d.Method("add")

	_, err = d.Call(context.Background(), mt, raw(t, 1))
	assert.ErrorContains(t, err, "takes 2 positional arguments but 1 were given")

	_, err = d.Call(context.Background(), mt, raw(t, "x", 1))
	assert.ErrorContains(t, err, "argument 0")
}

func TestDescriptorCallPassesContext(t *testing.T) {
	d, err := NewDescriptor(&ArithService{})
	require.NoError(t, err)
	mt, _ := d.Method("deadline")
	assert.Equal(t, 0, mt.NumIn())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	v, err := d.Call(ctx, mt, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestMiddlewareLoadBindsAndFreezes(t *testing.T) {
	m := NewMiddleware(nil, nil)
	arith := &ArithService{}
	require.NoError(t, m.Load(
		func() Service { return arith },
		func() Service { return &hiddenService{} },
	))

	assert.Same(t, m, arith.Middleware())
	assert.True(t, m.Registry().Frozen())

	d, err := m.Registry().Resolve("Arith")
	require.NoError(t, err)
	assert.Same(t, arith, d.Handler)

	assert.Error(t, m.Registry().Register(d))
}

func TestMiddlewareLoadRejectsNil(t *testing.T) {
	m := NewMiddleware(nil, nil)
	assert.Error(t, m.Load(func() Service { return nil }))
}
