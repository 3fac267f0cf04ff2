package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilRPCIsNoop(t *testing.T) {
	var m *RPC
	assert.NotPanics(t, func() {
		m.ObserveCall("core", "ok", time.Millisecond)
		m.SessionOpened("websocket", "authenticated")
		m.SessionClosed("authenticated")
		m.AuthDecision(true)
		m.TransportFailure()
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCall("core", "ok", time.Millisecond)
	m.ObserveCall("core", "ok", time.Millisecond)
	m.ObserveCall("core", "MethodNotFound", time.Millisecond)
	m.SessionOpened("websocket", "rejected")
	m.AuthDecision(false)
	m.TransportFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("core", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("core", "MethodNotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authDecisions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportFails))

	m.SessionClosed("rejected")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessions.WithLabelValues("rejected")))
}

func TestNewRegistryGathers(t *testing.T) {
	reg := NewRegistry()
	New(reg)
	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
