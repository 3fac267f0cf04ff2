package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"middlewared/auth"
	"middlewared/dispatch"
	"middlewared/message"
	"middlewared/middleware"
	"middlewared/service"
	"middlewared/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoService struct {
	service.Base
	started chan struct{}
	release chan struct{}
}

func (s *echoService) Echo(v any) any { return v }

func (s *echoService) Boom() error { return errors.New("boom") }

func (s *echoService) Fill(n int) string { return strings.Repeat("x", n) }

// Block signals started, then waits for release.
func (s *echoService) Block() string {
	s.started <- struct{}{}
	<-s.release
	return "released"
}

type harness struct {
	srv    *Server
	url    string
	echo   *echoService
	served chan error
}

func start(t *testing.T, authn auth.Authenticator) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	echo := &echoService{started: make(chan struct{}, 1), release: make(chan struct{})}
	mw := service.NewMiddleware(nil, log)
	require.NoError(t, mw.Load(func() service.Service { return echo }))
	d := dispatch.New(mw.Registry(), log)

	l, err := transport.ListenWebsocket(transport.WebsocketConfig{Addr: "127.0.0.1:0", Logger: log})
	require.NoError(t, err)

	h := &harness{
		srv:    New(d.Handle, authn, WithLogger(log)),
		url:    fmt.Sprintf("ws://%s%s", l.Addr(), transport.DefaultPath),
		echo:   echo,
		served: make(chan error, 1),
	}
	go func() { h.served <- h.srv.Serve(l) }()
	t.Cleanup(func() { _ = h.srv.Shutdown(time.Second) })
	return h
}

func (h *harness) dial(t *testing.T, header http.Header) transport.Conn {
	t.Helper()
	c, err := transport.DialWebsocket(context.Background(), h.url, header, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c transport.Conn, envelope string) {
	t.Helper()
	require.NoError(t, c.WriteMessage([]byte(envelope)))
}

func recv(t *testing.T, c transport.Conn) string {
	t.Helper()
	data, err := c.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func recvResponse(t *testing.T, c transport.Conn) message.Response {
	t.Helper()
	var resp message.Response
	require.NoError(t, json.Unmarshal([]byte(recv(t, c)), &resp))
	return resp
}

func TestUnknownNamespace(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":"method","id":1,"method":"system.info","params":[]}`)
	assert.JSONEq(t, `{"msg":"result","id":1,"error":{"error":"MethodNotFound: system.info"}}`, recv(t, c))
}

func TestMethodWithoutDot(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":"method","id":"x","method":"bogus","params":[]}`)
	assert.JSONEq(t, `{"msg":"result","id":"x","error":{"error":"MethodNotFound: bogus"}}`, recv(t, c))

	// the session survives
	send(t, c, `{"msg":"method","id":2,"method":"echo.echo","params":["hi"]}`)
	assert.JSONEq(t, `{"msg":"result","id":2,"result":"hi"}`, recv(t, c))
}

func TestHandlerError(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":"method","id":7,"method":"echo.boom","params":[]}`)
	resp := recvResponse(t, c)
	require.True(t, resp.Failed())
	assert.JSONEq(t, `7`, string(resp.ID))
	assert.Equal(t, "boom", resp.Error.Error)
	assert.Contains(t, resp.Error.Stacktrace, "Boom")
}

func TestRejectedSession(t *testing.T) {
	h := start(t, auth.Static(false))
	c := h.dial(t, nil)

	for i, envelope := range []string{
		fmt.Sprintf(`{"msg":"method","id":%d,"method":"echo.echo","params":[1]}`, 0),
		fmt.Sprintf(`{"msg":"ping","id":%d}`, 1),
		fmt.Sprintf(`{"msg":"whatever","id":%d}`, 2),
	} {
		send(t, c, envelope)
		resp := recvResponse(t, c)
		require.True(t, resp.Failed())
		assert.Equal(t, message.NotAuthenticated, resp.Error.Error)
		assert.JSONEq(t, fmt.Sprint(i), string(resp.ID))
	}

	send(t, c, `not json`)
	resp := recvResponse(t, c)
	require.True(t, resp.Failed())
	assert.Equal(t, message.NotAuthenticated, resp.Error.Error)
}

func TestReconnectAfterRejection(t *testing.T) {
	var attempts atomic.Int32
	h := start(t, auth.Func(func(context.Context, auth.Peer) bool {
		return attempts.Add(1) > 1
	}))

	first := h.dial(t, nil)
	send(t, first, `{"msg":"method","id":1,"method":"echo.echo","params":[1]}`)
	assert.Equal(t, message.NotAuthenticated, recvResponse(t, first).Error.Error)

	second := h.dial(t, nil)
	send(t, second, `{"msg":"method","id":1,"method":"echo.echo","params":[1]}`)
	assert.JSONEq(t, `{"msg":"result","id":1,"result":1}`, recv(t, second))

	// the first session stays rejected
	send(t, first, `{"msg":"method","id":2,"method":"echo.echo","params":[1]}`)
	assert.Equal(t, message.NotAuthenticated, recvResponse(t, first).Error.Error)
}

func TestAuthenticatorSeesHandshakeHeaders(t *testing.T) {
	h := start(t, auth.Func(func(_ context.Context, p auth.Peer) bool {
		return p.Header.Get("X-Role") == "admin" && p.Local != nil && p.Remote != nil && p.Conn != nil
	}))

	header := http.Header{}
	header.Set("X-Role", "admin")
	c := h.dial(t, header)
	send(t, c, `{"msg":"method","id":1,"method":"echo.echo","params":[true]}`)
	assert.JSONEq(t, `{"msg":"result","id":1,"result":true}`, recv(t, c))
}

func TestCorrelationAcrossSessions(t *testing.T) {
	h := start(t, auth.Static(true))

	const sessions, calls = 8, 25
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		c := h.dial(t, nil)
		wg.Add(1)
		go func(s int, c transport.Conn) {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				id := fmt.Sprintf(`"s%d-%d"`, s, i)
				if err := c.WriteMessage([]byte(fmt.Sprintf(`{"msg":"method","id":%s,"method":"echo.echo","params":[%d]}`, id, s*1000+i))); err != nil {
					t.Error(err)
					return
				}
				data, err := c.ReadMessage()
				if err != nil {
					t.Error(err)
					return
				}
				var resp message.Response
				if err := json.Unmarshal(data, &resp); err != nil {
					t.Error(err)
					return
				}
				assert.Equal(t, id, string(resp.ID))
				assert.Equal(t, fmt.Sprint(s*1000+i), string(resp.Result))
			}
		}(s, c)
	}
	wg.Wait()
}

func TestPingConnectAndUnknownKinds(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":"connect","version":"1"}`)
	resp := recvResponse(t, c)
	assert.Equal(t, message.KindConnected, resp.Msg)
	assert.NotEmpty(t, resp.Session)

	// unknown kinds produce no reply, so the next frame is the pong
	send(t, c, `{"msg":"sub","id":"a"}`)
	send(t, c, `{"msg":"ping","id":"b"}`)
	assert.JSONEq(t, `{"msg":"pong","id":"b"}`, recv(t, c))
}

func TestMalformedEnvelope(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":`)
	resp := recvResponse(t, c)
	require.True(t, resp.Failed())
	assert.Nil(t, resp.ID)
	assert.Contains(t, resp.Error.Error, "invalid message")
}

func TestStreamTransport(t *testing.T) {
	h := start(t, auth.Static(true))
	l, err := transport.ListenStream("127.0.0.1:0", 0)
	require.NoError(t, err)
	go func() { _ = h.srv.Serve(l) }()

	c, err := transport.DialStream(context.Background(), l.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteHeartbeat())
	send(t, c, `{"msg":"method","id":1,"method":"echo.echo","params":[{"a":1}]}`)
	assert.JSONEq(t, `{"msg":"result","id":1,"result":{"a":1}}`, recv(t, c))
}

func TestShutdownWaitsForInFlightCalls(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":"method","id":1,"method":"echo.block","params":[]}`)
	<-h.echo.started

	shutdown := make(chan error, 1)
	go func() { shutdown <- h.srv.Shutdown(5 * time.Second) }()

	select {
	case err := <-h.served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.echo.release)
	assert.JSONEq(t, `{"msg":"result","id":1,"result":"released"}`, recv(t, c))
	require.NoError(t, <-shutdown)
	assert.Equal(t, 0, h.srv.Sessions())

	// a stopped server refuses new listeners
	l, err := transport.ListenStream("127.0.0.1:0", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, h.srv.Serve(l), ErrServerClosed)
}

func TestShutdownTimeout(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	send(t, c, `{"msg":"method","id":1,"method":"echo.block","params":[]}`)
	<-h.echo.started

	assert.Error(t, h.srv.Shutdown(50*time.Millisecond))
	close(h.echo.release)
}

func TestShutdownWithStalledReader(t *testing.T) {
	h := start(t, auth.Static(true))
	c := h.dial(t, nil)

	// the client asks for large results and never reads them
	go func() {
		for i := 0; i < 64; i++ {
			env := fmt.Sprintf(`{"msg":"method","id":%d,"method":"echo.fill","params":[%d]}`, i, 1<<20)
			if c.WriteMessage([]byte(env)) != nil {
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() { shutdown <- h.srv.Shutdown(100 * time.Millisecond) }()
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown blocked behind a session write")
	}
	assert.Equal(t, 0, h.srv.Sessions())
}

func TestShutdownWaitsForTimedOutHandler(t *testing.T) {
	echo := &echoService{started: make(chan struct{}, 1), release: make(chan struct{})}
	mw := service.NewMiddleware(nil, nil)
	require.NoError(t, mw.Load(func() service.Service { return echo }))
	handler := middleware.TimeOutMiddleware(50 * time.Millisecond)(dispatch.New(mw.Registry(), nil).Handle)

	l, err := transport.ListenStream("127.0.0.1:0", 0)
	require.NoError(t, err)
	srv := New(handler, auth.Static(true), WithLogger(zaptest.NewLogger(t)))
	go func() { _ = srv.Serve(l) }()

	c, err := transport.DialStream(context.Background(), l.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	send(t, c, `{"msg":"method","id":1,"method":"echo.block","params":[]}`)
	<-echo.started
	resp := recvResponse(t, c)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Timeout: echo.block", resp.Error.Error)

	shutdown := make(chan error, 1)
	go func() { shutdown <- srv.Shutdown(5 * time.Second) }()
	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while a timed-out handler was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(echo.release)
	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return after the handler finished")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "closed", StateClosed.String())
}
