package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"middlewared/auth"
	"middlewared/client"
	"middlewared/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Listen.Websocket = "127.0.0.1:0"
	cfg.Listen.Stream = "unix:" + filepath.Join(t.TempDir(), "middlewared.sock")
	cfg.Auth.Mode = config.AuthNone
	cfg.Datastore.Path = filepath.Join(t.TempDir(), "middlewared.db")
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Limits.Heartbeat = 0
	return cfg
}

func startTestDaemon(t *testing.T, cfg *config.Config) *daemon {
	t.Helper()
	d, err := newDaemon(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.start(context.Background()))
	t.Cleanup(func() { _ = d.stop() })
	return d
}

func wsURL(d *daemon) string {
	return fmt.Sprintf("ws://%s%s", d.addrs()[0], d.cfg.Listen.Path)
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	d := startTestDaemon(t, cfg)
	ctx := context.Background()

	c, err := client.Dial(ctx, wsURL(d))
	require.NoError(t, err)
	defer c.Close()

	var pong string
	require.NoError(t, c.CallInto(ctx, &pong, "core.ping"))
	assert.Equal(t, "pong", pong)

	_, err = c.Call(ctx, "system.info")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "MethodNotFound: system.info", remote.Message)

	var rec map[string]any
	require.NoError(t, c.CallInto(ctx, &rec, "datastore.insert", "network.globalconfiguration", map[string]any{"hostname": "nas"}))
	assert.Equal(t, "nas", rec["hostname"])

	require.NoError(t, c.CallInto(ctx, nil, "config.set", "kern.maxfiles", 65536))

	// the unix stream listener reaches the same registry and store
	s, err := client.DialStream(ctx, cfg.Listen.Stream)
	require.NoError(t, err)
	defer s.Close()

	var v float64
	require.NoError(t, s.CallInto(ctx, &v, "config.get", "kern.maxfiles"))
	assert.Equal(t, float64(65536), v)

	var rows []map[string]any
	require.NoError(t, s.CallInto(ctx, &rows, "datastore.query", "network.globalconfiguration", nil))
	assert.Len(t, rows, 1)
}

func TestDaemonTokenAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Mode = config.AuthToken
	cfg.Auth.TokenSecret = "s3cret"
	d := startTestDaemon(t, cfg)
	ctx := context.Background()

	anon, err := client.Dial(ctx, wsURL(d))
	require.NoError(t, err)
	defer anon.Close()
	_, err = anon.Call(ctx, "core.ping")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Not authenticated", remote.Message)

	issuer, err := auth.NewToken([]byte("s3cret"), cfg.Auth.TokenIssuer, nil)
	require.NoError(t, err)
	signed, err := issuer.Issue("root", time.Minute)
	require.NoError(t, err)

	c, err := client.Dial(ctx, wsURL(d), client.WithToken(signed))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Call(ctx, "core.ping")
	assert.NoError(t, err)
}

func TestDaemonWithoutDatastore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Datastore.Path = ""
	d := startTestDaemon(t, cfg)
	ctx := context.Background()

	c, err := client.Dial(ctx, wsURL(d))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, "datastore.query", "t", nil)
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "datastore is not configured", remote.Message)
}

func TestDaemonStopClosesListeners(t *testing.T) {
	cfg := testConfig(t)
	d, err := newDaemon(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.start(context.Background()))
	url := wsURL(d)

	require.NoError(t, d.stop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = client.Dial(ctx, url)
	assert.Error(t, err)
}

func TestNewAuthenticator(t *testing.T) {
	log := zaptest.NewLogger(t)
	for _, mode := range []string{config.AuthSocketOwner, config.AuthNone} {
		a, err := newAuthenticator(config.AuthConfig{Mode: mode}, log)
		require.NoError(t, err, mode)
		assert.NotNil(t, a)
	}

	_, err := newAuthenticator(config.AuthConfig{Mode: config.AuthToken}, log)
	assert.Error(t, err, "token mode needs a secret")

	a, err := newAuthenticator(config.AuthConfig{Mode: config.AuthAny, TokenSecret: "x"}, log)
	require.NoError(t, err)
	assert.NotNil(t, a)

	_, err = newAuthenticator(config.AuthConfig{Mode: "kerberos"}, log)
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	params := parseParams([]string{"1", `{"get":true}`, "ssh", "null"})
	require.Len(t, params, 4)
	assert.Equal(t, json.RawMessage("1"), params[0])
	assert.Equal(t, json.RawMessage(`{"get":true}`), params[1])
	assert.Equal(t, "ssh", params[2])
	assert.Equal(t, json.RawMessage("null"), params[3])
}

func TestPrintResult(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	require.NoError(t, printResult(&out, json.RawMessage(`{"a":1}`), nil, false))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", out.String())

	out.Reset()
	err := printResult(&out, nil, &client.RemoteError{Message: "boom", Stacktrace: "trace\n"}, true)
	assert.Error(t, err)
	assert.Equal(t, "error: boom\ntrace\n", out.String())

	out.Reset()
	transportErr := errors.New("dial failed")
	assert.ErrorIs(t, printResult(&out, nil, transportErr, false), transportErr)
	assert.Empty(t, out.String())
}

func TestPrintServices(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	printServices(&out,
		map[string]bool{"core": true, "system.hidden": false},
		map[string][]string{"core": {"get_methods", "ping"}, "system.hidden": {"ping"}},
	)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"core",
		"  core.get_methods",
		"  core.ping",
		"system.hidden (private)",
		"  system.hidden.ping",
		"2 namespaces, 3 methods",
	}, lines)
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "middlewared.pid")
	require.NoError(t, writePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	// our own PID in the file is not a conflict
	require.NoError(t, writePIDFile(path))
}
