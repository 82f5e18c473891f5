package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caprun/caprun/internal/cerr"
	"github.com/caprun/caprun/internal/client"
	"github.com/caprun/caprun/internal/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startTestRuntime(t *testing.T) (*Runtime, client.Caller) {
	t.Helper()
	port := freePort(t)
	rt := New(protocol.Capabilities{
		ID:               "echo",
		Name:             "Echo Driver",
		Version:          "1.0.0",
		SupportedActions: []string{"echo", "fail"},
	}, Options{Port: port})
	rt.RegisterAction("echo", func(_ context.Context, args []any) (any, error) {
		return args, nil
	})
	rt.RegisterAction("fail", func(_ context.Context, _ []any) (any, error) {
		return nil, errors.New("intentional failure")
	})

	done := make(chan error, 1)
	go func() { done <- rt.Serve(context.Background()) }()
	t.Cleanup(func() {
		rt.Shutdown("test cleanup")
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("runtime did not shut down")
		}
	})

	cli := client.New(fmt.Sprintf("127.0.0.1:%d", port), client.WithConnectTimeout(2*time.Second))
	require.Eventually(t, func() bool {
		return cli.Connect(context.Background()) == nil
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = cli.Close() })
	return rt, cli
}

func TestRuntimeCapabilitiesHandshake(t *testing.T) {
	_, cli := startTestRuntime(t)
	ctx := context.Background()

	_, err := cli.Call(ctx, protocol.MethodInitialize, map[string]any{"config": map[string]any{"k": "v"}})
	require.NoError(t, err)

	raw, err := cli.Call(ctx, protocol.MethodCapabilities, nil)
	require.NoError(t, err)
	var caps protocol.Capabilities
	require.NoError(t, json.Unmarshal(raw, &caps))
	require.Equal(t, "echo", caps.ID)
	require.Equal(t, []string{"echo", "fail"}, caps.SupportedActions)
}

func TestRuntimeExecute(t *testing.T) {
	_, cli := startTestRuntime(t)
	ctx := context.Background()

	raw, err := cli.Execute(ctx, "echo", []any{"hello", float64(2)})
	require.NoError(t, err)
	var out []any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, []any{"hello", float64(2)}, out)
}

func TestRuntimeUnknownAction(t *testing.T) {
	_, cli := startTestRuntime(t)

	_, err := cli.Execute(context.Background(), "does-not-exist", nil)
	require.Error(t, err)
	var perr *cerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.CodeBadRequest, perr.Code)
	require.Contains(t, perr.Message, "Unknown action: does-not-exist")
}

func TestRuntimeActionError(t *testing.T) {
	_, cli := startTestRuntime(t)

	_, err := cli.Execute(context.Background(), "fail", nil)
	var perr *cerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.CodeInternal, perr.Code)
	require.Contains(t, perr.Message, "intentional failure")
}

func TestRuntimeHealth(t *testing.T) {
	_, cli := startTestRuntime(t)

	raw, err := cli.Call(context.Background(), protocol.MethodHealth, nil)
	require.NoError(t, err)
	var hs protocol.HealthStatus
	require.NoError(t, json.Unmarshal(raw, &hs))
	require.Equal(t, "ok", hs.Status)
	require.NotZero(t, hs.PID)
}

func TestRuntimeIntrospectSteps(t *testing.T) {
	_, cli := startTestRuntime(t)

	raw, err := cli.Call(context.Background(), protocol.MethodIntrospect,
		protocol.IntrospectParams{Type: protocol.IntrospectSteps})
	require.NoError(t, err)
	var out struct {
		Actions []string `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, []string{"echo", "fail"}, out.Actions)
}

func TestRuntimeShutdownRPC(t *testing.T) {
	rt, cli := startTestRuntime(t)

	raw, err := cli.Call(context.Background(), protocol.MethodShutdown, nil)
	require.NoError(t, err)
	var out struct {
		Stopping bool `json:"stopping"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.True(t, out.Stopping)

	select {
	case <-rt.monitor.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown RPC did not stop the runtime")
	}
}

func TestRuntimeRejectsMissingPort(t *testing.T) {
	rt := New(protocol.Capabilities{ID: "x"}, Options{})
	t.Setenv("CAPRUN_PORT", "")
	err := rt.Serve(context.Background())
	require.Error(t, err)
}
