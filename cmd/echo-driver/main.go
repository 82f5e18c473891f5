// Command echo-driver is the reference capability provider: it answers the
// full socket RPC protocol with three toy actions (echo, add, wait) and is
// used by integration tests and as a template for real drivers.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/caprun/caprun"
	"github.com/caprun/caprun/internal/logger"
)

const (
	driverID      = "echo"
	driverName    = "Echo Driver"
	driverVersion = "1.0.0"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var port int
	var healthAddr string
	var logLevel string

	root := &cobra.Command{
		Use:          "echo-driver",
		Short:        "Reference capability provider with echo, add, and wait actions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.Setup(logLevel, nil)
			rt := newRuntime(port, healthAddr)
			return rt.Serve(cmd.Context())
		},
	}
	root.PersistentFlags().IntVarP(&port, "port", "p", 0, "RPC port (defaults to CAPRUN_PORT)")
	root.Flags().StringVar(&healthAddr, "health-addr", "", "optional HTTP health sidecar address, e.g. 127.0.0.1:8791")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newPingCommand(&port),
		newHealthCommand(&port),
		newShutdownCommand(&port),
	)
	return root
}

func newRuntime(port int, healthAddr string) *caprun.DriverRuntime {
	rt := caprun.NewDriver(caprun.Capabilities{
		ID:               driverID,
		Name:             driverName,
		Version:          driverVersion,
		SupportedActions: []string{"echo", "add", "wait"},
	}, caprun.DriverOptions{Port: port, HealthAddr: healthAddr})

	rt.RegisterAction("echo", func(_ context.Context, args []any) (any, error) {
		return args, nil
	})
	rt.RegisterAction("add", func(_ context.Context, args []any) (any, error) {
		var sum float64
		for i, a := range args {
			n, ok := a.(float64)
			if !ok {
				return nil, fmt.Errorf("add: argument %d is not a number", i)
			}
			sum += n
		}
		return sum, nil
	})
	rt.RegisterAction("wait", func(ctx context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("wait: expected one duration argument in ms")
		}
		ms, ok := args[0].(float64)
		if !ok || ms < 0 {
			return nil, fmt.Errorf("wait: argument must be a non-negative number of ms")
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]any{"waited_ms": ms}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return rt
}
