package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/caprun/caprun/internal/client"
	"github.com/caprun/caprun/internal/env"
	"github.com/caprun/caprun/internal/protocol"
)

// dial connects to an already running driver instance for the direct CLI
// verbs.
func dial(cmd *cobra.Command, port int) (*client.Client, error) {
	if port == 0 {
		port = env.Int(env.KeyPort, 0)
	}
	if port == 0 {
		return nil, fmt.Errorf("no port: pass --port or set %s", env.KeyPort)
	}
	cli := client.New(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		client.WithConnectTimeout(2*time.Second),
		client.WithCallTimeout(5*time.Second))
	if err := cli.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return cli, nil
}

func newPingCommand(port *int) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a running instance answers the capabilities method",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := dial(cmd, *port)
			if err != nil {
				return err
			}
			defer func() { _ = cli.Close() }()
			raw, err := cli.Call(cmd.Context(), protocol.MethodCapabilities, nil)
			if err != nil {
				return err
			}
			var caps protocol.Capabilities
			if err := json.Unmarshal(raw, &caps); err != nil {
				return err
			}
			fmt.Printf("%s %s: ok\n", caps.Name, caps.Version)
			return nil
		},
	}
}

func newHealthCommand(port *int) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print health of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := dial(cmd, *port)
			if err != nil {
				return err
			}
			defer func() { _ = cli.Close() }()
			raw, err := cli.Call(cmd.Context(), protocol.MethodHealth, nil)
			if err != nil {
				return err
			}
			var hs protocol.HealthStatus
			if err := json.Unmarshal(raw, &hs); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(hs, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
}

func newShutdownCommand(port *int) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a running instance to shut down gracefully",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := dial(cmd, *port)
			if err != nil {
				return err
			}
			defer func() { _ = cli.Close() }()
			if _, err := cli.Call(cmd.Context(), protocol.MethodShutdown, nil); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}
