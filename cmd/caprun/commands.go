package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caprun/caprun"
	"github.com/caprun/caprun/internal/logger"
)

func loadEngine(global *GlobalFlags) (*caprun.Engine, *caprun.Config, error) {
	fc, err := caprun.LoadConfig(global.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", global.ConfigPath, err)
	}
	level := ""
	if fc.Log != nil {
		level = fc.Log.Level
	}
	if global.LogLevel != "" {
		level = global.LogLevel
	}
	logger.Setup(level, nil)

	eng, err := caprun.New(fc)
	if err != nil {
		return nil, nil, err
	}
	return eng, fc, nil
}

func newServeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine with its HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, fc, err := loadEngine(global)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := eng.Initialize(ctx); err != nil {
				return err
			}
			if err := caprun.RegisterMetricsDefault(); err != nil {
				return err
			}

			addr := fc.Server.Listen
			if addr == "" {
				addr = ":8080"
			}
			srv, err := caprun.NewHTTPServer(addr, "", eng)
			if err != nil {
				return err
			}
			fmt.Printf("caprun engine listening on %s\n", addr)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
			return eng.Close(sctx)
		},
	}
}

func newRunCommand(global *GlobalFlags, api *APIFlags) *cobra.Command {
	var goal string
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one goal-seeking loop, in-process or against a running engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if goal == "" {
				return fmt.Errorf("--goal required")
			}
			if api.URL != "" {
				return NewAPIClient(api.URL, 0).StartRun(goal, maxIterations)
			}
			eng, _, err := loadEngine(global)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := eng.Initialize(ctx); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = eng.Close(sctx)
			}()

			st, err := eng.Run(ctx, goal, maxIterations)
			if st != nil {
				printJSON(st)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "natural-language goal for the run")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "iteration budget (0 uses config default)")
	return cmd
}

func newStatusCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine state, drivers, and the last run outcome",
		RunE: func(*cobra.Command, []string) error {
			st, err := NewAPIClient(api.URL, 0).Status()
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
}

func newStopCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active run on a running engine",
		RunE: func(*cobra.Command, []string) error {
			return NewAPIClient(api.URL, 0).StopRun()
		},
	}
}

func newPauseCommand(api *APIFlags) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the active run for a fixed window",
		RunE: func(*cobra.Command, []string) error {
			return NewAPIClient(api.URL, 0).PauseRun(duration)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "pause window")
	return cmd
}

func newDiscoverCommand(global *GlobalFlags, api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Report which known drivers are reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if api.URL != "" {
				out, err := NewAPIClient(api.URL, 0).Discover()
				if err != nil {
					return err
				}
				printJSON(out)
				return nil
			}
			eng, _, err := loadEngine(global)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := eng.Initialize(ctx); err != nil {
				return err
			}
			printJSON(eng.Discover(ctx))
			return nil
		},
	}
}

func newStopDriverCommand(api *APIFlags) *cobra.Command {
	var graceful bool
	cmd := &cobra.Command{
		Use:   "stop-driver <capability>",
		Short: "Stop one driver process on a running engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return NewAPIClient(api.URL, 0).StopDriver(args[0], graceful)
		},
	}
	cmd.Flags().BoolVar(&graceful, "graceful", true, "ask the driver to shut itself down before killing")
	return cmd
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(b))
}
