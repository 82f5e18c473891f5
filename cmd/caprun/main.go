package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// APIFlags holds connection flags for commands that talk to a running engine.
type APIFlags struct {
	URL string
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	api := &APIFlags{}

	root := &cobra.Command{
		Use:          "caprun",
		Short:        "Capability engine: supervises driver processes and runs goal-seeking loops",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&global.ConfigPath, "config", "c", "caprun.toml", "path to engine config file")
	root.PersistentFlags().StringVar(&global.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&api.URL, "api", "", "control API base URL of a running engine (e.g. http://localhost:8080)")

	root.AddCommand(
		newServeCommand(global),
		newRunCommand(global, api),
		newStatusCommand(api),
		newStopCommand(api),
		newPauseCommand(api),
		newDiscoverCommand(global, api),
		newStopDriverCommand(api),
	)
	return root
}
