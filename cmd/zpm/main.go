package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	serveFlags := &ServeFlags{}

	root := &cobra.Command{
		Use:   "zpm",
		Short: "Worker process manager",
		Long: `zpm supervises long-running worker processes: it spawns them,
restarts them on crashes with backoff, probes their liveness, and keeps
their configuration across daemon restarts.

Examples:
  zpm start ./server.js --name=web --mode=cluster --instances=4
  zpm stats web
  zpm logs
  zpm daemon --config=zpm.toml    # run the daemon in the foreground`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.Namespace, "namespace", "", "socket namespace (default \"zuz-pm\")")
	root.PersistentFlags().DurationVar(&globalFlags.Timeout, "timeout", 10*time.Second, "command round-trip timeout")

	root.AddCommand(
		createStartCommand(globalFlags, startFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createDeleteCommand(globalFlags),
		createListCommand(globalFlags),
		createStatsCommand(globalFlags),
		createLogsCommand(globalFlags),
		createStoreCommand(globalFlags),
		createKillCommand(globalFlags),
		createDaemonCommand(globalFlags, serveFlags),
	)
	return root
}
