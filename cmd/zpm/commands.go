package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zuz/zpm/internal/env"
	"github.com/zuz/zpm/internal/logger"
	"github.com/zuz/zpm/internal/worker"
	"github.com/zuz/zpm/pkg/client"
)

func newClient(gf *GlobalFlags) *client.Client {
	return client.New(gf.Namespace).WithTimeout(gf.Timeout)
}

// ensureDaemon spawns the daemon when none answers, unless disabled.
func ensureDaemon(gf *GlobalFlags, noSpawn bool) (*client.Client, error) {
	c := newClient(gf)
	if noSpawn {
		return c, c.Ping()
	}
	args := []string{"daemon"}
	if gf.Namespace != "" {
		args = append(args, "--namespace", gf.Namespace)
	}
	if err := c.EnsureDaemon(client.DaemonOptions{Args: args}); err != nil {
		return nil, err
	}
	return c, nil
}

func createStartCommand(gf *GlobalFlags, sf *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <script|name>",
		Short: "Start a worker from a script, or a known worker by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ensureDaemon(gf, sf.NoDaemon)
			if err != nil {
				return err
			}
			target := args[0]
			if _, statErr := os.Stat(target); statErr != nil {
				// not a file on disk: treat it as a registered worker name
				msg, err := c.StartByName(target)
				if err != nil {
					return err
				}
				fmt.Println(msg)
				return nil
			}
			cfg, err := configFromFlags(target, sf)
			if err != nil {
				return err
			}
			msg, err := c.Start(cfg)
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&sf.Name, "name", "", "worker name (default: script basename)")
	cmd.Flags().StringVar(&sf.Mode, "mode", "", "fork or cluster")
	cmd.Flags().IntVarP(&sf.Instances, "instances", "i", 0, "cluster child count (default: CPU count)")
	cmd.Flags().IntVar(&sf.Port, "port", 0, "port to free before spawning")
	cmd.Flags().BoolVar(&sf.Watch, "watch", false, "restart on source file changes")
	cmd.Flags().IntVar(&sf.KillTimeoutMs, "kill-timeout", 0, "SIGTERM grace period in ms")
	cmd.Flags().IntVar(&sf.MaxBackoffMs, "max-backoff", 0, "restart backoff ceiling in ms")
	cmd.Flags().StringArrayVar(&sf.Env, "env", nil, "KEY=VALUE pairs for the worker environment")
	cmd.Flags().StringVar(&sf.LogDir, "log-dir", "", "rotate child output into this directory")
	cmd.Flags().BoolVar(&sf.NoDaemon, "no-daemon-spawn", false, "fail instead of spawning a missing daemon")
	return cmd
}

func configFromFlags(script string, sf *StartFlags) (worker.Config, error) {
	abs, err := filepath.Abs(script)
	if err != nil {
		return worker.Config{}, err
	}
	name := sf.Name
	if name == "" {
		base := filepath.Base(abs)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	table := make(env.Table, len(sf.Env))
	for _, kv := range sf.Env {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return worker.Config{}, fmt.Errorf("malformed --env %q, want KEY=VALUE", kv)
		}
		table[kv[:i]] = kv[i+1:]
	}
	cfg := worker.Config{
		Name:          name,
		ScriptPath:    abs,
		Mode:          worker.Mode(sf.Mode),
		Instances:     sf.Instances,
		Port:          sf.Port,
		DevMode:       sf.Watch,
		KillTimeoutMs: sf.KillTimeoutMs,
		MaxBackoffMs:  sf.MaxBackoffMs,
		Env:           table,
	}
	if sf.LogDir != "" {
		cfg.LogSink = logger.Config{File: logger.FileConfig{Dir: sf.LogDir}}
	}
	return cfg, cfg.Validate()
}

func nameCommand(gf *GlobalFlags, use, short string, op func(*client.Client, string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := op(newClient(gf), args[0])
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func createStopCommand(gf *GlobalFlags) *cobra.Command {
	return nameCommand(gf, "stop", "Stop a running worker", (*client.Client).Stop)
}

func createRestartCommand(gf *GlobalFlags) *cobra.Command {
	return nameCommand(gf, "restart", "Restart a worker", (*client.Client).Restart)
}

func createDeleteCommand(gf *GlobalFlags) *cobra.Command {
	return nameCommand(gf, "delete", "Stop a worker and remove it from the registry", (*client.Client).Delete)
}

func createListCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show all workers and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := newClient(gf).Stats("")
			if err != nil {
				return err
			}
			printStatsTable(stats)
			return nil
		},
	}
}

func createStatsCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [name]",
		Short: "Print worker stats as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			stats, err := newClient(gf).Stats(name)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func createLogsCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logs [name]",
		Short: "Stream worker output (all workers when no name given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newClient(gf).StreamLogs(ctx, name, func(chunk string) {
				fmt.Print(chunk)
			})
		},
	}
}

func createStoreCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Dump the daemon's raw state records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := newClient(gf).StoreRecords()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(recs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func createKillCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Terminate the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(gf).KillDaemon(); err != nil {
				return err
			}
			fmt.Println("daemon terminated")
			return nil
		},
	}
}

func printStatsTable(stats []worker.Stats) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATUS\tPID\tUPTIME\tRESTARTS\tCPU\tMEM")
	for _, st := range stats {
		cpu, mem := "-", "-"
		if st.CPUPercent != nil {
			cpu = fmt.Sprintf("%.1f%%", *st.CPUPercent)
		}
		if st.MemoryMB != nil {
			mem = fmt.Sprintf("%.1fMB", *st.MemoryMB)
		}
		uptime := "-"
		if st.UptimeMs > 0 {
			uptime = (time.Duration(st.UptimeMs) * time.Millisecond).Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			st.Name, st.Status, st.PID, uptime, st.RestartCount, cpu, mem)
	}
	_ = w.Flush()
}
