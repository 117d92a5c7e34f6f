package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/zuz/zpm/internal/config"
	"github.com/zuz/zpm/internal/control"
	"github.com/zuz/zpm/internal/env"
	"github.com/zuz/zpm/internal/history"
	"github.com/zuz/zpm/internal/history/factory"
	"github.com/zuz/zpm/internal/httpapi"
	"github.com/zuz/zpm/internal/logger"
	"github.com/zuz/zpm/internal/metrics"
	"github.com/zuz/zpm/internal/supervisor"
)

const usageSampleInterval = 5 * time.Second

func createDaemonCommand(gf *GlobalFlags, sf *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor daemon",
		Long: `Runs the daemon that owns all workers and the control socket.
With --daemonize the process re-executes itself detached from the
terminal and the parent exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.Daemonize {
				return daemonize(sf.LogFile)
			}
			return runDaemon(gf, sf)
		},
	}
	cmd.Flags().StringVarP(&sf.ConfigPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().BoolVar(&sf.Daemonize, "daemonize", false, "run detached in the background")
	cmd.Flags().StringVar(&sf.LogFile, "logfile", "", "daemon log destination when daemonized")
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "HTTP API listen address (off when empty)")
	cmd.Flags().StringVar(&sf.MetricsListen, "metrics-listen", "", "Prometheus listen address (off when empty)")
	cmd.Flags().StringVar(&sf.SnapshotPath, "snapshot-path", "", "worker snapshot file (default ~/.zpm/snapshot.json)")
	return cmd
}

// daemonize re-executes the daemon detached in its own session and exits
// the parent. The --daemonize flag is stripped so the child runs in the
// foreground path.
func daemonize(logFile string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	args := make([]string, 0, len(os.Args)-1)
	for _, arg := range os.Args[1:] {
		if arg == "--daemonize" || arg == "--daemonize=true" {
			continue
		}
		args = append(args, arg)
	}

	// #nosec G204
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	fmt.Printf("daemon started with PID %d\n", cmd.Process.Pid)
	_ = cmd.Process.Release()
	return nil
}

func runDaemon(gf *GlobalFlags, sf *ServeFlags) error {
	var fc *config.FileConfig
	if sf.ConfigPath != "" {
		loaded, err := config.Load(sf.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fc = loaded
	}

	namespace := gf.Namespace
	listen := sf.Listen
	metricsListen := sf.MetricsListen
	snapshotPath := sf.SnapshotPath
	if fc != nil {
		if namespace == "" {
			namespace = fc.Server.Namespace
		}
		if listen == "" {
			listen = fc.Server.Listen
		}
		if metricsListen == "" {
			metricsListen = fc.Server.MetricsListen
		}
		if snapshotPath == "" {
			snapshotPath = fc.Server.SnapshotPath
		}
	}
	if snapshotPath == "" {
		snapshotPath = supervisor.DefaultSnapshotPath()
	}

	log := logger.NewDaemonLogger(os.Stderr, logger.Options{Color: sf.LogFile == ""})

	envset := env.New()
	envset.FromOS()
	if fc != nil {
		global, err := fc.GlobalEnv()
		if err != nil {
			return fmt.Errorf("global env: %w", err)
		}
		for k, v := range global {
			envset.Set(k, v)
		}
	}

	var sinks []history.Sink
	if fc != nil && fc.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(fc.History.DSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
		scheme := fc.History.DSN
		if i := strings.Index(scheme, "://"); i >= 0 {
			scheme = scheme[:i]
		}
		log.Info("history sink attached", "backend", scheme)
	}

	sup := supervisor.New(supervisor.Options{
		Logger:       log,
		Env:          envset,
		History:      sinks,
		Echo:         os.Stdout,
		SnapshotPath: snapshotPath,
	})
	defer sup.Shutdown()

	if err := sup.Restore(); err != nil {
		log.Warn("snapshot restore failed", "error", err)
	}
	if fc != nil {
		for _, wc := range fc.WorkerConfigs() {
			if err := sup.Start(wc); err != nil {
				log.Warn("config worker failed to start", "name", wc.Name, "error", err)
			}
		}
	}

	srv := control.NewServer(sup, log)
	if err := srv.Listen(namespace); err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	pidPath := control.PIDFilePath(namespace)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpSrv *http.Server
	if listen != "" {
		httpSrv = httpapi.NewServer(listen, "", sup)
		log.Info("http api listening", "addr", listen)
	}

	var metricsSrv *http.Server
	if metricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		} else {
			sampler := metrics.NewSampler(usageSampleInterval, sup.PIDs, log)
			go sampler.Run(ctx)
			metricsSrv = &http.Server{
				Addr:              metricsListen,
				Handler:           metrics.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() { _ = metricsSrv.ListenAndServe() }()
			log.Info("metrics listening", "addr", metricsListen)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	log.Info("daemon ready", "namespace", namespace, "pid", os.Getpid())

	select {
	case <-ctx.Done():
		log.Info("shutting down on signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
