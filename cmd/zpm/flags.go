package main

import "time"

// GlobalFlags are persistent across all subcommands.
type GlobalFlags struct {
	Namespace string
	Timeout   time.Duration
}

// StartFlags shape a worker configuration from the command line.
type StartFlags struct {
	Name          string
	Mode          string
	Instances     int
	Port          int
	Watch         bool
	KillTimeoutMs int
	MaxBackoffMs  int
	Env           []string
	LogDir        string
	NoDaemon      bool
}

// ServeFlags control the daemon process itself.
type ServeFlags struct {
	ConfigPath    string
	Daemonize     bool
	LogFile       string
	Listen        string
	MetricsListen string
	SnapshotPath  string
}
