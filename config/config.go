// Package config resolves the dispatcher/worker command-line surface (spec
// §6) via the standard flag package, generalized from the teacher's single
// HTTP-server flag set to the full dispatcher/worker option list.
package config

import (
	"flag"
	"fmt"
)

// Config holds every CLI option spec §6 names.
type Config struct {
	Daemon           bool
	Worker           bool
	NoTimeouts       bool
	LogLevel         int
	NoLogLocations   bool
	ListenAddr       string
	ListenPort       int
	WorkersNum       int
	WorkerExecutable string
	WorkerArgs       workerArgs
}

// workerArgs implements flag.Value so --worker-arg may repeat (spec §6).
type workerArgs []string

func (a *workerArgs) String() string {
	if a == nil {
		return ""
	}
	return fmt.Sprint([]string(*a))
}

func (a *workerArgs) Set(v string) error {
	*a = append(*a, v)
	return nil
}

// New parses os.Args (via the flag package's default FlagSet) into a
// Config.
func New() *Config {
	cfg := &Config{}

	flag.BoolVar(&cfg.Daemon, "daemon", false, "fork, setsid, umask(0), log to journal")
	flag.BoolVar(&cfg.Worker, "worker", false, "this invocation is a worker child, not a dispatcher")
	flag.BoolVar(&cfg.NoTimeouts, "notimeouts", false, "disable the periodic reaper")
	flag.IntVar(&cfg.LogLevel, "loglevel", 6, "max syslog level (0-7)")
	flag.BoolVar(&cfg.NoLogLocations, "nologlocations", false, "omit file/function/line metadata from log lines")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", "::", "IPv4 or IPv6 literal to listen on")
	flag.IntVar(&cfg.ListenPort, "listen-port", 8000, "TCP port to listen on")
	flag.IntVar(&cfg.WorkersNum, "workers-num", 1, "worker pool cap")
	flag.StringVar(&cfg.WorkerExecutable, "worker-executable", "", "program to spawn for workers (defaults to argv[0])")
	flag.Var(&cfg.WorkerArgs, "worker-arg", "extra argument for workers (repeatable)")

	flag.Parse()

	return cfg
}
