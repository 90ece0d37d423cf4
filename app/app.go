// Package app wires a parsed config.Config into either a dispatcher process
// or a worker process, mirroring the teacher's App type (construct once,
// Run once) but branching on spec §6's --worker flag instead of always
// building the same HTTP engine.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/API92/pruv/config"
	"github.com/API92/pruv/internal/dispatcher"
	"github.com/API92/pruv/internal/logging"
	"github.com/API92/pruv/internal/procspawn"
	"github.com/API92/pruv/internal/workerloop"
)

// App is the dispatcher-or-worker process instance for one run of the
// binary.
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	handler workerloop.Handler
}

// New creates an application instance. handler is the worker-side request
// hook (spec §4.9); it is only consulted when the process runs in --worker
// mode.
func New(cfg *config.Config, handler workerloop.Handler) *App {
	return &App{cfg: cfg, handler: handler, log: newLogger(cfg)}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.Level(cfg.LogLevel)
	if cfg.Daemon {
		tag := "pruv"
		if cfg.Worker {
			tag = "pruv-worker"
		}
		if l, err := logging.NewSyslog(level, tag); err == nil {
			l.SetIncludeCaller(!cfg.NoLogLocations)
			return l
		}
	}
	l := logging.NewConsole(level)
	l.SetIncludeCaller(!cfg.NoLogLocations)
	return l
}

// Run dispatches to the worker loop or the dispatcher loop per --worker,
// and handles --daemon re-execution on the dispatcher path (spec §6.1).
func (a *App) Run() error {
	if a.cfg.Worker {
		return a.runWorker()
	}

	if a.cfg.Daemon && !procspawn.IsDaemonChild() {
		return procspawn.Daemonize()
	}
	if procspawn.IsDaemonChild() {
		procspawn.Umask()
	}
	return a.runDispatcher()
}

func (a *App) runWorker() error {
	loop := workerloop.New(a.handler, a.log)
	if err := loop.Setup(); err != nil {
		return fmt.Errorf("app: worker setup: %w", err)
	}
	return loop.Run()
}

func (a *App) runDispatcher() error {
	workerExecutable := a.cfg.WorkerExecutable
	if workerExecutable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("app: resolve worker executable: %w", err)
		}
		workerExecutable = exe
	}

	d := dispatcher.New(dispatcher.Config{
		ListenAddr:       a.cfg.ListenAddr,
		ListenPort:       a.cfg.ListenPort,
		WorkersMax:       a.cfg.WorkersNum,
		WorkerExecutable: workerExecutable,
		WorkerArgs:       append([]string{"--worker"}, []string(a.cfg.WorkerArgs)...),
		NoTimeouts:       a.cfg.NoTimeouts,
		Log:              a.log,
		OnReady: func() {
			if procspawn.IsDaemonChild() {
				if err := procspawn.NotifyReady(); err != nil {
					a.log.Warning("daemon readiness signal failed: %v", err)
				}
			}
		},
	})

	go a.awaitSignal(d)

	if err := d.Run(); err != nil {
		return fmt.Errorf("app: dispatcher: %w", err)
	}
	return nil
}

func (a *App) awaitSignal(d *dispatcher.Dispatcher) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	a.log.Notice("signal received: %v, shutting down", sig)
	d.Shutdown()
	d.Wait()
	os.Exit(0)
}
