// Package workerloop implements the worker child process's main loop (spec
// §4.8): read one command line, resolve its shared-memory buffers through a
// by-name cache, invoke the user handler, emit the response line, repeat.
// Grounded on original_source/src/worker_loop.cpp for the exact protocol
// line formats and on the teacher's core/pools worker_pool.go for the
// Go-idiomatic spawn/signal/loop shape it's generalized from (a goroutine
// pool there, a single OS process here — the domain unit of concurrency
// this spec calls for).
package workerloop

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/API92/pruv/internal/logging"
	"github.com/API92/pruv/internal/pools"
	"github.com/API92/pruv/internal/shmbuf"
)

// MaxCommandLine bounds the line read from stdin (spec §4.8: "up to 1 KiB").
const MaxCommandLine = 1024

// Handler computes a response for one request. req is a view into the
// mapped in-buffer window, valid only for the duration of the call; resp is
// the worker's output shared-memory buffer, already seek'd to offset 0 and
// sized to the dispatcher-assigned file size. The handler reports how much
// of resp it wrote via resp.SetDataSize, mirroring the wire protocol's own
// "resp_len of resp_file_size" accounting rather than a separate return
// value.
type Handler func(req []byte, resp *shmbuf.Buffer) error

// Loop runs one worker process's request loop.
type Loop struct {
	Handler Handler
	Log     *logging.Logger

	in  *bufio.Reader
	out *bufio.Writer

	inCache  *pools.ShmCache
	outCache *pools.ShmCache
}

// New builds a Loop reading commands from stdin and writing response lines
// to stdout.
func New(h Handler, log *logging.Logger) *Loop {
	if log == nil {
		log = logging.NewConsole(logging.Info)
	}
	return &Loop{
		Handler:  h,
		Log:      log,
		in:       bufio.NewReaderSize(os.Stdin, MaxCommandLine+1),
		out:      bufio.NewWriter(os.Stdout),
		inCache:  pools.NewShmCache(),
		outCache: pools.NewShmCache(),
	}
}

// Setup installs signal handlers, requests death-signal-on-orphan, and
// refuses to run if already orphaned (spec §4.8's startup sequence). Call
// once before Run.
func (l *Loop) Setup() error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT:
				raiseInterruption(irqInt)
			case syscall.SIGTERM, syscall.SIGHUP:
				raiseInterruption(irqTerm)
			}
		}
	}()

	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(syscall.SIGTERM), 0, 0, 0); err != nil {
		l.Log.Warning("PR_SET_PDEATHSIG unsupported: %v", err)
	}
	if os.Getppid() == 1 {
		return fmt.Errorf("workerloop: orphaned at startup")
	}
	return nil
}

// Run drives the request loop until termination is requested or a fatal
// protocol error occurs.
func (l *Loop) Run() error {
	for {
		if currentInterruption() == irqTerm {
			l.Log.Notice("terminated")
			return nil
		}

		line, err := l.readCommandLine()
		if err != nil {
			if currentInterruption() != irqNone {
				l.Log.Notice("terminated")
				return nil
			}
			return fmt.Errorf("workerloop: read command: %w", err)
		}

		if err := l.handleOne(line); err != nil {
			return err
		}

		if currentInterruption() == irqInt {
			lowerToNone()
		}
	}
}

func (l *Loop) readCommandLine() (string, error) {
	line, err := l.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > MaxCommandLine {
		return "", fmt.Errorf("workerloop: command line exceeds %d bytes", MaxCommandLine)
	}
	return line, nil
}
