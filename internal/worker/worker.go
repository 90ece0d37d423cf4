// Package worker implements the worker process handle (spec §3/§4.5/§5;
// see DESIGN.md). The free/in-use/terminated worker lists themselves are
// kept by internal/dispatcher.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/API92/pruv/internal/ilist"
	"github.com/API92/pruv/internal/shmbuf"
)

// IOState tracks what a worker's control pipe is doing right now.
type IOState int

const (
	IOIdle IOState = iota
	IOWriting
	IOReading
)

// MaxLineLen bounds both the command line the dispatcher writes and the
// response line a worker sends back (spec §6: "a line longer than 256 bytes
// is a fatal protocol error").
const MaxLineLen = 256

// ConnHandle is the minimal identity a connection needs to be held by
// Worker.ProcessedConn. It is declared here (rather than importing
// internal/conn) so worker and conn can reference each other without an
// import cycle — the same weak, untyped-from-this-side back-reference
// spec.md §9 describes ("option-typed handles ... both must clear the
// pointer when they are torn down").
type ConnHandle interface{}

// Worker is a spawned child process: two pipes (dispatcher writes its
// stdin, reads its stdout), an IO-state flag, the buffers it currently owns
// while processing a request, and a back-reference to the connection being
// served.
type Worker struct {
	node ilist.Node[Worker]

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader

	PID int

	State IOState

	// InBuf/OutBuf are non-nil exactly while State != IOIdle, i.e. while
	// in_use_workers holds this worker (spec §3 invariant).
	InBuf  *shmbuf.Buffer
	OutBuf *shmbuf.Buffer

	// ProcessedConn is the connection this worker is currently serving, or
	// nil if that connection has already been torn down.
	ProcessedConn ConnHandle

	Deadline int64 // unix millis; meaning depends on which list the worker sits in

	Exited bool
}

// Node exposes the embedded intrusive-list node for ilist.List[Worker].
func Node(w *Worker) *ilist.Node[Worker] { return &w.node }

// Spawn starts executable with args, wiring its stdin/stdout as pipes (its
// stderr is inherited so worker crash output reaches the dispatcher's own
// log stream, matching how a foreground process would be observed).
func Spawn(executable string, args []string, extra func(*exec.Cmd)) (*Worker, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	if extra != nil {
		extra(cmd)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start: %w", err)
	}

	w := &Worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, MaxLineLen+1),
		PID:    cmd.Process.Pid,
	}
	return w, nil
}

// WriteCommand writes one newline-terminated command line to the worker's
// stdin (spec §4.5's command-line format). Oversized lines are a caller bug,
// not a worker fault, and are rejected before touching the pipe.
func (w *Worker) WriteCommand(line string) error {
	if len(line) > MaxLineLen {
		return fmt.Errorf("worker: command line exceeds %d bytes", MaxLineLen)
	}
	_, err := io.WriteString(w.stdin, line)
	return err
}

// ReadLine blocks for one newline-terminated response line from the
// worker's stdout (spec §4.5's response-line format), rejecting anything
// past MaxLineLen.
func (w *Worker) ReadLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > MaxLineLen {
		return "", fmt.Errorf("worker: response line exceeds %d bytes", MaxLineLen)
	}
	return line, nil
}

// Signal sends sig to the worker process. A no-op if it has already exited.
func (w *Worker) Signal(sig os.Signal) error {
	if w.Exited || w.cmd.Process == nil {
		return nil
	}
	err := w.cmd.Process.Signal(sig)
	if err != nil && w.Exited {
		return nil
	}
	return err
}

// Wait blocks until the process exits and returns its exit state. Intended
// to run on a dedicated goroutine per worker, since os/exec's Wait has no
// non-blocking form; exit is reported back to the dispatcher loop over a
// channel (see dispatcher.exitCh) rather than polled.
func (w *Worker) Wait() error {
	err := w.cmd.Wait()
	w.Exited = true
	return err
}

// CloseStdin closes the dispatcher's write end of the worker's stdin,
// signalling EOF to the child. The dispatcher's killWorker does not call it.
func (w *Worker) CloseStdin() error {
	return w.stdin.Close()
}
