// Package procspawn implements --daemon re-execution (spec §6.1). Go cannot
// safely fork() a running multi-threaded runtime, so daemonizing re-execs
// the binary with Setsid and a one-byte pipe handshake in place of the
// classic fork/setsid/umask/exit-parent sequence — the same idiom used by
// every daemonizing Go CLI the retrieval pack's examples don't otherwise
// cover (none carry a daemonization library). Grounded in shape on the
// teacher's own os/exec usage for spawning workers (internal/worker.Spawn),
// reused here one level up for the dispatcher spawning its daemonized self.
package procspawn

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// readyByte is written by the daemon child down the handshake pipe once it
// has bound its listening socket, letting the parent exit 0 only after the
// service is actually up (mirrors the worker protocol's "don't report
// success until the resource is real" discipline).
const readyByte = 1

// handshakeEnv names the inherited fd the child uses to signal readiness;
// the value is the fd number as a decimal string.
const handshakeEnv = "PRUV_READY_FD"

// IsDaemonChild reports whether this process was re-exec'd by Daemonize —
// i.e. whether it should run as the background service rather than fork
// again.
func IsDaemonChild() bool {
	return os.Getenv(handshakeEnv) != ""
}

// NotifyReady signals the parent that awaits in Daemonize that startup
// succeeded (e.g. the listening socket is bound). Call exactly once, after
// all fallible setup and before serving. A no-op if this process is not a
// daemon child.
func NotifyReady() error {
	fdStr := os.Getenv(handshakeEnv)
	if fdStr == "" {
		return nil
	}
	var fd int
	if _, err := fmt.Sscanf(fdStr, "%d", &fd); err != nil {
		return fmt.Errorf("procspawn: bad %s value %q", handshakeEnv, fdStr)
	}
	f := os.NewFile(uintptr(fd), "pruv-ready")
	defer f.Close()
	_, err := f.Write([]byte{readyByte})
	return err
}

// Daemonize re-execs the current binary (argv0, same os.Args[1:]) detached
// into its own session, redirecting its stdio to /dev/null, and blocks
// until the child signals readiness via NotifyReady or exits. It never
// returns in the parent on success — the caller's process exits 0 once the
// child is confirmed up; on failure it returns an error so main can report
// a non-zero exit.
func Daemonize() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("procspawn: handshake pipe: %w", err)
	}
	defer r.Close()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		w.Close()
		return fmt.Errorf("procspawn: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	exe, err := os.Executable()
	if err != nil {
		w.Close()
		return fmt.Errorf("procspawn: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.ExtraFiles = []*os.File{w}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", handshakeEnv, 3)) // fd 3: first (only) ExtraFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		return fmt.Errorf("procspawn: start daemon child: %w", err)
	}
	w.Close() // parent's copy; the child holds the fd it needs

	buf := make([]byte, 1)
	n, err := r.Read(buf)
	if err != nil || n != 1 {
		_ = cmd.Process.Kill()
		return fmt.Errorf("procspawn: daemon child did not signal readiness: %w", err)
	}

	os.Exit(0)
	return nil
}

// Umask applies umask(0) in the current process, per spec §6.1's
// fork/setsid/umask sequence (the daemon child calls this once, before
// binding its listening socket).
func Umask() {
	unix.Umask(0)
}
