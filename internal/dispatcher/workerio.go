package dispatcher

import (
	"fmt"
	"syscall"

	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/ilist"
	"github.com/API92/pruv/internal/pools"
	"github.com/API92/pruv/internal/worker"
)

// terminateSignal is what killWorker sends on the first escalation step
// (spec §4.7: SIGTERM, then SIGKILL once its kill-timer elapses).
const terminateSignal = syscall.SIGTERM

// runWorkerIO starts the goroutine that waits for a worker's exit and posts
// it onto exitCh; command writes and response reads run per request in
// writeWorkerLine. See the package doc comment for why goroutines are used
// for worker pipes.
func (d *Dispatcher) runWorkerIO(w *worker.Worker) {
	go func() {
		err := w.Wait()
		d.exitCh <- workerExit{w: w, err: err}
	}()
}

// writeWorkerLine sends one command line to w's stdin on a short-lived
// goroutine (writes are rare — one per scheduled request — so a dedicated
// write loop is unnecessary), then reads the worker's response line on the
// same goroutine and posts it (or the write/read error) onto respCh.
func (d *Dispatcher) writeWorkerLine(w *worker.Worker, line string) {
	go func() {
		if err := w.WriteCommand(line); err != nil {
			d.respCh <- workerResp{w: w, err: fmt.Errorf("write command: %w", err)}
			return
		}
		resp, err := w.ReadLine()
		d.respCh <- workerResp{w: w, line: resp, err: err}
	}()
}

// onWorkerResponse handles a completed request/response round trip (spec
// §4.5's response-line handling).
func (d *Dispatcher) onWorkerResponse(w *worker.Worker, line string, err error) {
	if w.Exited {
		return
	}
	if err != nil {
		d.killWorker(w, fmt.Sprintf("pipe error: %v", err))
		d.schedule()
		return
	}

	respLen, fileSize, perr := parseResponseLine(line)
	if perr != nil {
		d.killWorker(w, fmt.Sprintf("malformed response line %q: %v", line, perr))
		d.schedule()
		return
	}

	w.OutBuf.UpdateFileSize(fileSize)
	w.OutBuf.SetDataSize(respLen)

	c, _ := w.ProcessedConn.(*conn.Conn)
	inBuf := w.InBuf
	outBuf := w.OutBuf

	ilist.MoveTo(w, worker.Node, d.workersFree)
	w.State = worker.IOIdle
	w.InBuf = nil
	w.OutBuf = nil
	w.ProcessedConn = nil

	if c == nil {
		// The connection was abandoned while this request was in flight
		// (spec §5's per-connection cancellation rule): discard the
		// output, and return the request buffer closeConn left with us —
		// the worker was still reading it at close time, and has only now
		// finished with it.
		if inBuf != nil {
			d.bufs.Put(inBuf, pools.Request)
		}
		d.bufs.Put(outBuf, pools.Response)
		d.schedule()
		return
	}

	c.Worker = nil
	c.PushResponse(outBuf)
	d.advanceRequest(c)

	if len(c.Responses) == 1 {
		d.writeConn(c)
	} else {
		d.moveConn(c, conn.IO)
	}
	d.schedule()
}

// onWorkerExit handles the OS reporting a worker process has exited —
// spec §3's three-way close barrier (OS exit + both pipes closed + handle
// closed) simplifies in Go to: once Wait() returns, the pipes are already
// drained and closed by the os/exec machinery, so this is the single point
// that frees the worker's resources and its connection if any.
func (d *Dispatcher) onWorkerExit(w *worker.Worker, err error) {
	d.workersCnt--

	// w.ProcessedConn is still set here when this worker was killed (reap's
	// processing-timeout, a pipe error, or a malformed response line — spec
	// §5's per-worker cancellation) rather than having finished normally:
	// killWorker leaves it alone on purpose so the connection is only torn
	// down once the process has actually exited. closeConn sees c.Worker
	// still pointing at w and leaves ReadBuf (== w.InBuf) with us instead of
	// returning it, since the process was still alive when it ran; now that
	// it has exited, it is safe to return.
	if c, ok := w.ProcessedConn.(*conn.Conn); ok && c != nil {
		d.closeConn(c)
	}
	if w.InBuf != nil {
		d.bufs.Put(w.InBuf, pools.Request)
		w.InBuf = nil
	}
	if w.OutBuf != nil {
		d.bufs.Put(w.OutBuf, pools.Response)
		w.OutBuf = nil
	}

	d.workersFree.Remove(w)
	d.workersInUse.Remove(w)
	d.workersTerminated.Remove(w)

	if err != nil {
		d.log.Notice("worker pid %d exited: %v", w.PID, err)
	} else {
		d.log.Info("worker pid %d exited cleanly", w.PID)
	}

	d.schedule()
}
