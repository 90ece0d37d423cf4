package dispatcher

import (
	"fmt"

	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/ilist"
	"github.com/API92/pruv/internal/pools"
	"github.com/API92/pruv/internal/worker"
)

// schedule pairs SCHEDULING connections with free workers, spec §4.5.
func (d *Dispatcher) schedule() {
	if d.connsSched.Empty() {
		return
	}
	if d.workersCnt >= d.cfg.WorkersMax && d.workersFree.Empty() {
		return
	}

	if d.workersFree.Empty() {
		if err := d.spawnWorker(); err != nil {
			d.log.Err("spawn worker: %v", err)
			if d.workersFree.Empty() {
				d.closeAllScheduling()
				return
			}
		}
	}

	respBuf, err := d.bufs.Get(pools.Response)
	if err != nil {
		d.log.Err("allocate response buffer: %v", err)
		d.closeAllScheduling()
		return
	}

	w := d.workersFree.Front()

	var c *conn.Conn
	for {
		c = d.connsSched.Front()
		if c == nil {
			break
		}
		if c.ReadBuf != nil {
			break
		}
		d.log.Err("scheduling connection with no read buffer, closing")
		d.closeConn(c)
	}
	if c == nil {
		d.bufs.Put(respBuf, pools.Response)
		return
	}

	line := fmt.Sprintf("HTTP IN SHM %s %d, %d OUT SHM %s %d\n",
		c.ReadBuf.Name(), c.RequestPos, c.RequestLen,
		respBuf.Name(), respBuf.FileSize())
	if len(line) > worker.MaxLineLen {
		d.log.Err("command line too long, closing connection")
		d.closeConn(c)
		d.bufs.Put(respBuf, pools.Response)
		return
	}

	ilist.MoveTo(w, worker.Node, d.workersInUse)
	w.ProcessedConn = c
	w.InBuf = c.ReadBuf
	w.OutBuf = respBuf
	w.Deadline = nowMillis() + ProcessingTimeout.Milliseconds()
	w.State = worker.IOWriting

	c.Worker = w
	d.moveConn(c, conn.Processing)

	d.writeWorkerLine(w, line)
}

// closeAllScheduling implements the resource-exhaustion policy of spec §4.5
// step 2/3: none of the currently-SCHEDULING connections can be served, so
// all are closed; the server itself remains up.
func (d *Dispatcher) closeAllScheduling() {
	for c := d.connsSched.Front(); c != nil; {
		next := d.connsSched.Next(c)
		d.closeConn(c)
		c = next
	}
}

// spawnWorker starts one child process and adds it to free_workers.
func (d *Dispatcher) spawnWorker() error {
	w, err := worker.Spawn(d.cfg.WorkerExecutable, append([]string{"--worker"}, d.cfg.WorkerArgs...), nil)
	if err != nil {
		return err
	}
	d.workersCnt++
	d.workersFree.PushBack(w)
	d.runWorkerIO(w)
	return nil
}

// killWorker escalates a worker out of service: SIGTERM if still alive,
// moved to terminated_workers where the reaper may later SIGKILL it (spec
// §4.7/§5). It does not touch ProcessedConn or the connection it points at
// — spec §5 ties connection teardown to the OS exit callback, not to the
// moment the kill signal goes out, so onWorkerExit is the only place that
// detaches and closes an abandoned connection once the process has
// actually gone away.
func (d *Dispatcher) killWorker(w *worker.Worker, reason string) {
	d.log.Err("killing worker pid %d: %s", w.PID, reason)
	ilist.MoveTo(w, worker.Node, d.workersTerminated)
	w.Deadline = nowMillis() + ProcessingTimeout.Milliseconds()
	_ = w.Signal(terminateSignal)
}
