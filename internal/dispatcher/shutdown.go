package dispatcher

import (
	"syscall"

	"github.com/API92/pruv/internal/pools"
)

// Stats reports point-in-time dispatcher occupancy, the §2.1 domain-stack
// addition that lets an operator (or a test) observe invariant 1 without
// reaching into private fields.
type Stats struct {
	Connections       int
	ConnsIdle         int
	ConnsIO           int
	ConnsScheduling   int
	ConnsProcessing   int
	WorkersFree       int
	WorkersInUse      int
	WorkersTerminated int
	Buffers           pools.Stats
}

// Stats snapshots the dispatcher's internal occupancy counts.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Connections:       len(d.conns),
		ConnsIdle:         d.connsIdle.Len(),
		ConnsIO:           d.connsIO.Len(),
		ConnsScheduling:   d.connsSched.Len(),
		ConnsProcessing:   d.connsProc.Len(),
		WorkersFree:       d.workersFree.Len(),
		WorkersInUse:      d.workersInUse.Len(),
		WorkersTerminated: d.workersTerminated.Len(),
		Buffers:           d.bufs.Stats(),
	}
}

// Shutdown performs the graceful-stop sequence of spec §5: stop accepting,
// close every connection, SIGTERM every worker, and let the event loop keep
// running (so the reaper's SIGKILL escalation and worker-exit handling can
// still fire) until quiescent — at which point Run returns. Safe to call
// from any goroutine.
func (d *Dispatcher) Shutdown() {
	d.closing = true
}

// shutdownOnce is invoked from the loop goroutine once closing is observed,
// performing the one-time teardown steps (idempotent: guarded by the
// listener no longer being nil).
func (d *Dispatcher) shutdownOnce() {
	if d.listener == nil {
		return
	}
	_ = d.poll.Remove(d.listenerFD)
	d.listener.Close()
	d.listener = nil

	for c := d.connsIdle.Front(); c != nil; {
		next := d.connsIdle.Next(c)
		d.closeConn(c)
		c = next
	}
	for c := d.connsIO.Front(); c != nil; {
		next := d.connsIO.Next(c)
		d.closeConn(c)
		c = next
	}
	for c := d.connsSched.Front(); c != nil; {
		next := d.connsSched.Next(c)
		d.closeConn(c)
		c = next
	}
	for c := d.connsProc.Front(); c != nil; {
		next := d.connsProc.Next(c)
		d.closeConn(c)
		c = next
	}

	for w := d.workersFree.Front(); w != nil; w = d.workersFree.Next(w) {
		_ = w.Signal(syscall.SIGTERM)
	}
	for w := d.workersInUse.Front(); w != nil; w = d.workersInUse.Next(w) {
		_ = w.Signal(syscall.SIGTERM)
	}

	d.bufs.Close()
}

// Wait blocks until the event loop has fully stopped (Run has returned).
func (d *Dispatcher) Wait() {
	<-d.stopped
}
