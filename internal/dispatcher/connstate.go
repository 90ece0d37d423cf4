package dispatcher

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/ilist"
	"github.com/API92/pruv/internal/poller"
	"github.com/API92/pruv/internal/pools"
	"github.com/API92/pruv/internal/worker"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// listFor returns the list backing a given connection state.
func (d *Dispatcher) listFor(st conn.State) *ilist.List[conn.Conn] {
	switch st {
	case conn.Idle:
		return d.connsIdle
	case conn.IO:
		return d.connsIO
	case conn.Scheduling:
		return d.connsSched
	case conn.Processing:
		return d.connsProc
	default:
		return nil
	}
}

// moveConn transitions c to st, relinking it into the matching list (spec
// §4.3's move_to).
func (d *Dispatcher) moveConn(c *conn.Conn, st conn.State) {
	c.St = st
	ilist.MoveTo(c, conn.Node, d.listFor(st))
}

// closeConn tears a connection down per spec §5's cancellation rules:
// detach from its worker (if any), return all owned buffers, remove from
// its list, close the socket. If a worker is still processing this
// connection's request, ReadBuf is left with the worker (it is the same
// shared-memory buffer as the worker's InBuf) — returning it here would
// hand a live shm mapping to the next Get() caller while the worker
// process is still reading through its own mapping of it. The buffer is
// returned once the worker is actually done with it, from
// onWorkerResponse or onWorkerExit.
func (d *Dispatcher) closeConn(c *conn.Conn) {
	returnReadBuf := true
	if c.Worker != nil {
		if w, ok := c.Worker.(*worker.Worker); ok {
			w.ProcessedConn = nil
		}
		c.Detach()
		returnReadBuf = false
	}

	if c.ReadBuf != nil {
		if returnReadBuf {
			d.bufs.Put(c.ReadBuf, pools.Request)
		}
		c.ReadBuf = nil
	}
	for _, b := range c.Responses {
		d.bufs.Put(b, pools.Response)
	}
	c.Responses = nil

	d.listFor(c.St).Remove(c)
	delete(d.conns, c.FD)
	_ = d.poll.Remove(c.FD)
	_ = unix.Close(c.FD)
}

// quiescent reports whether the dispatcher has reached the memory-
// accounting invariant (spec §8.1): no connections, all workers terminal.
func (d *Dispatcher) quiescent() bool {
	return len(d.conns) == 0 &&
		d.workersFree.Empty() && d.workersInUse.Empty() && d.workersTerminated.Empty()
}

func (d *Dispatcher) wantWrite(fd int, yes bool) {
	interest := poller.Readable
	if yes {
		interest |= poller.Writable
	}
	_ = d.poll.Modify(fd, interest)
}
