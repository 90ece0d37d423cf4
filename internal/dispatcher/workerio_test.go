package dispatcher

import (
	"errors"
	"testing"

	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/pools"
	"github.com/API92/pruv/internal/worker"
)

// TestOnWorkerExit_ReturnsRequestBufferExactlyOnce guards the fix for the
// double-Put that results when both closeConn and onWorkerExit return the
// same InBuf/ReadBuf: a worker whose connection is still attached when the
// process exits must have its request buffer freed once, not twice, and
// the abandoned connection must actually be torn down (not left dangling
// in connsProc, spec §8.1's quiescent-point invariant).
func TestOnWorkerExit_ReturnsRequestBufferExactlyOnce(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(t, d, conn.Processing)

	readBuf, err := d.bufs.Get(pools.Request)
	if err != nil {
		t.Fatalf("Get request buffer: %v", err)
	}
	c.ReadBuf = readBuf

	w := &worker.Worker{State: worker.IOWriting, InBuf: readBuf, ProcessedConn: c}
	c.Worker = w

	d.onWorkerExit(w, errors.New("killed"))

	if stats := d.bufs.Stats(); stats.RequestsFree != 1 {
		t.Fatalf("request free list has %d entries after one exit, want 1 (double-Put regression)", stats.RequestsFree)
	}
	if _, stillTracked := d.conns[c.FD]; stillTracked {
		t.Fatal("abandoned connection was not removed from the fd map")
	}
	if !d.connsProc.Empty() {
		t.Fatal("abandoned connection was not unlinked from connsProc")
	}
}

// TestCloseConn_LeavesWorkerOwnedBufferAlone is the companion regression for
// the ordinary-disconnect path: if a worker is still processing the
// connection's request, closeConn must not return ReadBuf to the pool out
// from under the worker's own InBuf mapping of the same shared memory.
func TestCloseConn_LeavesWorkerOwnedBufferAlone(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(t, d, conn.Processing)

	readBuf, err := d.bufs.Get(pools.Request)
	if err != nil {
		t.Fatalf("Get request buffer: %v", err)
	}
	c.ReadBuf = readBuf

	outBuf, err := d.bufs.Get(pools.Response)
	if err != nil {
		t.Fatalf("Get response buffer: %v", err)
	}

	w := &worker.Worker{State: worker.IOWriting, InBuf: readBuf, OutBuf: outBuf, ProcessedConn: c}
	c.Worker = w

	d.closeConn(c)

	if stats := d.bufs.Stats(); stats.RequestsFree != 0 {
		t.Fatalf("request free list has %d entries right after closeConn, want 0 (buffer still owned by worker)", stats.RequestsFree)
	}
	if w.ProcessedConn != nil {
		t.Fatal("worker's ProcessedConn should be cleared so onWorkerResponse/onWorkerExit discard its output")
	}

	// Once the worker actually finishes with the buffer, it must be
	// returned — exactly once.
	d.onWorkerResponse(w, "RESP 0 of 0 END\n", nil)
	if stats := d.bufs.Stats(); stats.RequestsFree != 1 {
		t.Fatalf("request free list has %d entries after the worker's response, want 1", stats.RequestsFree)
	}
}
