package dispatcher

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/logging"
	"github.com/API92/pruv/internal/poller"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Config{Log: logging.NewConsole(logging.Emergency)})
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	d.poll = p
	return d
}

// newTestConn registers a pipe-backed fd as a connection in state st,
// mirroring what acceptAll/readConn/tryParse would have done, without
// driving a real socket through the dispatcher's accept loop.
func newTestConn(t *testing.T, d *Dispatcher, st conn.State) *conn.Conn {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	fd := int(r.Fd())
	if err := d.poll.Add(fd, poller.Readable); err != nil {
		t.Fatalf("poll.Add: %v", err)
	}
	c := conn.New(nil, fd)
	c.St = st
	d.conns[fd] = c
	d.listFor(st).PushBack(c)
	return c
}

// TestReap_IdleTimeoutClosesConnection is spec §8 scenario S6: a connection
// that never sends a byte past IDLE_TIMEOUT is closed by the reaper, not
// left open forever.
func TestReap_IdleTimeoutClosesConnection(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(t, d, conn.Idle)
	c.Deadline = nowMillis() - 1 // already expired

	d.reap()

	if _, ok := d.conns[c.FD]; ok {
		t.Fatal("idle connection past its deadline was not removed from the fd map")
	}
	if !d.connsIdle.Empty() {
		t.Fatal("idle connection past its deadline was not unlinked from connsIdle")
	}
	if err := unix.Close(c.FD); err == nil {
		t.Fatal("expected the connection's fd to already be closed by reap (double-close succeeded)")
	}
}

// TestReap_IOTimeoutClosesConnection is the IO-state half of S6: a
// connection that stalls mid-request past IO_TIMEOUT is also reclaimed.
func TestReap_IOTimeoutClosesConnection(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(t, d, conn.IO)
	c.Deadline = nowMillis() - 1

	d.reap()

	if _, ok := d.conns[c.FD]; ok {
		t.Fatal("IO-state connection past its deadline was not removed from the fd map")
	}
	if !d.connsIO.Empty() {
		t.Fatal("IO-state connection past its deadline was not unlinked from connsIO")
	}
}

// TestReap_LeavesUnexpiredConnectionsAlone confirms reap's deadline-ordered
// early-out doesn't evict connections that still have time left.
func TestReap_LeavesUnexpiredConnectionsAlone(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(t, d, conn.Idle)
	c.Deadline = nowMillis() + IdleTimeout.Milliseconds()

	d.reap()

	if _, ok := d.conns[c.FD]; !ok {
		t.Fatal("connection with a future deadline was evicted early")
	}
}
