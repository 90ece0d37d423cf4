// Package conn implements the per-connection state machine (spec §4.3):
// IDLE -> IO -> SCHEDULING -> PROCESSING, each state a distinct intrusive
// list; the reaper scans the IDLE and IO lists in deadline order. Grounded on the teacher's
// core/http connection handling generalized from its one-request-at-a-time
// model to pipelining, and on original_source/src/dispatcher.cpp's
// tcp_context for the exact field set and transition triggers.
package conn

import (
	"net"

	"github.com/API92/pruv/internal/ilist"
	"github.com/API92/pruv/internal/shmbuf"
)

// State names the list a Conn currently lives in.
type State int

const (
	Idle State = iota
	IO
	Scheduling
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case IO:
		return "IO"
	case Scheduling:
		return "SCHEDULING"
	case Processing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// Limits on unprocessed input and queued output a single connection may
// accumulate before it is throttled (spec §4.4).
const (
	MaxUnprocessedRequestBytes = 1 << 20 // 1 MiB
	MaxQueuedResponses         = 10
	MaxQueuedResponseBytes     = 10 << 20 // 10 MiB
)

// WorkerHandle is the minimal identity a Conn needs to hold the worker
// currently processing its head request. Declared here rather than
// importing internal/worker so the two packages can hold mutual
// back-references without an import cycle (spec §3's "back-reference ...
// may be nil" wording applies symmetrically to both sides).
type WorkerHandle interface{}

// Conn is one accepted TCP connection: its socket, the read buffer holding
// not-yet-fully-parsed bytes, a FIFO of response buffers awaiting write, and
// the bookkeeping the dispatcher's state machine needs.
type Conn struct {
	node ilist.Node[Conn]

	Socket net.Conn
	FD     int

	St State

	// ReadBuf holds bytes read from the socket but not yet fully consumed
	// as requests; nil until the first byte arrives (spec §3).
	ReadBuf *shmbuf.Buffer

	// RequestPos/RequestLen locate the request currently being served
	// inside ReadBuf, per the pipelining scheme of spec §4.4.
	RequestPos int
	RequestLen int

	// Responses is the FIFO of response buffers awaiting write, in request
	// order (spec §4.4/§7: same-order delivery even though request N+1 may
	// finish processing before request N's response is fully written).
	Responses []*shmbuf.Buffer

	// Worker is the worker currently processing this connection's head
	// request, or nil (spec §3 invariant: non-nil here implies the
	// worker's own back-reference points back to this Conn).
	Worker WorkerHandle

	// KeepAlive reflects the most recently parsed response's keep-alive
	// decision; consulted when the response queue drains to decide between
	// IO/IDLE (still open) and a closed connection.
	KeepAlive bool

	Deadline int64 // unix millis, meaning depends on St

	// WriteCurPos tracks progress streaming the head of Responses,
	// mirroring write_con's cur_pos bookkeeping (spec §4.6); the mapped
	// window's own cursor lives in the buffer. WriteMapPtr is not used by
	// the dispatcher's write path.
	WriteMapPtr int
	WriteCurPos int
}

// New wraps an accepted socket in IDLE state.
func New(socket net.Conn, fd int) *Conn {
	return &Conn{Socket: socket, FD: fd, St: Idle}
}

// Node exposes the embedded intrusive-list node for ilist.List[Conn].
func Node(c *Conn) *ilist.Node[Conn] { return &c.node }

// QueuedResponseBytes sums the data size of all buffers still queued for
// write, used to enforce MaxQueuedResponseBytes.
func (c *Conn) QueuedResponseBytes() int {
	total := 0
	for _, b := range c.Responses {
		total += b.DataSize()
	}
	return total
}

// UnprocessedBytes is how much of ReadBuf lies past the request currently
// being served — the bytes a pipelining client has sent ahead of schedule.
func (c *Conn) UnprocessedBytes() int {
	if c.ReadBuf == nil {
		return 0
	}
	return c.ReadBuf.DataSize() - (c.RequestPos + c.RequestLen)
}

// Detach clears the worker back-reference (spec §4.7: abandonment on
// connection teardown). It does not touch the worker side; the caller —
// the dispatcher, which imports both packages — is responsible for clearing
// the worker's own ProcessedConn field in the same step.
func (c *Conn) Detach() {
	c.Worker = nil
}

// PushResponse appends buf to the response FIFO.
func (c *Conn) PushResponse(buf *shmbuf.Buffer) {
	c.Responses = append(c.Responses, buf)
}

// PopResponse removes and returns the head of the response FIFO, or nil if
// empty.
func (c *Conn) PopResponse() *shmbuf.Buffer {
	if len(c.Responses) == 0 {
		return nil
	}
	buf := c.Responses[0]
	c.Responses[0] = nil
	c.Responses = c.Responses[1:]
	return buf
}
