package dispatcher

import (
	"golang.org/x/sys/unix"

	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/httpframe"
	"github.com/API92/pruv/internal/pools"
)

// writeConn streams the head of c's response queue to the socket in
// RESPONSE_CHUNK-sized windows (spec §4.6). It is re-entrant: each call
// either makes progress and returns (the poller will call back in when the
// fd is next writable) or fully drains the queue and resolves the
// connection's next state.
func (d *Dispatcher) writeConn(c *conn.Conn) {
	for {
		buf := c.Responses[0]

		// Seek is a no-op when the current window already covers
		// WriteCurPos; it only remaps when the stream has walked past the
		// previous RESPONSE_CHUNK-sized window (spec §4.6).
		if err := buf.Seek(c.WriteCurPos, pools.ResponseChunk); err != nil {
			d.log.Err("seek response buffer: %v", err)
			d.closeConn(c)
			return
		}
		if headerEnd, ok := httpframe.ResponseHeadersComplete(buf.Bytes()); ok {
			c.KeepAlive = httpframe.ResponseKeepAlive(buf.Bytes()[:headerEnd])
		}

		remaining := buf.DataSize() - c.WriteCurPos
		avail := buf.MapLen() - (c.WriteCurPos - buf.MapOffset())
		n := remaining
		if avail < n {
			n = avail
		}
		if n <= 0 {
			d.finishHeadResponse(c)
			if len(c.Responses) == 0 {
				break
			}
			c.WriteCurPos = 0
			continue
		}

		written, err := unix.Write(c.FD, buf.Bytes()[:n])
		if err != nil {
			if err == unix.EAGAIN {
				d.wantWrite(c.FD, true)
				return
			}
			d.closeConn(c)
			return
		}

		buf.MovePtr(written)
		c.WriteCurPos += written
		if written < n {
			d.wantWrite(c.FD, true)
			return
		}

		if c.WriteCurPos >= buf.DataSize() {
			d.finishHeadResponse(c)
			if len(c.Responses) == 0 {
				break
			}
			c.WriteCurPos = 0
		}
	}

	d.wantWrite(c.FD, false)
	d.resolveAfterWrite(c)
}

// finishHeadResponse pops the fully-written head buffer, returning it to
// the pool.
func (d *Dispatcher) finishHeadResponse(c *conn.Conn) {
	buf := c.PopResponse()
	d.bufs.Put(buf, pools.Response)
}

// resolveAfterWrite decides the connection's next state once its response
// queue has fully drained (spec §4.6): IO if a partial/pipelined request is
// already buffered, IDLE if quiescent and keep-alive, or closed.
func (d *Dispatcher) resolveAfterWrite(c *conn.Conn) {
	if !c.KeepAlive {
		d.closeConn(c)
		return
	}
	if c.ReadBuf != nil && c.UnprocessedBytes() > 0 {
		d.moveConn(c, conn.IO)
		d.tryParse(c)
		return
	}
	d.moveConn(c, conn.Idle)
	c.Deadline = nowMillis() + IdleTimeout.Milliseconds()
}
