package dispatcher

import (
	"github.com/API92/pruv/internal/conn"
	"github.com/API92/pruv/internal/httpframe"
	"github.com/API92/pruv/internal/poller"
	"github.com/API92/pruv/internal/pools"
)

// parseFrom maps the unconsumed tail of c's read buffer (from RequestPos to
// DataSize) contiguously and attempts to parse one request out of it (spec
// §4.4's request_pos/request_len pipelining scheme).
func parseFrom(c *conn.Conn) (httpframe.Result, bool, error) {
	unconsumed := c.ReadBuf.DataSize() - c.RequestPos
	if unconsumed <= 0 {
		return httpframe.Result{}, false, nil
	}

	if err := c.ReadBuf.Seek(c.RequestPos, unconsumed); err != nil {
		return httpframe.Result{}, false, err
	}
	data := c.ReadBuf.Bytes()
	if len(data) > unconsumed {
		data = data[:unconsumed]
	}

	res, err := httpframe.ParseRequest(data)
	if err != nil {
		return httpframe.Result{}, false, err
	}
	return res, res.Complete, nil
}

// advanceRequest moves request_pos past the just-served request and, once
// the whole buffer has been consumed, returns it to the pool (spec §4.4).
func (d *Dispatcher) advanceRequest(c *conn.Conn) {
	wasThrottled := c.UnprocessedBytes() >= conn.MaxUnprocessedRequestBytes

	c.RequestPos += c.RequestLen
	c.RequestLen = 0
	if c.RequestPos >= c.ReadBuf.DataSize() {
		d.bufs.Put(c.ReadBuf, pools.Request)
		c.ReadBuf = nil
		c.RequestPos = 0
	}

	if wasThrottled {
		_ = d.poll.Modify(c.FD, poller.Readable)
	}
}
