// Package pools implements the dispatcher-side buffer free lists (spec §3/§4.2)
// and the worker-side by-name shared-memory cache (spec §4.8).
package pools

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/API92/pruv/internal/shmbuf"
)

// Default chunk sizes, spec §3.
const (
	RequestChunk  = 64 * 1024
	ResponseChunk = 128 * 1024
)

// Kind selects which of the two LIFO free lists a buffer belongs to.
type Kind int

const (
	Request Kind = iota
	Response
)

func (k Kind) defaultSize() int {
	if k == Request {
		return RequestChunk
	}
	return ResponseChunk
}

// BufferPool is the dispatcher-side free-list cache: two LIFO stacks keyed on
// purpose, grounded on the teacher's tiered sync.Pool buffer_pool.go but
// backed by real shmbuf.Buffer objects rather than byte slices, since buffer
// identity (the shared-memory name) must survive a Get/Put round trip.
type BufferPool struct {
	mu       sync.Mutex
	requests []*shmbuf.Buffer
	responses []*shmbuf.Buffer

	gets  atomic.Uint64
	hits  atomic.Uint64
	opens atomic.Uint64
}

// NewBufferPool returns an empty pool; buffers are created lazily on first
// Get.
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

func (p *BufferPool) list(kind Kind) *[]*shmbuf.Buffer {
	if kind == Request {
		return &p.requests
	}
	return &p.responses
}

// Get takes a buffer from the head of kind's free list, or opens and
// default-sizes a new one if the list is empty.
func (p *BufferPool) Get(kind Kind) (*shmbuf.Buffer, error) {
	p.gets.Add(1)

	p.mu.Lock()
	list := p.list(kind)
	if n := len(*list); n > 0 {
		buf := (*list)[n-1]
		*list = (*list)[:n-1]
		p.mu.Unlock()
		p.hits.Add(1)
		return buf, nil
	}
	p.mu.Unlock()

	p.opens.Add(1)
	buf := &shmbuf.Buffer{}
	if err := buf.Open("", true); err != nil {
		return nil, fmt.Errorf("pools: open buffer: %w", err)
	}
	if err := buf.ResetDefaults(kind.defaultSize()); err != nil {
		_ = buf.Close()
		return nil, fmt.Errorf("pools: reset new buffer: %w", err)
	}
	return buf, nil
}

// Put resets buf to kind's default size and pushes it back onto the free
// list. If the reset fails (e.g. ftruncate/mmap failure), the buffer is
// closed and discarded rather than returned — spec §7's "buffer reset
// failure" error kind.
func (p *BufferPool) Put(buf *shmbuf.Buffer, kind Kind) {
	if buf == nil {
		return
	}
	if err := buf.ResetDefaults(kind.defaultSize()); err != nil {
		_ = buf.Close()
		return
	}
	buf.SetDataSize(0)

	p.mu.Lock()
	list := p.list(kind)
	*list = append(*list, buf)
	p.mu.Unlock()
}

// Stats reports free-list occupancy and Get/hit counters.
type Stats struct {
	RequestsFree  int
	ResponsesFree int
	Gets, Hits, Opens uint64
}

func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		RequestsFree:  len(p.requests),
		ResponsesFree: len(p.responses),
		Gets:          p.gets.Load(),
		Hits:          p.hits.Load(),
		Opens:         p.opens.Load(),
	}
}

// Close closes every pooled buffer — called on dispatcher shutdown so that
// invariant 1 ("no shared-memory name remains") holds at the next
// quiescent point.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.requests {
		_ = b.Close()
	}
	for _, b := range p.responses {
		_ = b.Close()
	}
	p.requests = nil
	p.responses = nil
}
