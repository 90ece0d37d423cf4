package pools

import (
	"fmt"

	"github.com/API92/pruv/internal/shmbuf"
)

// ShmCache is the worker-side by-name memoization cache: it opens each
// shared-memory name at most once per process and keeps it around across
// requests, amortizing the shm_open+mmap cost (spec §4.8; grounded on
// original_source/src/shmem_cache.cpp, which keeps the same invariant —
// buffers are never closed until the worker process exits).
type ShmCache struct {
	byName map[string]*shmbuf.Buffer
}

// NewShmCache returns an empty cache.
func NewShmCache() *ShmCache {
	return &ShmCache{byName: make(map[string]*shmbuf.Buffer)}
}

// Get returns the buffer for name, opening it (read-write — a worker both
// reads requests and writes responses through this cache) on first
// reference. A newly opened buffer starts with DataSize 0; a cached one is
// returned as it is. The dispatcher communicates the live region of
// interest separately via the command line's pos/size.
func (c *ShmCache) Get(name string) (*shmbuf.Buffer, error) {
	if buf, ok := c.byName[name]; ok {
		return buf, nil
	}

	buf := &shmbuf.Buffer{}
	if err := buf.Open(name, true); err != nil {
		return nil, fmt.Errorf("shmcache: open %s: %w", name, err)
	}
	buf.SetDataSize(0)
	c.byName[name] = buf
	return buf, nil
}

// Close closes every cached buffer. Called once, at worker shutdown.
func (c *ShmCache) Close() {
	for name, buf := range c.byName {
		_ = buf.Close()
		delete(c.byName, name)
	}
}
