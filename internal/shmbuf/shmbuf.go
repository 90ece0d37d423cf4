// Package shmbuf implements the page-aligned, resizable shared-memory buffer
// that the dispatcher and worker processes jointly address by name.
package shmbuf

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

func pageRound(n int) int {
	mask := pageSize - 1
	return (n + mask) &^ mask
}

func pageFloor(n int) int {
	return n &^ (pageSize - 1)
}

// Buffer is a single POSIX shared-memory object plus the window of it
// currently mapped into this process.
//
// Invariants: mapBegin <= mapPtr <= mapEnd; mapOffset is page-aligned;
// mapOffset+(mapEnd-mapBegin) <= fileSize once the object has been sized.
type Buffer struct {
	name    string // non-empty only if this process owns (and must unlink) it
	fd      int
	fileSize int
	writable bool

	mapping   []byte // the raw mmap'd slice, len == mapEnd-mapBegin
	mapOffset int
	cur       int // cursor position within mapping, i.e. mapPtr-mapBegin

	dataSize int
}

// Name reports the shared-memory object's name (e.g. "/pruv-shm-<32 hex>")
// for an object this process created; it is "" for one opened by name.
func (b *Buffer) Name() string { return b.name }

// FD returns the backing file descriptor.
func (b *Buffer) FD() int { return b.fd }

// FileSize returns the current page-aligned size of the backing object.
func (b *Buffer) FileSize() int { return b.fileSize }

// DataSize returns the logical number of meaningful bytes in the buffer.
func (b *Buffer) DataSize() int { return b.dataSize }

// SetDataSize overrides the logical content length, e.g. after a worker
// reports how much it wrote.
func (b *Buffer) SetDataSize(n int) { b.dataSize = n }

// MapOffset is the file offset of the currently mapped window.
func (b *Buffer) MapOffset() int { return b.mapOffset }

// CurPos is the absolute file position the cursor sits at.
func (b *Buffer) CurPos() int { return b.mapOffset + b.cur }

// Bytes returns the mapped window from the cursor to its end.
func (b *Buffer) Bytes() []byte {
	if b.mapping == nil {
		return nil
	}
	return b.mapping[b.cur:]
}

// MapLen is the length of the currently mapped window.
func (b *Buffer) MapLen() int {
	return len(b.mapping)
}

// MovePtr advances the cursor by delta bytes within the mapped window.
func (b *Buffer) MovePtr(delta int) {
	b.cur += delta
}

func randomName() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("shmbuf: generate random name: %w", err)
	}
	return fmt.Sprintf("/pruv-shm-%x", raw[:]), nil
}

// Open opens a shared-memory object. If name is "" a 128-bit random name is
// generated and the object is created exclusively (mode 0600); this process
// is then considered the owner and will shm_unlink it on Close. Otherwise
// the existing object is opened by name and never unlinked by this process.
func (b *Buffer) Open(name string, writable bool) error {
	oflag := unix.O_RDONLY
	if writable {
		oflag = unix.O_RDWR
	}
	var mode uint32
	owns := false
	if name == "" {
		n, err := randomName()
		if err != nil {
			return err
		}
		name = n
		oflag |= unix.O_CREAT | unix.O_EXCL
		mode = unix.S_IRUSR | unix.S_IWUSR
		owns = true
	}

	fd, err := shmOpen(name, oflag, mode)
	if err != nil {
		return fmt.Errorf("shmbuf: shm_open %s: %w", name, err)
	}

	b.fd = fd
	b.fileSize = 0
	b.writable = writable
	if owns {
		b.name = name
	}
	return nil
}

// Resize rounds newSize up to a page boundary and ftruncates the object to
// that length, retrying on EINTR.
func (b *Buffer) Resize(newSize int) error {
	newSize = pageRound(newSize)
	for {
		err := unix.Ftruncate(b.fd, int64(newSize))
		if err == nil {
			b.fileSize = newSize
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("shmbuf: ftruncate: %w", err)
	}
}

// UpdateFileSize records a size change performed by the peer process (a
// worker reports the new size over the control pipe rather than forcing an
// extra fstat round trip).
func (b *Buffer) UpdateFileSize(n int) {
	b.fileSize = n
}

// Unmap releases the currently mapped window, if any.
func (b *Buffer) Unmap() error {
	if b.mapping == nil {
		return nil
	}
	err := unix.Munmap(b.mapping)
	b.mapping = nil
	b.mapOffset = 0
	b.cur = 0
	if err != nil {
		return fmt.Errorf("shmbuf: munmap: %w", err)
	}
	return nil
}

func (b *Buffer) mapImpl(offset, size int) ([]byte, error) {
	prot := unix.PROT_READ
	if b.writable {
		prot |= unix.PROT_WRITE
	}
	m, err := unix.Mmap(b.fd, int64(offset), size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmbuf: mmap: %w", err)
	}
	return m, nil
}

// Map replaces the mapped window with one starting at the page-aligned
// offset and at least size bytes long, rounded up to a page. A no-op if the
// requested window already matches the current one.
func (b *Buffer) Map(offset, size int) error {
	if offset&(pageSize-1) != 0 {
		return fmt.Errorf("shmbuf: Map offset %d not page-aligned", offset)
	}
	size = pageRound(size)
	if b.mapOffset == offset && len(b.mapping) == size {
		b.cur = 0
		return nil
	}

	if err := b.Unmap(); err != nil {
		return err
	}

	m, err := b.mapImpl(offset, size)
	if err != nil {
		return err
	}
	b.mapping = m
	b.mapOffset = offset
	b.cur = 0
	return nil
}

// Seek ensures pos lies inside the mapped window (remapping if necessary,
// extending the file via Resize if pos lies past the current file size),
// with the window at least segSize bytes long, then moves the cursor to
// pos.
func (b *Buffer) Seek(pos, segSize int) error {
	winLen := len(b.mapping)
	if b.mapOffset <= pos && pos < b.mapOffset+winLen {
		b.cur = pos - b.mapOffset
		return nil
	}

	basePos := pageFloor(pos)
	length := segSize
	if basePos+length <= pos {
		length += pageSize
	}
	if basePos+length > b.fileSize {
		if err := b.Resize(basePos + length); err != nil {
			return err
		}
	}
	if err := b.Map(basePos, length); err != nil {
		return err
	}
	b.cur = pos - basePos
	return nil
}

// ResetDefaults resizes to sz and remaps window [0, sz) — the state a
// buffer pool returns a buffer to on release.
func (b *Buffer) ResetDefaults(sz int) error {
	if b.fileSize != pageRound(sz) {
		if err := b.Resize(sz); err != nil {
			return err
		}
	}
	return b.Map(0, sz)
}

// Close unmaps, unlinks the name if this process owns it, and closes the
// descriptor.
func (b *Buffer) Close() error {
	var errs []error
	if err := b.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if b.name != "" {
		if err := shmUnlink(b.name); err != nil {
			errs = append(errs, fmt.Errorf("shmbuf: shm_unlink %s: %w", b.name, err))
		}
		b.name = ""
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			errs = append(errs, fmt.Errorf("shmbuf: close: %w", err))
		}
		b.fd = -1
	}
	b.fileSize = 0
	b.dataSize = 0
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
