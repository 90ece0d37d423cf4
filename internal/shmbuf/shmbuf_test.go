package shmbuf

import (
	"bytes"
	"testing"
)

func TestBuffer_OpenCreatesOwnedObject(t *testing.T) {
	var b Buffer
	if err := b.Open("", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if b.Name() == "" {
		t.Fatal("expected a generated name for an owned buffer")
	}
	if b.FD() < 0 {
		t.Fatal("expected a valid fd")
	}
}

func TestBuffer_ResetDefaultsThenWriteRead(t *testing.T) {
	var b Buffer
	if err := b.Open("", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	const sz = 64 * 1024
	if err := b.ResetDefaults(sz); err != nil {
		t.Fatalf("ResetDefaults: %v", err)
	}
	if b.FileSize() != sz {
		t.Fatalf("FileSize = %d, want %d", b.FileSize(), sz)
	}
	if b.MapLen() != sz {
		t.Fatalf("MapLen = %d, want %d", b.MapLen(), sz)
	}

	payload := []byte("hello shared memory")
	copy(b.Bytes(), payload)
	b.SetDataSize(len(payload))

	if !bytes.Equal(b.Bytes()[:len(payload)], payload) {
		t.Fatal("round-tripped bytes do not match")
	}
}

func TestBuffer_SeekExtendsPastFileSize(t *testing.T) {
	var b Buffer
	if err := b.Open("", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.ResetDefaults(4096); err != nil {
		t.Fatalf("ResetDefaults: %v", err)
	}

	if err := b.Seek(8192, 4096); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if b.FileSize() < 8192+4096 {
		t.Fatalf("Seek did not extend file: FileSize=%d", b.FileSize())
	}
	if b.CurPos() != 8192 {
		t.Fatalf("CurPos = %d, want 8192", b.CurPos())
	}
}

func TestBuffer_OpenByNameFromSecondHandle(t *testing.T) {
	var owner Buffer
	if err := owner.Open("", true); err != nil {
		t.Fatalf("Open owner: %v", err)
	}
	defer owner.Close()

	if err := owner.ResetDefaults(4096); err != nil {
		t.Fatalf("ResetDefaults: %v", err)
	}
	copy(owner.Bytes(), []byte("shared"))

	var reader Buffer
	if err := reader.Open(owner.Name(), false); err != nil {
		t.Fatalf("Open reader: %v", err)
	}
	defer reader.Close() // opened by name: does not own it, won't shm_unlink

	if err := reader.Map(0, 4096); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !bytes.Equal(reader.Bytes()[:6], []byte("shared")) {
		t.Fatalf("reader did not see owner's writes: %q", reader.Bytes()[:6])
	}
}
