package mmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "region.bin"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMapWriteThrough(t *testing.T) {
	page := os.Getpagesize()
	// 64 KiB is aligned for every page size and for Windows views.
	const off = 64 << 10
	f := tempFile(t, off+int64(2*page))

	r, err := Map(f, off, 2*page)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(r.Data) != 2*page || r.Addr() == 0 {
		t.Fatalf("unexpected region: len=%d addr=%#x", len(r.Data), r.Addr())
	}
	if r.Handle != f.Fd() {
		t.Errorf("handle = %d, want %d", r.Handle, f.Fd())
	}
	copy(r.Data, "pmem")

	if err := r.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := r.Unmap(); err != nil {
		t.Errorf("second Unmap: %v", err)
	}

	got := make([]byte, 4)
	if _, err := f.ReadAt(got, off); err != nil {
		t.Fatal(err)
	}
	if string(got) != "pmem" {
		t.Errorf("file content = %q, want %q", got, "pmem")
	}
}

func TestMapEmptyRange(t *testing.T) {
	f := tempFile(t, 4096)
	if _, err := Map(f, 0, 0); !errors.Is(err, ErrEmptyRange) {
		t.Errorf("got %v, want ErrEmptyRange", err)
	}
}
