package shm

import (
	"errors"
	"runtime"
	"testing"
)

func TestAllocAlignment(t *testing.T) {
	r := Anonymous(4096)

	off, err := r.Alloc(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("first alloc at %d", off)
	}

	off2, err := r.Alloc(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != DefaultAlignment {
		t.Fatalf("second alloc at %d, want %d", off2, DefaultAlignment)
	}

	off3, err := r.Alloc(1, 128)
	if err != nil {
		t.Fatal(err)
	}
	if off3%128 != 0 {
		t.Fatalf("alloc at %d not 128-aligned", off3)
	}
}

func TestAllocExhaustion(t *testing.T) {
	r := Anonymous(256)
	if _, err := r.Alloc(200, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Alloc(100, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("got %v, want ErrOutOfMemory", err)
	}
	// A failed alloc must not move the watermark.
	if r.Allocated() != 200 {
		t.Fatalf("watermark %d after failed alloc", r.Allocated())
	}
}

func TestReset(t *testing.T) {
	r := Anonymous(1024)
	if _, err := r.Alloc(512, 0); err != nil {
		t.Fatal(err)
	}
	r.Reset()
	if r.Allocated() != 0 {
		t.Fatalf("watermark %d after reset", r.Allocated())
	}
	off, err := r.Alloc(1024, 1)
	if err != nil || off != 0 {
		t.Fatalf("post-reset alloc: off=%d err=%v", off, err)
	}
}

func TestPtrBounds(t *testing.T) {
	r := Anonymous(128)
	if _, err := r.Ptr(0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ptr(127); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ptr(128); !errors.Is(err, ErrBadOffset) {
		t.Fatalf("got %v, want ErrBadOffset", err)
	}
	if _, err := r.Slice(120, 9); !errors.Is(err, ErrBadOffset) {
		t.Fatalf("got %v, want ErrBadOffset", err)
	}
}

func TestCreateAttachRoundTrip(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("POSIX shared memory requires Linux")
	}

	owner, err := Create(1 << 16)
	if err != nil {
		t.Skipf("cannot create shared memory here: %v", err)
	}
	defer func() { _ = owner.Destroy() }()

	if owner.Name() == "" {
		t.Fatal("owner region has no name")
	}

	off, err := owner.Alloc(64, 0)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := owner.Slice(off, 64)
	if err != nil {
		t.Fatal(err)
	}
	copy(slot, []byte("hello over shared memory"))

	peer, err := Attach(owner.Name(), owner.Size())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer func() { _ = peer.Destroy() }()

	got, err := peer.Slice(off, 24)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello over shared memory" {
		t.Fatalf("peer sees %q", got)
	}
}
