// Package device abstracts the NPM accelerator behind a single interface
// with two implementations: an in-process mock that computes on the host
// CPU, and an IPC client that ships tensors to the emulator process over
// a unix socket plus shared memory.
package device

import (
	"errors"
	"unsafe"

	"github.com/frank-ceva/npm-emu/pkg/npmwire"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

// Fence is a completion token. All operations in this stack complete
// synchronously, so fences signal immediately; the type exists so the
// interface carries the eventual asynchronous contract.
type Fence uint64

var (
	ErrInvalidHandle   = errors.New("device: invalid buffer handle")
	ErrInvalidParams   = errors.New("device: invalid parameters")
	ErrTypeUnsupported = errors.New("device: unsupported element type combination")
	ErrNotConnected    = errors.New("device: not connected")
)

// Device is the capability surface a backend user sees. Implementations
// are not safe for concurrent use; the dispatcher serialises all calls.
type Device interface {
	// Lifecycle
	Init(deviceID int) error
	Shutdown()

	// Info
	SKU() sku.SKU
	NumEngines() int
	L1Size() uint64
	L2Size() uint64

	// Memory. Buffers are registered by host slice; handle 0 is invalid.
	RegisterBuffer(buf []byte) (uint64, error)
	UnregisterBuffer(handle uint64)
	// UpdateBuffer refreshes the device-visible copy after the host-side
	// bytes changed. len(buf) must not exceed the registered size.
	UpdateBuffer(handle uint64, buf []byte) error

	// Compute
	Matmul(p *npmwire.MatmulParams) error

	// Sync
	Sync() error
	FenceCreate() (Fence, error)
	FenceDestroy(f Fence)
	FenceWait(f Fence, timeoutNs uint64) error
}

// dataPtr keys buffer caches by host pointer identity. Callers must not
// recycle a pointer for different data without unregistering first.
func dataPtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// f32 reinterprets a byte slice as float32 elements.
func f32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}
