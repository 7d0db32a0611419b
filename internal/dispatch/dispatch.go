package dispatch

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/frank-ceva/npm-emu/internal/device"
	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/internal/quant"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
)

// EnvLogCPUFallback enables logging of nodes the predicate rejects.
const EnvLogCPUFallback = "NPM_LOG_CPU_FALLBACK"

func f32view(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

func f32bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(f))), len(f)*4)
}

func dataPtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

type handleEntry struct {
	handle uint64
	size   uint64
}

// Option adjusts a Dispatcher.
type Option func(*Dispatcher)

// WithMinDim sets the minimum M/N/K below which matmuls stay on the CPU.
func WithMinDim(n int64) Option {
	return func(d *Dispatcher) { d.minDim = n }
}

// Dispatcher routes graph nodes to one device. The handle cache is keyed
// by the tensor's host data pointer: the runtime's allocator must not
// recycle a pointer for different data across unregister/register without
// going through this dispatcher.
type Dispatcher struct {
	dev    device.Device
	log    logger.Logger
	traits quant.Table

	minDim      int64
	logFallback bool

	handles map[uintptr]handleEntry

	// FP32 scratch for dequantised weights, plus its dedicated device
	// handle. The handle is kept live across calls and grown with
	// unregister-then-register so the bump allocator is not exhausted by
	// per-call registrations.
	dequantBuf    []float32
	dequantHandle uint64
	dequantSize   uint64
}

// New builds a dispatcher over an initialised device. traits is the
// runtime-supplied dequantisation capability table (quant.Builtin for the
// built-in set).
func New(dev device.Device, log logger.Logger, traits quant.Table, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dev:         dev,
		log:         log,
		traits:      traits,
		minDim:      1,
		logFallback: os.Getenv(EnvLogCPUFallback) != "",
		handles:     make(map[uintptr]handleEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SupportsOp is the offload predicate: trivial shape ops always pass;
// matmul passes when the device's FP32 pipeline (plus the dequantise
// bridge) can express it. Anything else falls back to the CPU.
func (d *Dispatcher) SupportsOp(n *Node) bool {
	switch n.Op {
	case OpNone, OpReshape, OpView, OpPermute, OpTranspose:
		return true
	case OpMatmul:
		weights, acts := n.Src0, n.Src1
		if weights == nil || acts == nil {
			return false
		}

		contiguousOK := weights.Contiguous() && acts.Contiguous()

		typeOK := acts.Type == quant.TypeF32 && n.Type == quant.TypeF32
		weightsOK := weights.Type == quant.TypeF32
		if !weightsOK {
			if tr, ok := d.traits[weights.Type]; ok && tr.ToFloat != nil {
				weightsOK = true
			}
		}

		// K must divide by the weight type's quantisation block.
		k := weights.Ne[0]
		alignmentOK := k%weights.Type.BlockSize() == 0

		sizeOK := n.Ne[0] >= d.minDim && n.Ne[1] >= d.minDim && acts.Ne[0] >= d.minDim

		supported := contiguousOK && typeOK && weightsOK && sizeOK && alignmentOK
		if !supported && d.logFallback {
			d.log.Info("MUL_MAT falls back to CPU",
				"contiguous", contiguousOK,
				"weights_type", weights.Type.String(),
				"acts_type", acts.Type.String(),
				"dims", fmt.Sprintf("(%d,%d,%d)", n.Ne[0], n.Ne[1], acts.Ne[0]),
				"alignment", alignmentOK)
		}
		return supported
	default:
		if d.logFallback {
			d.log.Info("unsupported op falls back to CPU", "op", n.Op.String())
		}
		return false
	}
}

// Compute executes a node list in order, then synchronises the device.
// The caller guarantees every node passed SupportsOp.
func (d *Dispatcher) Compute(nodes []*Node) error {
	for _, n := range nodes {
		switch n.Op {
		case OpMatmul:
			if err := d.mulMat(n); err != nil {
				return err
			}
		case OpNone, OpReshape, OpView, OpPermute, OpTranspose:
			// Pure shape bookkeeping; nothing moves.
		default:
			return fmt.Errorf("dispatch: unsupported op %s", n.Op)
		}
	}
	return d.dev.Sync()
}

// getHandle returns the cached device handle for buf, registering it on
// first sight. With update set, a cached buffer's device-visible bytes are
// refreshed first (activations change between steps).
func (d *Dispatcher) getHandle(buf []byte, update bool) (uint64, error) {
	key := dataPtr(buf)
	if e, ok := d.handles[key]; ok {
		if update {
			if err := d.dev.UpdateBuffer(e.handle, buf); err != nil {
				d.log.Warn("buffer refresh failed", "handle", e.handle, "err", err)
			}
		}
		return e.handle, nil
	}
	h, err := d.dev.RegisterBuffer(buf)
	if err != nil {
		return 0, fmt.Errorf("dispatch: register buffer (%d bytes): %w", len(buf), err)
	}
	d.handles[key] = handleEntry{handle: h, size: uint64(len(buf))}
	return h, nil
}

// getDequantHandle reuses the dedicated dequant registration while the
// scratch fits, re-registering only on growth.
func (d *Dispatcher) getDequantHandle(buf []byte) (uint64, error) {
	size := uint64(len(buf))
	if d.dequantHandle != 0 && d.dequantSize >= size {
		if err := d.dev.UpdateBuffer(d.dequantHandle, buf); err == nil {
			return d.dequantHandle, nil
		}
		// Refresh failed; fall through to a fresh registration.
	}
	if d.dequantHandle != 0 {
		d.dev.UnregisterBuffer(d.dequantHandle)
		d.dequantHandle = 0
		d.dequantSize = 0
	}
	h, err := d.dev.RegisterBuffer(buf)
	if err != nil {
		return 0, fmt.Errorf("dispatch: register dequant buffer (%d bytes): %w", size, err)
	}
	d.dequantHandle = h
	d.dequantSize = size
	return h, nil
}

// mulMat dispatches dst = acts · weightsᵀ, dequantising non-FP32 weights
// into the scratch buffer first and iterating the two batch dimensions.
func (d *Dispatcher) mulMat(dst *Node) error {
	weights, acts := dst.Src0, dst.Src1

	ne00, ne01, ne02, ne03 := weights.Ne[0], weights.Ne[1], weights.Ne[2], weights.Ne[3]
	ne10, ne11, ne12, ne13 := acts.Ne[0], acts.Ne[1], acts.Ne[2], acts.Ne[3]
	ne0, ne1 := dst.Ne[0], dst.Ne[1]

	if ne0 != ne01 || ne1 != ne11 || ne00 != ne10 {
		return fmt.Errorf("dispatch: matmul shape mismatch dst=(%d,%d) weights=(%d,%d) acts=(%d,%d)",
			ne0, ne1, ne00, ne01, ne10, ne11)
	}
	if ne02 <= 0 || ne03 <= 0 {
		return fmt.Errorf("dispatch: weight batch dims must be positive, got (%d,%d)", ne02, ne03)
	}

	// Weights: dequantise anything that is not already FP32.
	weightData := weights.Data
	dequantised := false
	if weights.Type != quant.TypeF32 {
		tr, ok := d.traits[weights.Type]
		if !ok || tr.ToFloat == nil {
			return fmt.Errorf("dispatch: no dequantiser for %s", weights.Type)
		}
		n := weights.Nelements()
		if int64(len(d.dequantBuf)) < n {
			d.dequantBuf = make([]float32, n)
		}
		if err := tr.ToFloat(weights.Data, d.dequantBuf[:n]); err != nil {
			return fmt.Errorf("dispatch: dequantise %s: %w", weights.Type, err)
		}
		weightData = f32bytes(d.dequantBuf[:n])
		dequantised = true
	}

	handleA, err := d.getHandle(acts.Data, true)
	if err != nil {
		return err
	}
	var handleB uint64
	if dequantised {
		handleB, err = d.getDequantHandle(weightData)
	} else {
		handleB, err = d.getHandle(weightData, false)
	}
	if err != nil {
		return err
	}
	handleC, err := d.getHandle(dst.Data, false)
	if err != nil {
		return err
	}

	// Broadcast factors along the two batch dimensions.
	r2 := ne12 / ne02
	r3 := ne13 / ne03

	params := npmwire.MatmulParams{
		AHandle: handleA,
		BHandle: handleB,
		CHandle: handleC,
		M:       ne11,
		N:       ne01,
		K:       ne10,
		Lda:     ne10,
		Ldb:     ne00,
		Ldc:     ne0,
		TypeA:   uint32(quant.TypeF32),
		TypeB:   uint32(quant.TypeF32),
		TypeC:   uint32(quant.TypeF32),
	}

	for i13 := int64(0); i13 < ne13; i13++ {
		for i12 := int64(0); i12 < ne12; i12++ {
			i03 := i13 / r3
			i02 := i12 / r2

			params.AOffset = uint64(i12)*acts.Nb[2] + uint64(i13)*acts.Nb[3]
			if dequantised {
				// The scratch layout is dense FP32, so batch steps use
				// FP32 strides, not the quantised source strides.
				fp32Nb2 := uint64(ne00*ne01) * 4
				fp32Nb3 := fp32Nb2 * uint64(ne02)
				params.BOffset = uint64(i02)*fp32Nb2 + uint64(i03)*fp32Nb3
			} else {
				params.BOffset = uint64(i02)*weights.Nb[2] + uint64(i03)*weights.Nb[3]
			}
			params.COffset = uint64(i12)*dst.Nb[2] + uint64(i13)*dst.Nb[3]

			if err := d.dev.Matmul(&params); err != nil {
				return fmt.Errorf("dispatch: matmul (M=%d N=%d K=%d): %w", params.M, params.N, params.K, err)
			}
		}
	}
	return nil
}

// Close unregisters every cached handle, the dequant handle, and shuts
// the device down.
func (d *Dispatcher) Close() {
	for _, e := range d.handles {
		d.dev.UnregisterBuffer(e.handle)
	}
	clear(d.handles)
	if d.dequantHandle != 0 {
		d.dev.UnregisterBuffer(d.dequantHandle)
		d.dequantHandle = 0
		d.dequantSize = 0
	}
	d.dev.Shutdown()
}
