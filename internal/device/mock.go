package device

import (
	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/internal/quant"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

// Mock executes every operation in-process on the host CPU. It validates
// the device abstraction without an emulator process, and doubles as the
// numerical reference for the emulator's matmul.
type Mock struct {
	log logger.Logger

	sku     sku.SKU
	engines int
	l1Size  uint64
	l2Size  uint64

	buffers    map[uint64][]byte
	nextHandle uint64
}

// NewMock builds an uninitialised mock device.
func NewMock(log logger.Logger) *Mock {
	return &Mock{log: log}
}

func (m *Mock) Init(deviceID int) error {
	cfg := sku.Lookup(sku.Mock)
	m.sku = sku.Mock
	m.engines = cfg.NumEngines
	m.l1Size = cfg.L1Size
	m.l2Size = cfg.L2Default
	m.buffers = make(map[uint64][]byte)
	m.nextHandle = 1 // handle 0 is reserved
	return nil
}

func (m *Mock) Shutdown() {
	clear(m.buffers)
}

func (m *Mock) SKU() sku.SKU    { return m.sku }
func (m *Mock) NumEngines() int { return m.engines }
func (m *Mock) L1Size() uint64  { return m.l1Size }
func (m *Mock) L2Size() uint64  { return m.l2Size }

func (m *Mock) RegisterBuffer(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidParams
	}
	h := m.nextHandle
	m.nextHandle++
	m.buffers[h] = buf
	return h, nil
}

func (m *Mock) UnregisterBuffer(handle uint64) {
	delete(m.buffers, handle)
}

func (m *Mock) UpdateBuffer(handle uint64, buf []byte) error {
	if _, ok := m.buffers[handle]; !ok {
		return ErrInvalidHandle
	}
	// The mock reads host memory directly; re-point at the new bytes.
	m.buffers[handle] = buf
	return nil
}

func (m *Mock) resolve(handle, offset uint64) []byte {
	buf, ok := m.buffers[handle]
	if !ok || offset >= uint64(len(buf)) {
		return nil
	}
	return buf[offset:]
}

// Matmul computes C = A · Bᵀ with the naive triple loop. Only FP32 on all
// three operands is supported.
func (m *Mock) Matmul(p *npmwire.MatmulParams) error {
	if quant.Type(p.TypeA) != quant.TypeF32 ||
		quant.Type(p.TypeB) != quant.TypeF32 ||
		quant.Type(p.TypeC) != quant.TypeF32 {
		return ErrTypeUnsupported
	}
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		return ErrInvalidParams
	}

	a := f32(m.resolve(p.AHandle, p.AOffset))
	b := f32(m.resolve(p.BHandle, p.BOffset))
	c := f32(m.resolve(p.CHandle, p.COffset))
	if a == nil || b == nil || c == nil {
		return ErrInvalidHandle
	}

	for i := int64(0); i < p.M; i++ {
		for j := int64(0); j < p.N; j++ {
			var sum float32
			for k := int64(0); k < p.K; k++ {
				sum += a[i*p.Lda+k] * b[j*p.Ldb+k]
			}
			c[i*p.Ldc+j] = sum
		}
	}
	return nil
}

func (m *Mock) Sync() error { return nil }

func (m *Mock) FenceCreate() (Fence, error) {
	return Fence(1), nil // opaque sentinel; mock work is already complete
}

func (m *Mock) FenceDestroy(Fence) {}

func (m *Mock) FenceWait(Fence, uint64) error { return nil }
