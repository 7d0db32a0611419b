package npmwire

import (
	"bytes"
	"encoding/binary"
)

// Payload is the codec contract shared by every request and response body.
type Payload interface {
	// WireSize is the exact encoded size in bytes.
	WireSize() int
	// Encode writes the payload into b, which must hold WireSize bytes.
	Encode(b []byte)
	// Decode parses the payload from b.
	Decode(b []byte) error
}

// ---------------------------------------------------------------------------
// HELLO
// ---------------------------------------------------------------------------

// HelloReq carries the client's protocol version and its shared-memory
// region for the server to attach.
type HelloReq struct {
	VersionMajor uint8
	VersionMinor uint8
	ShmName      string // NUL-padded to MaxShmName on the wire
	ShmSize      uint64
}

const helloReqSize = 2 + 2 + MaxShmName + 8

func (*HelloReq) WireSize() int { return helloReqSize }

func (p *HelloReq) Encode(b []byte) {
	b[0] = p.VersionMajor
	b[1] = p.VersionMinor
	b[2], b[3] = 0, 0
	name := b[4 : 4+MaxShmName]
	clear(name)
	copy(name, p.ShmName)
	binary.LittleEndian.PutUint64(b[4+MaxShmName:], p.ShmSize)
}

func (p *HelloReq) Decode(b []byte) error {
	if len(b) < helloReqSize {
		return ErrShortMessage
	}
	p.VersionMajor = b[0]
	p.VersionMinor = b[1]
	name := b[4 : 4+MaxShmName]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	p.ShmName = string(name)
	p.ShmSize = binary.LittleEndian.Uint64(b[4+MaxShmName:])
	return nil
}

// HelloRsp reports the emulated device configuration.
type HelloRsp struct {
	Status       Status
	VersionMajor uint8
	VersionMinor uint8
	SKU          uint32
	NumEngines   uint32
	L1Size       uint64
	L2Size       uint64
}

const helloRspSize = 4 + 4 + 4 + 8 + 8

func (*HelloRsp) WireSize() int { return helloRspSize }

func (p *HelloRsp) Encode(b []byte) {
	b[0] = byte(p.Status)
	b[1] = p.VersionMajor
	b[2] = p.VersionMinor
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:8], p.SKU)
	binary.LittleEndian.PutUint32(b[8:12], p.NumEngines)
	binary.LittleEndian.PutUint64(b[12:20], p.L1Size)
	binary.LittleEndian.PutUint64(b[20:28], p.L2Size)
}

func (p *HelloRsp) Decode(b []byte) error {
	if len(b) < helloRspSize {
		return ErrShortMessage
	}
	p.Status = Status(b[0])
	p.VersionMajor = b[1]
	p.VersionMinor = b[2]
	p.SKU = binary.LittleEndian.Uint32(b[4:8])
	p.NumEngines = binary.LittleEndian.Uint32(b[8:12])
	p.L1Size = binary.LittleEndian.Uint64(b[12:20])
	p.L2Size = binary.LittleEndian.Uint64(b[20:28])
	return nil
}

// ---------------------------------------------------------------------------
// Status-only responses (GOODBYE, UNREGISTER_BUFFER, SYNC, FENCE_*)
// ---------------------------------------------------------------------------

// StatusRsp is the shared shape of every response that carries a status
// and nothing else.
type StatusRsp struct {
	Status Status
}

func (*StatusRsp) WireSize() int { return 4 }

func (p *StatusRsp) Encode(b []byte) {
	b[0] = byte(p.Status)
	b[1], b[2], b[3] = 0, 0, 0
}

func (p *StatusRsp) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}
	p.Status = Status(b[0])
	return nil
}

// ---------------------------------------------------------------------------
// PING
// ---------------------------------------------------------------------------

type PingReq struct {
	Echo     uint64
	ClientTS uint64 // client monotonic nanoseconds
}

func (*PingReq) WireSize() int { return 16 }

func (p *PingReq) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], p.Echo)
	binary.LittleEndian.PutUint64(b[8:16], p.ClientTS)
}

func (p *PingReq) Decode(b []byte) error {
	if len(b) < 16 {
		return ErrShortMessage
	}
	p.Echo = binary.LittleEndian.Uint64(b[0:8])
	p.ClientTS = binary.LittleEndian.Uint64(b[8:16])
	return nil
}

type PingRsp struct {
	Status   Status
	ClientTS uint64
	ServerTS uint64
	Echo     uint64
}

func (*PingRsp) WireSize() int { return 4 + 24 }

func (p *PingRsp) Encode(b []byte) {
	b[0] = byte(p.Status)
	b[1], b[2], b[3] = 0, 0, 0
	binary.LittleEndian.PutUint64(b[4:12], p.ClientTS)
	binary.LittleEndian.PutUint64(b[12:20], p.ServerTS)
	binary.LittleEndian.PutUint64(b[20:28], p.Echo)
}

func (p *PingRsp) Decode(b []byte) error {
	if len(b) < 28 {
		return ErrShortMessage
	}
	p.Status = Status(b[0])
	p.ClientTS = binary.LittleEndian.Uint64(b[4:12])
	p.ServerTS = binary.LittleEndian.Uint64(b[12:20])
	p.Echo = binary.LittleEndian.Uint64(b[20:28])
	return nil
}

// ---------------------------------------------------------------------------
// REGISTER_BUFFER / UNREGISTER_BUFFER
// ---------------------------------------------------------------------------

type RegisterBufferReq struct {
	ShmOffset uint64
	Size      uint64
	Flags     uint32
}

func (*RegisterBufferReq) WireSize() int { return 24 }

func (p *RegisterBufferReq) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], p.ShmOffset)
	binary.LittleEndian.PutUint64(b[8:16], p.Size)
	binary.LittleEndian.PutUint32(b[16:20], p.Flags)
	binary.LittleEndian.PutUint32(b[20:24], 0)
}

func (p *RegisterBufferReq) Decode(b []byte) error {
	if len(b) < 24 {
		return ErrShortMessage
	}
	p.ShmOffset = binary.LittleEndian.Uint64(b[0:8])
	p.Size = binary.LittleEndian.Uint64(b[8:16])
	p.Flags = binary.LittleEndian.Uint32(b[16:20])
	return nil
}

type RegisterBufferRsp struct {
	Status Status
	Handle uint64
}

func (*RegisterBufferRsp) WireSize() int { return 12 }

func (p *RegisterBufferRsp) Encode(b []byte) {
	b[0] = byte(p.Status)
	b[1], b[2], b[3] = 0, 0, 0
	binary.LittleEndian.PutUint64(b[4:12], p.Handle)
}

func (p *RegisterBufferRsp) Decode(b []byte) error {
	if len(b) < 12 {
		return ErrShortMessage
	}
	p.Status = Status(b[0])
	p.Handle = binary.LittleEndian.Uint64(b[4:12])
	return nil
}

type UnregisterBufferReq struct {
	Handle uint64
}

func (*UnregisterBufferReq) WireSize() int { return 8 }

func (p *UnregisterBufferReq) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], p.Handle)
}

func (p *UnregisterBufferReq) Decode(b []byte) error {
	if len(b) < 8 {
		return ErrShortMessage
	}
	p.Handle = binary.LittleEndian.Uint64(b[0:8])
	return nil
}

// ---------------------------------------------------------------------------
// MATMUL
// ---------------------------------------------------------------------------

// MatmulParams describes one C = A · Bᵀ operation over registered buffer
// handles. It is both the device-facing parameter block and the MATMUL
// request body.
//
// A is row-major (M×K) with row stride Lda, B row-major (N×K) with row
// stride Ldb, C row-major (M×N) with row stride Ldc; strides are in
// element units.
type MatmulParams struct {
	AHandle uint64
	AOffset uint64
	BHandle uint64
	BOffset uint64
	CHandle uint64
	COffset uint64

	M int64
	N int64
	K int64

	Lda int64
	Ldb int64
	Ldc int64

	TypeA uint32
	TypeB uint32
	TypeC uint32
	Flags uint32
}

func (*MatmulParams) WireSize() int { return 6*8 + 6*8 + 4*4 }

func (p *MatmulParams) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], p.AHandle)
	le.PutUint64(b[8:], p.AOffset)
	le.PutUint64(b[16:], p.BHandle)
	le.PutUint64(b[24:], p.BOffset)
	le.PutUint64(b[32:], p.CHandle)
	le.PutUint64(b[40:], p.COffset)
	le.PutUint64(b[48:], uint64(p.M))
	le.PutUint64(b[56:], uint64(p.N))
	le.PutUint64(b[64:], uint64(p.K))
	le.PutUint64(b[72:], uint64(p.Lda))
	le.PutUint64(b[80:], uint64(p.Ldb))
	le.PutUint64(b[88:], uint64(p.Ldc))
	le.PutUint32(b[96:], p.TypeA)
	le.PutUint32(b[100:], p.TypeB)
	le.PutUint32(b[104:], p.TypeC)
	le.PutUint32(b[108:], p.Flags)
}

func (p *MatmulParams) Decode(b []byte) error {
	if len(b) < p.WireSize() {
		return ErrShortMessage
	}
	le := binary.LittleEndian
	p.AHandle = le.Uint64(b[0:])
	p.AOffset = le.Uint64(b[8:])
	p.BHandle = le.Uint64(b[16:])
	p.BOffset = le.Uint64(b[24:])
	p.CHandle = le.Uint64(b[32:])
	p.COffset = le.Uint64(b[40:])
	p.M = int64(le.Uint64(b[48:]))
	p.N = int64(le.Uint64(b[56:]))
	p.K = int64(le.Uint64(b[64:]))
	p.Lda = int64(le.Uint64(b[72:]))
	p.Ldb = int64(le.Uint64(b[80:]))
	p.Ldc = int64(le.Uint64(b[88:]))
	p.TypeA = le.Uint32(b[96:])
	p.TypeB = le.Uint32(b[100:])
	p.TypeC = le.Uint32(b[104:])
	p.Flags = le.Uint32(b[108:])
	return nil
}

type MatmulRsp struct {
	Status   Status
	Cycles   uint64
	DMABytes uint64
}

func (*MatmulRsp) WireSize() int { return 20 }

func (p *MatmulRsp) Encode(b []byte) {
	b[0] = byte(p.Status)
	b[1], b[2], b[3] = 0, 0, 0
	binary.LittleEndian.PutUint64(b[4:12], p.Cycles)
	binary.LittleEndian.PutUint64(b[12:20], p.DMABytes)
}

func (p *MatmulRsp) Decode(b []byte) error {
	if len(b) < 20 {
		return ErrShortMessage
	}
	p.Status = Status(b[0])
	p.Cycles = binary.LittleEndian.Uint64(b[4:12])
	p.DMABytes = binary.LittleEndian.Uint64(b[12:20])
	return nil
}

// ---------------------------------------------------------------------------
// FENCE_*
// ---------------------------------------------------------------------------

type FenceCreateRsp struct {
	Status  Status
	FenceID uint64
}

func (*FenceCreateRsp) WireSize() int { return 12 }

func (p *FenceCreateRsp) Encode(b []byte) {
	b[0] = byte(p.Status)
	b[1], b[2], b[3] = 0, 0, 0
	binary.LittleEndian.PutUint64(b[4:12], p.FenceID)
}

func (p *FenceCreateRsp) Decode(b []byte) error {
	if len(b) < 12 {
		return ErrShortMessage
	}
	p.Status = Status(b[0])
	p.FenceID = binary.LittleEndian.Uint64(b[4:12])
	return nil
}

type FenceDestroyReq struct {
	FenceID uint64
}

func (*FenceDestroyReq) WireSize() int { return 8 }

func (p *FenceDestroyReq) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], p.FenceID)
}

func (p *FenceDestroyReq) Decode(b []byte) error {
	if len(b) < 8 {
		return ErrShortMessage
	}
	p.FenceID = binary.LittleEndian.Uint64(b[0:8])
	return nil
}

type FenceWaitReq struct {
	FenceID   uint64
	TimeoutNs uint64 // 0 = infinite
}

func (*FenceWaitReq) WireSize() int { return 16 }

func (p *FenceWaitReq) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], p.FenceID)
	binary.LittleEndian.PutUint64(b[8:16], p.TimeoutNs)
}

func (p *FenceWaitReq) Decode(b []byte) error {
	if len(b) < 16 {
		return ErrShortMessage
	}
	p.FenceID = binary.LittleEndian.Uint64(b[0:8])
	p.TimeoutNs = binary.LittleEndian.Uint64(b[8:16])
	return nil
}
