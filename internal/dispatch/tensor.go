// Package dispatch sits between a tensor-graph runtime and an NPM device:
// it decides per node whether the device can take the work, manages the
// buffer-handle cache, and bridges quantised weights through a dequantise
// step.
package dispatch

import (
	"fmt"

	"github.com/frank-ceva/npm-emu/internal/quant"
)

// Op is the node operation. Only matmul reaches the device; the trivial
// shape ops pass through untouched.
type Op int

const (
	OpNone Op = iota
	OpReshape
	OpView
	OpPermute
	OpTranspose
	OpMatmul
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "NONE"
	case OpReshape:
		return "RESHAPE"
	case OpView:
		return "VIEW"
	case OpPermute:
		return "PERMUTE"
	case OpTranspose:
		return "TRANSPOSE"
	case OpMatmul:
		return "MUL_MAT"
	default:
		return "UNKNOWN"
	}
}

// Node is a graph node in the runtime's four-dimensional tensor layout:
// Ne counts elements per dimension (Ne[0] fastest), Nb holds byte strides.
// For matmul, Src0 is the weight tensor and Src1 the activations.
type Node struct {
	Op   Op
	Type quant.Type
	Ne   [4]int64
	Nb   [4]uint64
	Data []byte

	Src0 *Node
	Src1 *Node
}

// NewTensor allocates a contiguous tensor of the given type and shape.
// Trailing dimensions default to 1.
func NewTensor(t quant.Type, ne ...int64) (*Node, error) {
	if len(ne) == 0 || len(ne) > 4 {
		return nil, fmt.Errorf("dispatch: tensor needs 1..4 dimensions, got %d", len(ne))
	}
	n := &Node{Type: t, Ne: [4]int64{1, 1, 1, 1}}
	copy(n.Ne[:], ne)
	if n.Ne[0]%t.BlockSize() != 0 {
		return nil, fmt.Errorf("dispatch: dim0 %d not a multiple of %s block size %d", n.Ne[0], t, t.BlockSize())
	}

	n.Nb[0] = uint64(t.BlockBytes())
	n.Nb[1] = uint64(t.RowBytes(n.Ne[0]))
	n.Nb[2] = n.Nb[1] * uint64(n.Ne[1])
	n.Nb[3] = n.Nb[2] * uint64(n.Ne[2])
	n.Data = make([]byte, n.Nbytes())
	return n, nil
}

// Nelements is the total element count across all four dimensions.
func (n *Node) Nelements() int64 {
	return n.Ne[0] * n.Ne[1] * n.Ne[2] * n.Ne[3]
}

// Nbytes is the encoded size of a contiguous tensor of this shape.
func (n *Node) Nbytes() uint64 {
	return uint64(n.Type.RowBytes(n.Ne[0])) * uint64(n.Ne[1]*n.Ne[2]*n.Ne[3])
}

// Contiguous reports whether rows and planes pack with no holes.
func (n *Node) Contiguous() bool {
	return n.Nb[0] == uint64(n.Type.BlockBytes()) &&
		n.Nb[1] == uint64(n.Type.RowBytes(n.Ne[0])) &&
		n.Nb[2] == n.Nb[1]*uint64(n.Ne[1]) &&
		n.Nb[3] == n.Nb[2]*uint64(n.Ne[2])
}

// F32 views the tensor's data as float32 elements; only valid for
// TypeF32 tensors.
func (n *Node) F32() []float32 {
	return f32view(n.Data)
}
