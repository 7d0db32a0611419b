// Package quant carries the tensor element-type vocabulary shared by the
// dispatcher, the devices, and the wire protocol, together with the
// dequantisation routines that bridge quantised weights to the FP32-only
// compute path.
package quant

// Type tags follow the ggml numbering so wire payloads stay comparable
// with traces captured from the original C stack.
type Type uint32

const (
	TypeF32  Type = 0
	TypeF16  Type = 1
	TypeQ4_0 Type = 2
	TypeQ4_1 Type = 3
	TypeQ5_0 Type = 6
	TypeQ5_1 Type = 7
	TypeQ8_0 Type = 8
	TypeQ8_1 Type = 9
	TypeQ2K  Type = 10
	TypeQ3K  Type = 11
	TypeQ4K  Type = 12
	TypeQ5K  Type = 13
	TypeQ6K  Type = 14

	TypeIQ2XXS Type = 16
	TypeIQ2XS  Type = 17
	TypeIQ3XXS Type = 18
	TypeIQ1S   Type = 19
	TypeIQ4NL  Type = 20
	TypeIQ3S   Type = 21
	TypeIQ2S   Type = 22
	TypeIQ4XS  Type = 23

	TypeI8  Type = 24
	TypeI16 Type = 25
	TypeI32 Type = 26
	TypeI64 Type = 27
	TypeF64 Type = 28

	TypeBF16 Type = 30
)

func (t Type) String() string {
	switch t {
	case TypeF32:
		return "f32"
	case TypeF16:
		return "f16"
	case TypeBF16:
		return "bf16"
	case TypeQ4_0:
		return "q4_0"
	case TypeQ4_1:
		return "q4_1"
	case TypeQ5_0:
		return "q5_0"
	case TypeQ5_1:
		return "q5_1"
	case TypeQ8_0:
		return "q8_0"
	case TypeQ8_1:
		return "q8_1"
	case TypeQ2K:
		return "q2_k"
	case TypeQ3K:
		return "q3_k"
	case TypeQ4K:
		return "q4_k"
	case TypeQ5K:
		return "q5_k"
	case TypeQ6K:
		return "q6_k"
	case TypeIQ2XXS:
		return "iq2_xxs"
	case TypeIQ2XS:
		return "iq2_xs"
	case TypeIQ3XXS:
		return "iq3_xxs"
	case TypeIQ1S:
		return "iq1_s"
	case TypeIQ4NL:
		return "iq4_nl"
	case TypeIQ3S:
		return "iq3_s"
	case TypeIQ2S:
		return "iq2_s"
	case TypeIQ4XS:
		return "iq4_xs"
	default:
		return "unknown"
	}
}

// IsQuantized reports whether t is a block-quantised layout, as opposed to
// a plain dense float or integer type.
func (t Type) IsQuantized() bool {
	switch t {
	case TypeF32, TypeF16, TypeBF16, TypeI8, TypeI16, TypeI32, TypeI64, TypeF64:
		return false
	default:
		return true
	}
}

// BlockSize is the number of elements per quantisation block: 256 for
// k-quants and i-quants, 32 for the standard quants, 1 for dense types.
// The K dimension of a matmul must divide by this for the weights to be
// dequantised row-wise.
func (t Type) BlockSize() int64 {
	switch t {
	case TypeQ2K, TypeQ3K, TypeQ4K, TypeQ5K, TypeQ6K,
		TypeIQ2XXS, TypeIQ2XS, TypeIQ3XXS, TypeIQ1S,
		TypeIQ4NL, TypeIQ3S, TypeIQ2S, TypeIQ4XS:
		return 256
	case TypeQ4_0, TypeQ4_1, TypeQ5_0, TypeQ5_1, TypeQ8_0, TypeQ8_1:
		return 32
	default:
		return 1
	}
}

// BlockBytes is the encoded size of one block, 0 when the layout is not
// implemented here.
func (t Type) BlockBytes() int64 {
	switch t {
	case TypeF32:
		return 4
	case TypeF16, TypeBF16:
		return 2
	case TypeQ4_0:
		return 2 + 16
	case TypeQ8_0:
		return 2 + 32
	case TypeQ4K:
		return 2 + 2 + 12 + 128
	case TypeQ6K:
		return 2 + 128 + 64 + 16
	default:
		return 0
	}
}

// RowBytes is the encoded byte length of n elements of type t. n must be
// a multiple of the block size.
func (t Type) RowBytes(n int64) int64 {
	return n / t.BlockSize() * t.BlockBytes()
}
