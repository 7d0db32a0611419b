package quant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// QuantizeQ8_0 encodes src into Q8_0 blocks. len(src) must be a multiple
// of 32. Used by the bench tool and tests; inference-side weights arrive
// already quantised.
func QuantizeQ8_0(src []float32) ([]byte, error) {
	if len(src)%32 != 0 {
		return nil, fmt.Errorf("q8_0: element count %d not a multiple of 32", len(src))
	}
	bb := int(TypeQ8_0.BlockBytes())
	out := make([]byte, len(src)/32*bb)
	for b := 0; b < len(src)/32; b++ {
		x := src[b*32 : b*32+32]
		var amax float32
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		invd := float32(0)
		if d != 0 {
			invd = 1 / d
		}
		blk := out[b*bb:]
		binary.LittleEndian.PutUint16(blk, float32ToFP16Bits(d))
		for j, v := range x {
			blk[2+j] = byte(int8(math.RoundToEven(float64(v * invd))))
		}
	}
	return out, nil
}

// QuantizeQ4_0 encodes src into Q4_0 blocks. len(src) must be a multiple
// of 32.
func QuantizeQ4_0(src []float32) ([]byte, error) {
	if len(src)%32 != 0 {
		return nil, fmt.Errorf("q4_0: element count %d not a multiple of 32", len(src))
	}
	bb := int(TypeQ4_0.BlockBytes())
	out := make([]byte, len(src)/32*bb)
	for b := 0; b < len(src)/32; b++ {
		x := src[b*32 : b*32+32]
		// Scale from the signed max so -8 maps onto it exactly.
		var max, amax float32
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
				max = v
			}
		}
		d := max / -8
		invd := float32(0)
		if d != 0 {
			invd = 1 / d
		}
		blk := out[b*bb:]
		binary.LittleEndian.PutUint16(blk, float32ToFP16Bits(d))
		qs := blk[2:]
		for j := range 16 {
			lo := quantNibble(x[j] * invd)
			hi := quantNibble(x[j+16] * invd)
			qs[j] = lo | hi<<4
		}
	}
	return out, nil
}

func quantNibble(v float32) byte {
	q := int(v + 8.5)
	if q < 0 {
		q = 0
	}
	if q > 15 {
		q = 15
	}
	return byte(q)
}
