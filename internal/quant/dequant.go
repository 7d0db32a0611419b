package quant

import (
	"encoding/binary"
	"fmt"
)

const qkK = 256 // k-quant super-block size

// ToFloat expands an encoded byte run into len(dst) float32 values.
// len(src) must be exactly RowBytes(len(dst)) for the type.
type ToFloat func(src []byte, dst []float32) error

// Traits ties a type tag to its dequantisation capability. The table is
// injected into the dispatcher by the host runtime; Builtin is the set
// this module ships.
type Traits struct {
	Type      Type
	BlockSize int64
	ToFloat   ToFloat
}

type Table map[Type]Traits

// Builtin returns the dequantisers implemented in this package.
func Builtin() Table {
	t := Table{}
	add := func(ty Type, fn ToFloat) {
		t[ty] = Traits{Type: ty, BlockSize: ty.BlockSize(), ToFloat: fn}
	}
	add(TypeF16, DequantizeF16)
	add(TypeBF16, DequantizeBF16)
	add(TypeQ4_0, DequantizeQ4_0)
	add(TypeQ8_0, DequantizeQ8_0)
	add(TypeQ4K, DequantizeQ4K)
	add(TypeQ6K, DequantizeQ6K)
	return t
}

func checkLen(ty Type, src []byte, n int) error {
	if int64(n)%ty.BlockSize() != 0 {
		return fmt.Errorf("%s: element count %d not a multiple of block size %d", ty, n, ty.BlockSize())
	}
	if want := ty.RowBytes(int64(n)); int64(len(src)) != want {
		return fmt.Errorf("%s: got %d encoded bytes for %d elements, want %d", ty, len(src), n, want)
	}
	return nil
}

func DequantizeF16(src []byte, dst []float32) error {
	if err := checkLen(TypeF16, src, len(dst)); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = fp16ToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return nil
}

func DequantizeBF16(src []byte, dst []float32) error {
	if err := checkLen(TypeBF16, src, len(dst)); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = bf16ToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return nil
}

// Q4_0: per 32 elements, one fp16 scale then 16 bytes of packed nibbles.
// Values decode as (q - 8) * d with the low nibbles covering elements
// 0..15 and the high nibbles 16..31.
func DequantizeQ4_0(src []byte, dst []float32) error {
	if err := checkLen(TypeQ4_0, src, len(dst)); err != nil {
		return err
	}
	bb := int(TypeQ4_0.BlockBytes())
	for b := 0; b < len(dst)/32; b++ {
		blk := src[b*bb:]
		d := fp16ToFloat32(binary.LittleEndian.Uint16(blk))
		qs := blk[2 : 2+16]
		y := dst[b*32:]
		for j := range 16 {
			y[j] = float32(int8(qs[j]&0x0F)-8) * d
			y[j+16] = float32(int8(qs[j]>>4)-8) * d
		}
	}
	return nil
}

// Q8_0: per 32 elements, one fp16 scale then 32 signed bytes.
func DequantizeQ8_0(src []byte, dst []float32) error {
	if err := checkLen(TypeQ8_0, src, len(dst)); err != nil {
		return err
	}
	bb := int(TypeQ8_0.BlockBytes())
	for b := 0; b < len(dst)/32; b++ {
		blk := src[b*bb:]
		d := fp16ToFloat32(binary.LittleEndian.Uint16(blk))
		qs := blk[2 : 2+32]
		y := dst[b*32:]
		for j := range 32 {
			y[j] = float32(int8(qs[j])) * d
		}
	}
	return nil
}

func DequantizeQ4K(src []byte, dst []float32) error {
	if err := checkLen(TypeQ4K, src, len(dst)); err != nil {
		return err
	}
	bb := int(TypeQ4K.BlockBytes())
	for b := 0; b < len(dst)/qkK; b++ {
		blk := src[b*bb:]
		d := fp16ToFloat32(binary.LittleEndian.Uint16(blk))
		dmin := fp16ToFloat32(binary.LittleEndian.Uint16(blk[2:]))
		scales := blk[4 : 4+12]
		qs := blk[16:bb]

		y := dst[b*qkK:]
		is := 0
		q := qs
		yi := 0
		for j := 0; j < qkK; j += 64 {
			sc1, m1 := scaleMinK4(is+0, scales)
			sc2, m2 := scaleMinK4(is+1, scales)
			d1 := d * float32(sc1)
			d2 := d * float32(sc2)
			mm1 := dmin * float32(m1)
			mm2 := dmin * float32(m2)
			for l := range 32 {
				y[yi] = d1*float32(q[l]&0x0F) - mm1
				yi++
			}
			for l := range 32 {
				y[yi] = d2*float32(q[l]>>4) - mm2
				yi++
			}
			q = q[32:]
			is += 2
		}
	}
	return nil
}

func DequantizeQ6K(src []byte, dst []float32) error {
	if err := checkLen(TypeQ6K, src, len(dst)); err != nil {
		return err
	}
	bb := int(TypeQ6K.BlockBytes())
	for b := 0; b < len(dst)/qkK; b++ {
		blk := src[b*bb:]
		d := fp16ToFloat32(binary.LittleEndian.Uint16(blk))
		ql := blk[2 : 2+128]
		qh := blk[2+128 : 2+128+64]
		scales := blk[2+128+64 : bb]

		y := dst[b*qkK:]
		yi := 0
		qlp := ql
		qhp := qh
		scp := scales
		for j := 0; j < qkK; j += 128 {
			for l := range 32 {
				is := l / 16
				q1 := int8((qlp[l+0]&0x0F)|(((qhp[l]>>0)&3)<<4)) - 32
				q2 := int8((qlp[l+32]&0x0F)|(((qhp[l]>>2)&3)<<4)) - 32
				q3 := int8((qlp[l+0]>>4)|(((qhp[l]>>4)&3)<<4)) - 32
				q4 := int8((qlp[l+32]>>4)|(((qhp[l]>>6)&3)<<4)) - 32
				y[yi+0] = d * float32(int8(scp[is+0])) * float32(q1)
				y[yi+32] = d * float32(int8(scp[is+2])) * float32(q2)
				y[yi+64] = d * float32(int8(scp[is+4])) * float32(q3)
				y[yi+96] = d * float32(int8(scp[is+6])) * float32(q4)
				yi++
			}
			yi += 96
			qlp = qlp[64:]
			qhp = qhp[32:]
			scp = scp[8:]
		}
	}
	return nil
}

func scaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}
