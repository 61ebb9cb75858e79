package float16

import "math"

// Q8_0BlockSize is the number of quantized elements per block.
const Q8_0BlockSize = 32

// Q8_0BlockBytes is the on-disk/on-device size of one block: a 2-byte
// fp16 scale followed by 32 signed int8 weights.
const Q8_0BlockBytes = 2 + Q8_0BlockSize

// Q8_0BlockCount returns the number of blocks needed to store n elements.
func Q8_0BlockCount(n int) int {
	return (n + Q8_0BlockSize - 1) / Q8_0BlockSize
}

// QuantizeQ8_0 converts fp32 weights into the Q8_0 block format: for
// each run of up to 32 values, the block scale is max(|x|)/127 and each
// element is round(x / scale) clamped to one signed byte.
func QuantizeQ8_0(src []float32) []byte {
	n := len(src)
	blocks := Q8_0BlockCount(n)
	dst := make([]byte, blocks*Q8_0BlockBytes)

	for b := 0; b < blocks; b++ {
		start := b * Q8_0BlockSize
		end := start + Q8_0BlockSize
		if end > n {
			end = n
		}

		maxAbs := float32(0)
		for i := start; i < end; i++ {
			v := src[i]
			if v < 0 {
				v = -v
			}
			if v > maxAbs {
				maxAbs = v
			}
		}

		scale := maxAbs / 127.0
		inverseScale := float32(0)
		if maxAbs > 0 {
			inverseScale = 127.0 / maxAbs
		}

		blockOff := b * Q8_0BlockBytes
		scale16 := FromFloat32(scale)
		dst[blockOff] = byte(scale16)
		dst[blockOff+1] = byte(scale16 >> 8)

		for i := start; i < end; i++ {
			q := int32(math.Round(float64(src[i] * inverseScale)))
			if q > 127 {
				q = 127
			} else if q < -128 {
				q = -128
			}
			dst[blockOff+2+(i-start)] = byte(int8(q))
		}
	}

	return dst
}

// DequantizeQ8_0 expands n Q8_0-encoded elements back to fp32.
func DequantizeQ8_0(src []byte, n int) []float32 {
	blocks := Q8_0BlockCount(n)
	dst := make([]float32, n)

	for b := 0; b < blocks; b++ {
		blockOff := b * Q8_0BlockBytes
		if blockOff+Q8_0BlockBytes > len(src) {
			break
		}
		scale16 := Float16(uint16(src[blockOff]) | uint16(src[blockOff+1])<<8)
		scale := scale16.ToFloat32()

		start := b * Q8_0BlockSize
		end := start + Q8_0BlockSize
		if end > n {
			end = n
		}

		for i := start; i < end; i++ {
			q := int8(src[blockOff+2+(i-start)])
			dst[i] = float32(q) * scale
		}
	}

	return dst
}
