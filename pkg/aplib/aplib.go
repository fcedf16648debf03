// Package aplib implements the aPLib "safe" LZSS variant: gamma2-coded
// offsets, four opcodes selected by 1-3 bit prefixes, and a depacker that
// bounds-checks every source read and every destination write so truncated
// or hostile input can never run past either buffer.
package aplib

import "errors"

// ErrCorrupt is returned for any truncated stream, oversized back-reference
// or destination overrun. The depacker makes no attempt to distinguish them;
// the first violation wins.
var ErrCorrupt = errors.New("aplib: corrupt or truncated stream")

type depacker struct {
	src      []byte
	sp       int
	dst      []byte
	dp       int
	tag      uint32
	bitcount int
}

func (d *depacker) getBit() (uint32, bool) {
	if d.bitcount == 0 {
		if d.sp >= len(d.src) {
			return 0, false
		}
		d.tag = uint32(d.src[d.sp])
		d.sp++
		d.bitcount = 8
	}
	d.bitcount--
	bit := (d.tag >> 7) & 1
	d.tag <<= 1
	return bit, true
}

func (d *depacker) getGamma() (uint32, bool) {
	v := uint32(1)
	for {
		bit, ok := d.getBit()
		if !ok {
			return 0, false
		}
		if v&0x80000000 != 0 {
			return 0, false
		}
		v = (v << 1) + bit
		more, ok := d.getBit()
		if !ok {
			return 0, false
		}
		if more == 0 {
			return v, true
		}
	}
}

func (d *depacker) copyMatch(offs, length int) bool {
	if offs > d.dp {
		return false
	}
	if length > len(d.dst)-d.dp {
		return false
	}
	for ; length > 0; length-- {
		d.dst[d.dp] = d.dst[d.dp-offs]
		d.dp++
	}
	return true
}

// Depack decodes an aPLib bitstream from src into dst and returns the number
// of bytes produced. dst must be at least as large as the decompressed
// output; a stream that would overrun it fails with ErrCorrupt rather than
// truncating.
func Depack(src, dst []byte) (int, error) {
	d := depacker{src: src, dst: dst}

	// first byte is always a verbatim literal
	if len(src) == 0 || len(dst) == 0 {
		return 0, ErrCorrupt
	}
	d.dst[0] = d.src[0]
	d.sp, d.dp = 1, 1

	lwm := false
	r0 := -1

	for {
		bit, ok := d.getBit()
		if !ok {
			return 0, ErrCorrupt
		}

		if bit == 0 { // 0: verbatim literal
			if d.sp >= len(d.src) || d.dp >= len(d.dst) {
				return 0, ErrCorrupt
			}
			d.dst[d.dp] = d.src[d.sp]
			d.sp++
			d.dp++
			lwm = false
			continue
		}

		bit, ok = d.getBit()
		if !ok {
			return 0, ErrCorrupt
		}

		if bit == 0 { // 10: gamma offset + gamma length
			g, ok := d.getGamma()
			if !ok {
				return 0, ErrCorrupt
			}

			if !lwm && g == 2 {
				// reuse the previous match offset
				length, ok := d.getGamma()
				if !ok {
					return 0, ErrCorrupt
				}
				if r0 < 0 || !d.copyMatch(r0, int(length)) {
					return 0, ErrCorrupt
				}
			} else {
				if lwm {
					g -= 2
				} else {
					g -= 3
				}
				if g > 0x00fffffe {
					return 0, ErrCorrupt
				}
				if d.sp >= len(d.src) {
					return 0, ErrCorrupt
				}
				offs := int(g)<<8 + int(d.src[d.sp])
				d.sp++

				length, ok := d.getGamma()
				if !ok {
					return 0, ErrCorrupt
				}
				if offs >= 32000 {
					length++
				}
				if offs >= 1280 {
					length++
				}
				if offs < 128 {
					length += 2
				}
				if !d.copyMatch(offs, int(length)) {
					return 0, ErrCorrupt
				}
				r0 = offs
			}
			lwm = true
			continue
		}

		bit, ok = d.getBit()
		if !ok {
			return 0, ErrCorrupt
		}

		if bit == 0 { // 110: 7-bit offset, 2-3 byte match; offset 0 terminates
			if d.sp >= len(d.src) {
				return 0, ErrCorrupt
			}
			b := int(d.src[d.sp])
			d.sp++

			length := 2 + (b & 1)
			offs := b >> 1
			if offs == 0 {
				return d.dp, nil
			}
			if !d.copyMatch(offs, length) {
				return 0, ErrCorrupt
			}
			r0 = offs
			lwm = true
			continue
		}

		// 111: 4-bit near match or zero byte
		offs := 0
		for i := 0; i < 4; i++ {
			bit, ok = d.getBit()
			if !ok {
				return 0, ErrCorrupt
			}
			offs = (offs << 1) + int(bit)
		}
		if d.dp >= len(d.dst) {
			return 0, ErrCorrupt
		}
		if offs != 0 {
			if offs > d.dp {
				return 0, ErrCorrupt
			}
			d.dst[d.dp] = d.dst[d.dp-offs]
		} else {
			d.dst[d.dp] = 0
		}
		d.dp++
		lwm = false
	}
}
