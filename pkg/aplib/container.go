package aplib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// AP32 safe container: a 24-byte little-endian header followed by the
// packed bitstream.
const (
	Tag        = 0x32335041 // 'AP32'
	HeaderSize = 24
)

var (
	// ErrNotPacked means the buffer is not an AP32 container at all and
	// should be treated as plain data.
	ErrNotPacked = errors.New("aplib: not an AP32 container")
	// ErrHeader means the AP32 tag matched but the header fields are
	// inconsistent with the buffer.
	ErrHeader = errors.New("aplib: invalid AP32 header")
	// ErrChecksum is returned by Unpack when a stored CRC does not match.
	ErrChecksum = errors.New("aplib: checksum mismatch")
)

// A Header is the fixed AP32 container header. The CRCs cover the packed
// stream and the original data; whether they are verified is up to the
// caller (Unpack does, the in-process loader does not).
type Header struct {
	Tag        uint32
	HeaderSize uint32
	PackedSize uint32
	PackedCRC  uint32
	OrigSize   uint32
	OrigCRC    uint32
}

// ParseHeader validates b as an AP32 container. Buffers shorter than the
// minimum header or with a different tag are ErrNotPacked, never ErrHeader:
// they pass through to the Mach-O path untouched.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrNotPacked
	}
	h.Tag = binary.LittleEndian.Uint32(b[0:])
	if h.Tag != Tag {
		return h, ErrNotPacked
	}
	h.HeaderSize = binary.LittleEndian.Uint32(b[4:])
	h.PackedSize = binary.LittleEndian.Uint32(b[8:])
	h.PackedCRC = binary.LittleEndian.Uint32(b[12:])
	h.OrigSize = binary.LittleEndian.Uint32(b[16:])
	h.OrigCRC = binary.LittleEndian.Uint32(b[20:])

	if h.HeaderSize < HeaderSize || uint64(h.HeaderSize) > uint64(len(b)) {
		return h, ErrHeader
	}
	if h.PackedSize == 0 || uint64(h.PackedSize) > uint64(len(b))-uint64(h.HeaderSize) {
		return h, ErrHeader
	}
	if h.OrigSize == 0 {
		return h, ErrHeader
	}
	return h, nil
}

// Packed returns the packed bitstream window of a validated container.
func (h Header) Packed(b []byte) []byte {
	return b[h.HeaderSize : uint64(h.HeaderSize)+uint64(h.PackedSize)]
}

// Pack compresses data into a complete AP32 container with valid CRCs.
func Pack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("aplib: refusing to pack empty input")
	}
	packed := Compress(data)

	out := make([]byte, HeaderSize+len(packed))
	binary.LittleEndian.PutUint32(out[0:], Tag)
	binary.LittleEndian.PutUint32(out[4:], HeaderSize)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(packed)))
	binary.LittleEndian.PutUint32(out[12:], crc32.ChecksumIEEE(packed))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[20:], crc32.ChecksumIEEE(data))
	copy(out[HeaderSize:], packed)
	return out, nil
}

// Unpack parses, verifies and decompresses a complete AP32 container.
func Unpack(b []byte) ([]byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	packed := h.Packed(b)
	if crc32.ChecksumIEEE(packed) != h.PackedCRC {
		return nil, ErrChecksum
	}
	out := make([]byte, h.OrigSize)
	n, err := Depack(packed, out)
	if err != nil {
		return nil, err
	}
	if uint32(n) != h.OrigSize {
		return nil, fmt.Errorf("aplib: depacked %d bytes, header says %d", n, h.OrigSize)
	}
	if crc32.ChecksumIEEE(out) != h.OrigCRC {
		return nil, ErrChecksum
	}
	return out, nil
}
