package beignet

import (
	"encoding/binary"

	"github.com/sliverarmory/beignet/pkg/aplib"
	"github.com/sliverarmory/beignet/types"
)

// Image preparation: AP32 detection for both paths, bundle normalization
// for the legacy one.

// detectPacked classifies buf. A buffer shorter than the minimum header or
// without the AP32 tag is plain Mach-O input (packed=false, CodeSuccess); a
// tagged buffer with inconsistent header fields is CodeBadAplibHeader.
func detectPacked(buf []byte) (aplib.Header, bool, Code) {
	hdr, err := aplib.ParseHeader(buf)
	switch err {
	case nil:
		return hdr, true, CodeSuccess
	case aplib.ErrNotPacked:
		return hdr, false, CodeSuccess
	default:
		return hdr, false, CodeBadAplibHeader
	}
}

// normalizeToBundle prepares a payload for the legacy NSObjectFileImage
// path, which only accepts bundles: the image is copied and, in the copy,
// every LC_ID_DYLIB is rewritten to LC_LAZY_LOAD_DYLIB and an MH_DYLIB
// filetype is flipped to MH_BUNDLE. Images that are neither dylib nor
// bundle cannot be normalized.
func normalizeToBundle(img []byte) ([]byte, Code) {
	if len(img) < types.FileHeaderSize64 {
		return nil, CodeImagePrepFailed
	}
	if binary.LittleEndian.Uint32(img[0:]) != uint32(types.Magic64) {
		return nil, CodeImagePrepFailed
	}

	out := append([]byte(nil), img...)

	filetype := types.HeaderFileType(binary.LittleEndian.Uint32(out[12:]))
	switch filetype {
	case types.MH_DYLIB:
		binary.LittleEndian.PutUint32(out[12:], uint32(types.MH_BUNDLE))
	case types.MH_BUNDLE:
		// already what NSCreateObjectFileImageFromMemory wants
	default:
		return nil, CodeImagePrepFailed
	}

	ncmds := binary.LittleEndian.Uint32(out[16:])
	sizeofcmds := binary.LittleEndian.Uint32(out[20:])
	end := uint64(types.FileHeaderSize64) + uint64(sizeofcmds)
	if end > uint64(len(out)) {
		return nil, CodeImagePrepFailed
	}

	sawIDDylib := false
	off := uint64(types.FileHeaderSize64)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > end {
			return nil, CodeImagePrepFailed
		}
		cmd := types.LoadCmd(binary.LittleEndian.Uint32(out[off:]))
		cmdsize := binary.LittleEndian.Uint32(out[off+4:])
		if cmdsize < 8 || off+uint64(cmdsize) > end {
			return nil, CodeImagePrepFailed
		}
		if cmd == types.LC_ID_DYLIB {
			binary.LittleEndian.PutUint32(out[off:], uint32(types.LC_LAZY_LOAD_DYLIB))
			sawIDDylib = true
		}
		off += uint64(cmdsize)
	}
	_ = sawIDDylib // bookkeeping carried over from the dyld-side convention

	return out, CodeSuccess
}
