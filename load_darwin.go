//go:build darwin && (arm64 || amd64)

package beignet

import (
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/beignet/internal/sys"
	"github.com/sliverarmory/beignet/pkg/aplib"
)

// Load maps the Mach-O image in buffer into the current process, links it
// against the host dyld state, runs its initializers and calls the exported
// symbol entrySymbol. The payload stays mapped for the life of the process.
//
// buffer may be a plain 64-bit Mach-O or an AP32 container; containers are
// depacked into anonymous pages first and the compressed input is never
// referenced again. Load never writes to disk and never calls libc.
func Load(buffer []byte, entrySymbol string) Code {
	if len(buffer) == 0 || entrySymbol == "" {
		return CodeInvalidArgument
	}
	entrySymbol = truncAtNul(entrySymbol)
	if entrySymbol == "" {
		return CodeInvalidArgument
	}

	hdr, packed, code := detectPacked(buffer)
	if code != CodeSuccess {
		return code
	}
	if packed {
		dst := sys.Alloc(uintptr(hdr.OrigSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if dst == 0 {
			return CodeDepackFailed
		}
		out := memSlice(dst, int(hdr.OrigSize))
		n, err := aplib.Depack(hdr.Packed(buffer), out)
		if err != nil || uint32(n) != hdr.OrigSize {
			return CodeDepackFailed
		}
		buffer = out
	}

	cache := openSharedCache(sys.SharedRegionCheckNp())
	if cache == nil {
		return CodeSharedCacheNotFound
	}
	libdyld := cache.findImage(libdyldPath)
	if libdyld == 0 {
		return CodeSharedCacheNotFound
	}

	return loadImage(cache, libdyld, buffer, entrySymbol)
}

// LoadErr is Load with an error-shaped result.
func LoadErr(buffer []byte, entrySymbol string) error {
	return Load(buffer, entrySymbol).Err()
}
