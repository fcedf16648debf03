package beignet

import (
	"unsafe"

	"github.com/sliverarmory/beignet/types"
)

// Well-known shared-cache image paths the loader depends on.
const (
	dyldPath    = "/usr/lib/dyld"
	libdyldPath = "/usr/lib/system/libdyld.dylib"
)

// A sharedCache is a view over the live dyld shared region: the header as
// mapped into this process plus the slide between where the cache thinks it
// lives and where it actually does.
type sharedCache struct {
	base   uintptr
	header *types.CacheHeader
	slide  uintptr
}

// openSharedCache interprets the memory at base as a dyld shared-region
// header and computes the slide from the first mapping record. Returns nil
// if base is zero or the header carries no image directory.
func openSharedCache(base uintptr) *sharedCache {
	if base == 0 {
		return nil
	}
	hdr := (*types.CacheHeader)(unsafe.Pointer(base))

	off, count := hdr.ImageDirectory()
	if off == 0 || count == 0 {
		return nil
	}

	first := (*types.CacheMapping)(unsafe.Pointer(base + uintptr(hdr.MappingOffset)))
	return &sharedCache{
		base:   base,
		header: hdr,
		slide:  base - uintptr(first.Address),
	}
}

// findImage linearly scans the cache image directory for the image with the
// given install path and returns its slid load address, or 0.
func (c *sharedCache) findImage(path string) uintptr {
	off, count := c.header.ImageDirectory()
	dir := c.base + uintptr(off)
	for i := uint32(0); i < count; i++ {
		img := (*types.CacheImageInfo)(unsafe.Pointer(dir + uintptr(i)*unsafe.Sizeof(types.CacheImageInfo{})))
		if cstrEqual(c.base+uintptr(img.PathFileOffset), path) {
			return uintptr(img.Address) + c.slide
		}
	}
	return 0
}
