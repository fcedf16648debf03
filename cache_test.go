package beignet

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/sliverarmory/beignet/types"
)

// buildCache assembles a fake shared region in a byte buffer. Because the
// probe computes slide from the first mapping's expected address, the
// mapping is written relative to wherever the buffer actually landed.
func buildCache(slide uintptr, images map[string]uint64, legacyFields bool) []byte {
	const (
		mappingOff = 0x200
		dirOff     = 0x240
		pathsOff   = 0x800
		size       = 0x1000
	)
	buf := make([]byte, size)
	base := uintptr(unsafe.Pointer(&buf[0]))

	hdr := (*types.CacheHeader)(unsafe.Pointer(base))
	hdr.MappingOffset = mappingOff
	hdr.MappingCount = 1
	if legacyFields {
		hdr.ImagesOffsetOld = dirOff
		hdr.ImagesCountOld = uint32(len(images))
	} else {
		hdr.ImagesOffset = dirOff
		hdr.ImagesCount = uint32(len(images))
	}

	m := (*types.CacheMapping)(unsafe.Pointer(base + mappingOff))
	m.Address = uint64(base - slide)
	m.Size = size

	dir := base + dirOff
	pathCursor := pathsOff
	i := uintptr(0)
	for path, addr := range images {
		img := (*types.CacheImageInfo)(unsafe.Pointer(dir + i*unsafe.Sizeof(types.CacheImageInfo{})))
		img.Address = addr
		img.PathFileOffset = uint32(pathCursor)
		copy(buf[pathCursor:], path)
		pathCursor += len(path) + 1
		i++
	}
	return buf
}

func TestOpenSharedCache(t *testing.T) {
	for _, legacy := range []bool{true, false} {
		buf := buildCache(0x7000, map[string]uint64{dyldPath: 0x1000}, legacy)
		base := uintptr(unsafe.Pointer(&buf[0]))

		c := openSharedCache(base)
		if c == nil {
			t.Fatalf("openSharedCache (legacy=%v) = nil", legacy)
		}
		if c.slide != 0x7000 {
			t.Errorf("slide = %#x, want 0x7000", c.slide)
		}
		// probe invariant: slide + firstMapping.address == header address
		first := (*types.CacheMapping)(unsafe.Pointer(base + uintptr(c.header.MappingOffset)))
		if uintptr(first.Address)+c.slide != base {
			t.Errorf("slide + mapping address = %#x, want header %#x", uintptr(first.Address)+c.slide, base)
		}
		runtime.KeepAlive(buf)
	}
}

func TestOpenSharedCacheRejects(t *testing.T) {
	if openSharedCache(0) != nil {
		t.Error("openSharedCache(0) should be nil")
	}

	// a header with no image directory at all is useless to the loader
	buf := make([]byte, 0x1000)
	base := uintptr(unsafe.Pointer(&buf[0]))
	if openSharedCache(base) != nil {
		t.Error("openSharedCache over an empty directory should be nil")
	}
	runtime.KeepAlive(buf)
}

func TestFindImage(t *testing.T) {
	images := map[string]uint64{
		libdyldPath:              0x20000,
		dyldPath:                 0x30000,
		"/usr/lib/libobjc.dylib": 0x40000,
	}
	buf := buildCache(0x1000, images, false)
	base := uintptr(unsafe.Pointer(&buf[0]))
	defer runtime.KeepAlive(buf)

	c := openSharedCache(base)
	if c == nil {
		t.Fatal("openSharedCache = nil")
	}

	for path, addr := range images {
		if got := c.findImage(path); got != uintptr(addr)+c.slide {
			t.Errorf("findImage(%s) = %#x, want %#x", path, got, uintptr(addr)+c.slide)
		}
	}
	if got := c.findImage("/usr/lib/libdyld.dylib"); got != 0 {
		t.Errorf("findImage of a near-miss path = %#x, want 0", got)
	}
}
