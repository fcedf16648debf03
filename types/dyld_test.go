package types

import (
	"testing"
	"unsafe"
)

// The dyld structs are overlaid onto live memory; their sizes and key
// offsets are ABI, not implementation detail.
func TestDyldStructLayout(t *testing.T) {
	sizes := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"FileHeader", unsafe.Sizeof(FileHeader{}), 32},
		{"Segment64", unsafe.Sizeof(Segment64{}), 72},
		{"Section64", unsafe.Sizeof(Section64{}), 80},
		{"SymtabCmd", unsafe.Sizeof(SymtabCmd{}), 24},
		{"Nlist64", unsafe.Sizeof(Nlist64{}), 16},
		{"DylibCmd", unsafe.Sizeof(DylibCmd{}), 24},
		{"Region", unsafe.Sizeof(Region{}), 16},
		{"FileID", unsafe.Sizeof(FileID{}), 24},
		{"LoadChain", unsafe.Sizeof(LoadChain{}), 16},
		{"CacheImageInfo", unsafe.Sizeof(CacheImageInfo{}), 32},
		{"CacheMapping", unsafe.Sizeof(CacheMapping{}), 32},
		{"LoaderSpan", unsafe.Sizeof(LoaderSpan{}), 24},
		{"DataConstWriter", unsafe.Sizeof(DataConstWriter{}), 16},
		{"LoadedArray", unsafe.Sizeof(LoadedArray{}), 32},
	}
	for _, s := range sizes {
		if s.got != s.want {
			t.Errorf("sizeof(%s) = %d, want %d", s.name, s.got, s.want)
		}
	}

	if off := unsafe.Offsetof(LoadOptions{}.RPathStack); off != 16 {
		t.Errorf("LoadOptions.RPathStack offset = %d, want 16", off)
	}
	if off := unsafe.Offsetof(Loader{}.MappedAddress); off != 8 {
		t.Errorf("Loader.MappedAddress offset = %d, want 8", off)
	}
	if off := unsafe.Offsetof(Loader{}.State); off != 16 {
		t.Errorf("Loader.State offset = %d, want 16", off)
	}
	if off := unsafe.Offsetof(CacheHeader{}.ImagesOffset); off != 0x1c0 {
		t.Errorf("CacheHeader.ImagesOffset offset = %#x, want 0x1c0", off)
	}
}

func TestRegionBits(t *testing.T) {
	r := Region{
		Bits:       NewRegionBits(0x8000, 5, false, true),
		FileOffset: 0x4000,
		FileSize:   0x1000,
	}
	if got := r.VMOffset(); got != 0x8000 {
		t.Errorf("VMOffset() = %#x, want 0x8000", got)
	}
	if got := r.Perms(); got != 5 {
		t.Errorf("Perms() = %d, want 5", got)
	}
	if r.IsZeroFill() {
		t.Error("IsZeroFill() = true, want false")
	}
	if !r.ReadOnlyData() {
		t.Error("ReadOnlyData() = false, want true")
	}

	zf := Region{Bits: NewRegionBits(0, 3, true, false)}
	if !zf.IsZeroFill() {
		t.Error("IsZeroFill() = false, want true")
	}
}

func TestCacheHeaderImageDirectory(t *testing.T) {
	var h CacheHeader

	h.ImagesOffsetOld = 0x200
	h.ImagesCountOld = 12
	h.ImagesOffset = 0x9000
	h.ImagesCount = 3000
	if off, n := h.ImageDirectory(); off != 0x200 || n != 12 {
		t.Errorf("legacy fields should win when non-zero: got (%#x, %d)", off, n)
	}

	h.ImagesOffsetOld = 0
	h.ImagesCountOld = 0
	if off, n := h.ImageDirectory(); off != 0x9000 || n != 3000 {
		t.Errorf("current fields should win when legacy is zero: got (%#x, %d)", off, n)
	}
}

func TestLoaderLateLeaveMapped(t *testing.T) {
	var l Loader
	l.State = 0x00ff // pathOffset bits only
	if l.LateLeaveMapped() {
		t.Fatal("fresh loader must not have lateLeaveMapped set")
	}
	l.SetLateLeaveMapped()
	if !l.LateLeaveMapped() {
		t.Fatal("SetLateLeaveMapped did not stick")
	}
	if l.State&0x00ff != 0x00ff {
		t.Fatal("SetLateLeaveMapped clobbered neighboring bits")
	}
}
