package types

import "unsafe"

// Opaque dyld4 runtime structures. dyld gives no ABI stability promises for
// any of these; the layouts are reconstructed from dyld's Loader.h and
// DyldRuntimeState.h and hold for the host versions the loader fingerprints.
// Fields the loader never touches are carried only to keep offsets right.

// A Region describes one mappable span of a Mach-O as computed by dyld's
// JustInTimeLoader::withRegions. Bits packs vmOffset:59, perms:3, isZeroFill:1,
// readOnlyData:1.
type Region struct {
	Bits       uint64
	FileOffset uint32
	FileSize   uint32
}

func (r Region) VMOffset() uint64 {
	return ExtractBits(r.Bits, 0, 59)
}

func (r Region) Perms() VmProtection {
	return VmProtection(ExtractBits(r.Bits, 59, 3))
}

func (r Region) IsZeroFill() bool {
	return ExtractBits(r.Bits, 62, 1) != 0
}

func (r Region) ReadOnlyData() bool {
	return ExtractBits(r.Bits, 63, 1) != 0
}

// NewRegionBits packs the Region bitfield; the inverse of the accessors
// above. Used by tests.
func NewRegionBits(vmOffset uint64, perms VmProtection, zeroFill, readOnlyData bool) uint64 {
	bits := MaskLSB64(vmOffset, 59) | uint64(perms&7)<<59
	if zeroFill {
		bits |= 1 << 62
	}
	if readOnlyData {
		bits |= 1 << 63
	}
	return bits
}

// A FileID identifies a backing file to dyld. The in-memory loader always
// hands dyld an invalid one.
type FileID struct {
	Inode   uint64
	ModTime uint64
	IsValid bool
	_       [7]byte
}

// A LoadChain link records which image caused a load; dyld walks it to
// resolve @rpath and @loader_path.
type LoadChain struct {
	Previous uintptr
	Image    uintptr
}

// LoadOptions is dyld4's Loader::LoadOptions flag bag. The trailing Finder
// and PathNotFoundHandler block pointers are left nil.
type LoadOptions struct {
	Launching           bool
	StaticLinkage       bool
	CanBeMissing        bool
	RtldLocal           bool
	RtldNoDelete        bool
	RtldNoLoad          bool
	InsertedDylib       bool
	CanBeDylib          bool
	CanBeBundle         bool
	CanBeExecutable     bool
	ForceUnloadable     bool
	UseFallBackPaths    bool
	_                   [4]byte
	RPathStack          *LoadChain
	Finder              uintptr
	PathNotFoundHandler uintptr
}

// A LoadedArray mirrors the vector of Loader pointers dyld keeps at
// RuntimeState+0x20. Append-only during a load, which is what makes the
// before/after size delta a faithful record of what one call created.
type LoadedArray struct {
	Allocator uintptr
	Elements  *uintptr
	Size      uintptr
	Capacity  uintptr
}

// At returns the i'th loader pointer.
func (a *LoadedArray) At(i uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(uintptr(unsafe.Pointer(a.Elements)) + i*unsafe.Sizeof(uintptr(0))))
}

// A LoaderSpan is the {elements, allocCount, usedCount} triple dyld's Array
// and std::span shims pass around.
type LoaderSpan struct {
	Elements   uintptr
	AllocCount uintptr
	UsedCount  uintptr
}

// A DataConstWriter is dyld4's DyldCacheDataConstLazyScopedWriter: the state
// pointer plus a was-made-writable latch, handed to every applyFixups call.
type DataConstWriter struct {
	State           uintptr
	WasMadeWritable bool
	_               [7]byte
}

// Loader overlays the head of a dyld4 Loader/JustInTimeLoader. Only the
// leading words are declared; dyld owns everything past State.
type Loader struct {
	Magic         uint32 // "l4yd"
	Info          uint16 // isPrebuilt:1, dylibInDyldCache:1, hasObjC:1, mayHavePlusLoad:1, hasReadOnlyData:1, neverUnload:1, leaveMapped:1
	_             uint16
	MappedAddress uintptr
	State         uint64 // pathOffset:16, dependentsSet:1, fixUpsApplied:1, inited:1, hidden:1, altInstallName:1, lateLeaveMapped:1, overridesCache:1, allDepsAreNormal:1, overrideIndex:15, depCount:16
}

const loaderLateLeaveMappedBit = 21

func (l *Loader) LateLeaveMapped() bool {
	return ExtractBits(l.State, loaderLateLeaveMappedBit, 1) != 0
}

// SetLateLeaveMapped marks the loader so dyld never unmaps the image out
// from under the caller.
func (l *Loader) SetLateLeaveMapped() {
	l.State |= 1 << loaderLateLeaveMappedBit
}
