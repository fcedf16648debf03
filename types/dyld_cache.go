package types

// A CacheHeader is the header of the dyld shared region as mapped into every
// process. The layout tracks dyld's dyld_cache_format.h; the loader only
// consumes MappingOffset, the two image-directory field pairs and the first
// mapping, but the full layout is kept so the struct can be overlaid onto
// live cache memory.
type CacheHeader struct {
	Magic                     [16]byte
	MappingOffset             uint32
	MappingCount              uint32
	ImagesOffsetOld           uint32
	ImagesCountOld            uint32
	DyldBaseAddress           uint64
	CodeSignatureOffset       uint64
	CodeSignatureSize         uint64
	SlideInfoOffsetUnused     uint64
	SlideInfoSizeUnused       uint64
	LocalSymbolsOffset        uint64
	LocalSymbolsSize          uint64
	UUID                      [16]byte
	CacheType                 uint64
	BranchPoolsOffset         uint32
	BranchPoolsCount          uint32
	AccelerateInfoAddr        uint64
	AccelerateInfoSize        uint64
	ImagesTextOffset          uint64
	ImagesTextCount           uint64
	PatchInfoAddr             uint64
	PatchInfoSize             uint64
	OtherImageGroupAddrUnused uint64
	OtherImageGroupSizeUnused uint64
	ProgClosuresAddr          uint64
	ProgClosuresSize          uint64
	ProgClosuresTrieAddr      uint64
	ProgClosuresTrieSize      uint64
	Platform                  uint32
	FormatInfo                uint32 // formatVersion:8, dylibsExpectedOnDisk:1, simulator:1, locallyBuiltCache:1, builtFromChainedFixups:1
	SharedRegionStart         uint64
	SharedRegionSize          uint64
	MaxSlide                  uint64
	DylibsImageArrayAddr      uint64
	DylibsImageArraySize      uint64
	DylibsTrieAddr            uint64
	DylibsTrieSize            uint64
	OtherImageArrayAddr       uint64
	OtherImageArraySize       uint64
	OtherTrieAddr             uint64
	OtherTrieSize             uint64
	MappingWithSlideOffset    uint32
	MappingWithSlideCount     uint32
	DylibsPBLStateArrayUnused uint64
	DylibsPBLSetAddr          uint64
	ProgramsPBLSetPoolAddr    uint64
	ProgramsPBLSetPoolSize    uint64
	ProgramTrieAddr           uint64
	ProgramTrieSize           uint32
	OSVersion                 uint32
	AltPlatform               uint32
	AltOSVersion              uint32
	SwiftOptsOffset           uint64
	SwiftOptsSize             uint64
	SubCacheArrayOffset       uint32
	SubCacheArrayCount        uint32
	SymbolFileUUID            [16]byte
	RosettaReadOnlyAddr       uint64
	RosettaReadOnlySize       uint64
	RosettaReadWriteAddr      uint64
	RosettaReadWriteSize      uint64
	ImagesOffset              uint32
	ImagesCount               uint32
}

func (h *CacheHeader) FormatVersion() uint64 {
	return ExtractBits(uint64(h.FormatInfo), 0, 8)
}

func (h *CacheHeader) DylibsExpectedOnDisk() bool {
	return ExtractBits(uint64(h.FormatInfo), 8, 1) != 0
}

// ImageDirectory picks between the legacy and the current image-directory
// field pair; whichever is non-zero wins.
func (h *CacheHeader) ImageDirectory() (offset, count uint32) {
	count = h.ImagesCountOld
	if count == 0 {
		count = h.ImagesCount
	}
	offset = h.ImagesOffsetOld
	if offset == 0 {
		offset = h.ImagesOffset
	}
	return
}

// A CacheImageInfo is one entry of the shared-cache image directory.
type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// A CacheMapping is one shared_file_mapping record; Address is the virtual
// address the cache expects to occupy, so the difference between the live
// header address and the first mapping's Address is the cache slide.
type CacheMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}
