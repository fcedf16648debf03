//go:build darwin && arm64

package beignet

// The modern pipeline: re-enter dyld4 and drive its JustInTimeLoader
// machinery against a buffer that never existed on disk. Everything below
// depends on dyld internals with no ABI promise; the loader fingerprints
// the exact symbols and offsets it needs and fails fast when the host has
// moved on.

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/beignet/internal/sys"
	"github.com/sliverarmory/beignet/types"
)

// Mangled dyld4 internals resolved from /usr/lib/dyld's symbol table.
const (
	symJITLoaderMake    = "__ZN5dyld416JustInTimeLoader4makeERNS_12RuntimeStateEPKN5dyld39MachOFileEPKcRKNS_6FileIDEybbbtPKN6mach_o6LayoutE"
	symWithVMLayout     = "__ZNK5dyld313MachOAnalyzer12withVMLayoutER11DiagnosticsU13block_pointerFvRKN6mach_o6LayoutEE"
	symAnalyzeSegLayout = "__ZNK5dyld39MachOFile21analyzeSegmentsLayoutERyRb"
	symWithRegions      = "__ZN5dyld416JustInTimeLoader11withRegionsEPKN5dyld39MachOFileEU13block_pointerFvRKNS1_5ArrayINS_6Loader6RegionEEEE"
	symLoadDependents   = "__ZN5dyld46Loader14loadDependentsER11DiagnosticsRNS_12RuntimeStateERKNS0_11LoadOptionsE"
	symApplyFixups      = "__ZNK5dyld46Loader11applyFixupsER11DiagnosticsRNS_12RuntimeStateERNS_34DyldCacheDataConstLazyScopedWriterEbPN3lsl6VectorINSt3__14pairIPKS0_PKcEEEE"
	symIncDlRefCount    = "__ZN5dyld412RuntimeState13incDlRefCountEPKNS_6LoaderE"
	symRunInitializers  = "__ZNK5dyld46Loader38runInitializersBottomUpPlusUpwardLinksERNS_12RuntimeStateE"
	symDiagCtor         = "__ZN11DiagnosticsC1Eb"
	symDiagClearError   = "__ZN11Diagnostics10clearErrorEv"
	symDiagHasError     = "__ZNK11Diagnostics8hasErrorEv"

	// Writable-state primitives; optional, the load proceeds without them.
	symMemoryManager = "__ZN3lsl13MemoryManager13memoryManagerEv"
	symLockGuard     = "__ZN3lsl13MemoryManager9lockGuardEv"
	symWriteProtect  = "__ZN3lsl13MemoryManager12writeProtectEb"
	symLockUnlock    = "__ZN3lsl4Lock6unlockEv"
)

// Hand-verified offsets into dyld's private state. Host-version dependent.
const (
	apisSyscallDelegate = 8    // RuntimeState -> SyscallDelegate*
	apisMainImage       = 24   // RuntimeState -> main executable Loader*
	apisLoadedSet       = 32   // RuntimeState -> Vector<Loader*>
	mmWritableCounter   = 0x18 // MemoryManager -> writeable-use counter
)

const (
	scratchSize = 0x4000 // one arm64 page
	diagSize    = 0x200
	maxRegions  = 64
)

type dyldInternals struct {
	jitMake          uintptr
	withVMLayout     uintptr
	analyzeSegLayout uintptr
	withRegions      uintptr
	loadDependents   uintptr
	applyFixups      uintptr
	incDlRefCount    uintptr
	runInitializers  uintptr
	diagCtor         uintptr
	diagClearError   uintptr
	diagHasError     uintptr

	memoryManager uintptr
	lockGuard     uintptr
	writeProtect  uintptr
	lockUnlock    uintptr
}

func resolveInternals(dyld uintptr, slide uintptr) (*dyldInternals, bool) {
	in := &dyldInternals{
		jitMake:          findSymbol(dyld, symJITLoaderMake, slide),
		withVMLayout:     findSymbol(dyld, symWithVMLayout, slide),
		analyzeSegLayout: findSymbol(dyld, symAnalyzeSegLayout, slide),
		withRegions:      findSymbol(dyld, symWithRegions, slide),
		loadDependents:   findSymbol(dyld, symLoadDependents, slide),
		applyFixups:      findSymbol(dyld, symApplyFixups, slide),
		incDlRefCount:    findSymbol(dyld, symIncDlRefCount, slide),
		runInitializers:  findSymbol(dyld, symRunInitializers, slide),
		diagCtor:         findSymbol(dyld, symDiagCtor, slide),
		diagClearError:   findSymbol(dyld, symDiagClearError, slide),
		diagHasError:     findSymbol(dyld, symDiagHasError, slide),

		memoryManager: findSymbol(dyld, symMemoryManager, slide),
		lockGuard:     findSymbol(dyld, symLockGuard, slide),
		writeProtect:  findSymbol(dyld, symWriteProtect, slide),
		lockUnlock:    findSymbol(dyld, symLockUnlock, slide),
	}
	ok := in.jitMake != 0 && in.withVMLayout != 0 && in.analyzeSegLayout != 0 &&
		in.withRegions != 0 && in.loadDependents != 0 && in.applyFixups != 0 &&
		in.incDlRefCount != 0 && in.runInitializers != 0 &&
		in.diagCtor != 0 && in.diagClearError != 0 && in.diagHasError != 0
	return in, ok
}

func (in *dyldInternals) clearDiag(diag uintptr) {
	sys.Call(in.diagClearError, diag, 0, 0, 0, 0, 0, 0, 0)
}

func (in *dyldInternals) diagFailed(diag uintptr) bool {
	return sys.Call(in.diagHasError, diag, 0, 0, 0, 0, 0, 0, 0)&1 != 0
}

// enterWritableDyldState bumps the writable-use counter under dyld's own
// lock, flipping its private heap RW on the 0->1 edge. Returns false when
// any primitive is missing, in which case the exit is skipped too.
func (in *dyldInternals) enterWritableDyldState(mm uintptr) bool {
	if mm == 0 || in.lockGuard == 0 || in.writeProtect == 0 || in.lockUnlock == 0 {
		return false
	}
	var guard sys.LockGuard
	sys.CallGuard(in.lockGuard, mm, &guard)
	counter := (*uintptr)(unsafe.Pointer(mm + mmWritableCounter))
	if *counter == 0 {
		sys.Call(in.writeProtect, mm, 0, 0, 0, 0, 0, 0, 0)
	}
	*counter++
	sys.Call(in.lockUnlock, guard.Lock, 0, 0, 0, 0, 0, 0, 0)
	return true
}

func (in *dyldInternals) exitWritableDyldState(mm uintptr) {
	var guard sys.LockGuard
	sys.CallGuard(in.lockGuard, mm, &guard)
	counter := (*uintptr)(unsafe.Pointer(mm + mmWritableCounter))
	if *counter != 0 {
		*counter--
		if *counter == 0 {
			sys.Call(in.writeProtect, mm, 1, 0, 0, 0, 0, 0, 0)
		}
	}
	sys.Call(in.lockUnlock, guard.Lock, 0, 0, 0, 0, 0, 0, 0)
}

// scratch is the single-page overlay holding every structure dyld is handed
// by pointer during the load. Carved by cursor so the slots cannot overlap.
type scratch struct {
	topLoader   *uintptr
	fileID      *types.FileID
	diag        uintptr
	chainMain   *types.LoadChain
	chainCaller *types.LoadChain
	chainTop    *types.LoadChain
	options     *types.LoadOptions
	rc          *int64
}

func carveScratch(base uintptr) *scratch {
	cur := base
	take := func(n uintptr) uintptr {
		p := cur
		cur += n
		return p
	}
	s := &scratch{
		topLoader:   (*uintptr)(unsafe.Pointer(take(8))),
		fileID:      (*types.FileID)(unsafe.Pointer(take(unsafe.Sizeof(types.FileID{})))),
		diag:        take(diagSize),
		chainMain:   (*types.LoadChain)(unsafe.Pointer(take(unsafe.Sizeof(types.LoadChain{})))),
		chainCaller: (*types.LoadChain)(unsafe.Pointer(take(unsafe.Sizeof(types.LoadChain{})))),
		chainTop:    (*types.LoadChain)(unsafe.Pointer(take(unsafe.Sizeof(types.LoadChain{})))),
		options:     (*types.LoadOptions)(unsafe.Pointer(take(unsafe.Sizeof(types.LoadOptions{})))),
		rc:          (*int64)(unsafe.Pointer(take(8))),
	}
	// the payload path string dyld sees; anything short and stable works
	path := take(2)
	*(*byte)(unsafe.Pointer(path)) = 'A'
	*(*byte)(unsafe.Pointer(path + 1)) = 0
	s.fileID.IsValid = false
	*s.rc = 0
	return s
}

// scratchPathOffset is where carveScratch places the NUL-terminated image
// path, relative to the page base.
const scratchPathOffset = 8 + 24 + diagSize + 3*16 + 40 + 8

// mapSegments reserves the payload's VM span and copies every mappable
// region into place with its final protections.
func mapSegments(in *dyldInternals, buffer uintptr) (loadAddress, vmSpace uintptr, code Code) {
	var hasZeroFill bool
	sys.Call(in.analyzeSegLayout, buffer,
		uintptr(unsafe.Pointer(&vmSpace)), uintptr(unsafe.Pointer(&hasZeroFill)),
		0, 0, 0, 0, 0)
	if vmSpace == 0 {
		return 0, 0, CodeEmptyVMSpace
	}

	loadAddress = sys.Mmap(0, vmSpace, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_JIT, ^uintptr(0), 0)
	if loadAddress == sys.MmapFailed || loadAddress == 0 {
		return 0, 0, CodeVMReserveFailed
	}

	var regions [maxRegions]types.Region
	n := sys.WithRegions(in.withRegions, buffer, uintptr(unsafe.Pointer(&regions[0])), maxRegions)

	// pre-sliced images only, so the slice offset into the buffer is zero
	segIndex := 0
	for i := uintptr(0); i < n; i++ {
		r := regions[i]
		if r.IsZeroFill() || r.FileSize == 0 {
			continue
		}
		if r.VMOffset() == 0 && segIndex > 0 {
			continue // duplicate header mapping
		}
		if uintptr(r.VMOffset())+uintptr(r.FileSize) > vmSpace {
			continue
		}
		seg := sys.Mmap(loadAddress+uintptr(r.VMOffset()), uintptr(r.FileSize),
			unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON, ^uintptr(0), 0)
		if seg == sys.MmapFailed || seg == 0 {
			continue
		}
		copyMem(seg, buffer+uintptr(r.FileOffset), uintptr(r.FileSize))
		sys.Mprotect(seg, uintptr(r.FileSize), uintptr(r.Perms()))
		segIndex++
	}

	return loadAddress, vmSpace, CodeSuccess
}

// loadImage drives dyld4 end to end: map, make loader, load dependents,
// fix up, bump the dl refcount, run initializers, then resolve and call the
// entry symbol inside the freshly mapped image.
func loadImage(cache *sharedCache, libdyld uintptr, buffer []byte, entrySymbol string) Code {
	dyld := cache.findImage(dyldPath)
	if dyld == 0 {
		return CodeSharedCacheNotFound
	}

	apisSection := findSection(libdyld, "__TPRO_CONST", "__dyld_apis", cache.slide)
	if apisSection == 0 {
		return CodeRuntimeStateMissing
	}
	apis := sys.Deref(apisSection)
	if apis == 0 {
		return CodeRuntimeStateMissing
	}
	if sys.Deref(apis+apisSyscallDelegate) == 0 {
		return CodeRuntimeStateMissing
	}

	in, ok := resolveInternals(dyld, cache.slide)
	if !ok {
		return CodeSymbolsUnresolved
	}

	var mm uintptr
	if in.memoryManager != 0 {
		mm = sys.Call(in.memoryManager, 0, 0, 0, 0, 0, 0, 0, 0)
	}

	raw := uintptr(unsafe.Pointer(&buffer[0]))
	loadAddress, _, code := mapSegments(in, raw)
	if code != CodeSuccess {
		return code
	}

	page := sys.Alloc(scratchSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if page == 0 {
		return CodeScratchAllocFailed
	}
	s := carveScratch(page)

	// dyld expects a constructed Diagnostics, not zeroed memory
	sys.Call(in.diagCtor, s.diag, 0, 0, 0, 0, 0, 0, 0)

	entered := in.enterWritableDyldState(mm)
	runPipeline(in, apis, s, page, loadAddress)
	if entered {
		in.exitWritableDyldState(mm)
	}

	if *s.rc != 0 {
		return Code(*s.rc)
	}
	topLoader := *s.topLoader
	if topLoader == 0 {
		return CodeLoaderMakeFailed
	}

	// entry dispatch: the image is live, walk it like any other
	text := findSegment(loadAddress, "__TEXT")
	if text == nil {
		return CodeTextMissing
	}
	if loadAddress < uintptr(text.Addr) {
		return CodeBadLoadAddress
	}
	imageSlide := loadAddress - uintptr(text.Addr)
	entry := findSymbol(loadAddress, entrySymbol, imageSlide)
	if entry == 0 {
		return CodeEntryNotFound
	}
	sys.Call(entry, 0, 0, 0, 0, 0, 0, 0, 0)

	return CodeSuccess
}

// runPipeline is the section of the load that must happen with dyld's
// writable state open. Failures land in the scratch rc slot.
func runPipeline(in *dyldInternals, apis uintptr, s *scratch, page, loadAddress uintptr) {
	loaded := (*types.LoadedArray)(unsafe.Pointer(apis + apisLoadedSet))
	startCount := loaded.Size

	in.clearDiag(s.diag)
	*s.topLoader = sys.WithVMLayoutMakeLoader(
		in.withVMLayout, loadAddress, s.diag,
		in.jitMake, apis, page+scratchPathOffset,
		uintptr(unsafe.Pointer(s.fileID)))
	if *s.topLoader == 0 {
		*s.rc = int64(CodeLoaderMakeFailed)
		return
	}
	top := (*types.Loader)(unsafe.Pointer(*s.topLoader))
	top.SetLateLeaveMapped()

	// main executable -> initial caller -> the new image
	s.chainMain.Previous = 0
	s.chainMain.Image = sys.Deref(apis + apisMainImage)
	s.chainCaller.Previous = uintptr(unsafe.Pointer(s.chainMain))
	s.chainCaller.Image = uintptr(unsafe.Pointer(loaded.Elements))
	s.chainTop.Previous = uintptr(unsafe.Pointer(s.chainCaller))
	s.chainTop.Image = *s.topLoader

	*s.options = types.LoadOptions{
		RtldNoDelete:     true,
		CanBeDylib:       true,
		UseFallBackPaths: true,
		RPathStack:       s.chainTop,
	}

	sys.Call(in.loadDependents, *s.topLoader, s.diag, apis,
		uintptr(unsafe.Pointer(s.options)), 0, 0, 0, 0)
	if in.diagFailed(s.diag) {
		*s.rc = int64(CodeDependentsFailed)
		return
	}

	// fix up exactly the loaders this call appended, nothing else
	newCount := loaded.Size - startCount
	writer := types.DataConstWriter{State: apis}
	for i := uintptr(0); i != newCount; i++ {
		ldr := loaded.At(startCount + i)
		in.clearDiag(s.diag)
		sys.Call(in.applyFixups, ldr, s.diag, apis,
			uintptr(unsafe.Pointer(&writer)), 1, 0, 0, 0)
		if in.diagFailed(s.diag) {
			*s.rc = int64(CodeDependentsFailed)
			return
		}
	}

	sys.Call(in.incDlRefCount, apis, *s.topLoader, 0, 0, 0, 0, 0, 0)
	sys.Call(in.runInitializers, *s.topLoader, apis, 0, 0, 0, 0, 0, 0)
}
