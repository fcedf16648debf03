// Package sys issues the handful of system calls the loader needs as direct
// trap instructions, and provides the trampolines for calling into dyld's
// internals. Nothing here touches libc: a loader staged into a foreign
// process cannot assume any import graph beyond the kernel and the shared
// cache it walks by hand.
package sys

import "unsafe"

// BSD syscall numbers, class bits included.
const (
	trapMmap              = 0x20000c5
	trapMprotect          = 0x200004a
	trapSharedRegionCheck = 0x2000126
)

// MmapFailed is the mmap error sentinel; no errno is recoverable through
// the raw shims.
const MmapFailed = ^uintptr(0)

// Mmap issues the mmap trap. Returns the mapped address, or MmapFailed.
func Mmap(addr, length, prot, flags, fd, offset uintptr) uintptr

// Mprotect issues the mprotect trap. Returns 0, or ^uintptr(0) on error.
func Mprotect(addr, length, prot uintptr) uintptr

// SharedRegionCheckNp asks the kernel where the dyld shared region is
// mapped in this process. Returns 0 when there is none.
func SharedRegionCheckNp() uintptr

// Call invokes a C-ABI function pointer with up to eight integer register
// arguments and returns its first result register. Unused arguments must
// be zero.
func Call(fn, a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr

// A LockGuard is the by-value return of lsl::MemoryManager::lockGuard. The
// guard is returned indirectly (sret on amd64, x8 on arm64) and only the
// first word, the underlying lock pointer, is meaningful; the rest pads the
// frame out to what the callee expects to be allowed to write.
type LockGuard struct {
	Lock uintptr
	_    [3]uintptr
}

// CallGuard invokes an indirect-return method on mm and fills out.
func CallGuard(fn, mm uintptr, out *LockGuard)

// Alloc carves anonymous RW pages out of raw mmap, for scratch state that
// must not live on the Go heap. Returns 0 on failure.
func Alloc(n, prot, flags uintptr) uintptr {
	p := Mmap(0, n, prot, flags, ^uintptr(0), 0)
	if p == MmapFailed {
		return 0
	}
	return p
}

// Deref reads a pointer-sized word from raw memory.
func Deref(p uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(p))
}
