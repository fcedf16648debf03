//go:build darwin && arm64

package sys

import "unsafe"

// Minimal Objective-C block plumbing. dyld4's withVMLayout / withRegions
// adapters take block pointers and call them straight through the invoke
// slot; the invoke functions here are assembly thunks that never re-enter
// Go, so they are safe to run on whatever stack dyld happens to be on.

const blockIsGlobal = 1 << 28

type blockDescriptor struct {
	reserved uintptr
	size     uintptr
}

type blockLiteral struct {
	isa        uintptr
	flags      int32
	reserved   int32
	invoke     uintptr
	descriptor *blockDescriptor
	captures   [6]uintptr
}

var descriptor = blockDescriptor{size: unsafe.Sizeof(blockLiteral{})}

// Assembly thunks; see sys_darwin_arm64.s.
func regionsThunk()
func makeLoaderThunk()

// funcPC returns the entry PC of an assembly function declared in Go.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// WithRegions drives dyld's region enumerator over the image at ma and
// copies the produced Region records (16 bytes each) into the raw buffer at
// buf. Returns the clamped record count.
func WithRegions(fn, ma, buf, max uintptr) uintptr {
	var n uintptr
	block := blockLiteral{
		flags:      blockIsGlobal,
		invoke:     funcPC(regionsThunk),
		descriptor: &descriptor,
		captures:   [6]uintptr{buf, max, uintptr(unsafe.Pointer(&n))},
	}
	Call(fn, ma, uintptr(unsafe.Pointer(&block)), 0, 0, 0, 0, 0, 0)
	return n
}

// WithVMLayoutMakeLoader runs MachOAnalyzer::withVMLayout on the mapped
// image and, inside its layout callback, constructs a JustInTimeLoader for
// it. Returns the new loader, or 0.
func WithVMLayoutMakeLoader(withVMLayout, ma, diag, jitMake, apis, path, fileID uintptr) uintptr {
	var loader uintptr
	block := blockLiteral{
		flags:      blockIsGlobal,
		invoke:     funcPC(makeLoaderThunk),
		descriptor: &descriptor,
		captures:   [6]uintptr{jitMake, apis, ma, path, fileID, uintptr(unsafe.Pointer(&loader))},
	}
	Call(withVMLayout, ma, diag, uintptr(unsafe.Pointer(&block)), 0, 0, 0, 0, 0)
	return loader
}
