// Package beignet is a diskless in-memory Mach-O loader for darwin. Given a
// byte buffer holding a 64-bit Mach-O image (optionally wrapped in an aPLib
// AP32 container) and the name of an exported symbol, Load maps the image
// into the current process, resolves its dependencies through the host
// dynamic linker, applies fixups, runs initializers and calls the symbol.
// The payload never touches disk and the loader never calls libc.
//
// On arm64 the load is driven through dyld4's JustInTimeLoader pipeline; on
// amd64 the payload is normalized to a bundle and handed to the legacy
// NSObjectFileImage APIs. The split is compile-time.
//
// Load is not reentrant: concurrent calls in one process corrupt shared
// scratch state, and a successfully loaded payload stays mapped until the
// process exits.
package beignet

import "fmt"

// A Code is the loader's numeric result. The values are a wire contract
// with the caller and never change meaning.
type Code int32

const (
	CodeSuccess             Code = iota // entry invoked and returned
	CodeInvalidArgument                 // nil buffer, zero length or empty entry name
	CodeSharedCacheNotFound             // no shared region, or a required cached image is missing
	CodeRuntimeStateMissing             // dyld apis / syscall-delegate pointer not present
	CodeSymbolsUnresolved               // one or more required internal symbols unresolved
	CodeEmptyVMSpace                    // segment-layout analyzer reported zero VM space
	CodeVMReserveFailed                 // failed to reserve payload VM
	CodeScratchAllocFailed              // failed to allocate scratch page
	CodeLoaderMakeFailed                // just-in-time loader construction failed
	CodeDependentsFailed                // dependent loading or fixups reported a diagnostics error
	CodeTextMissing                     // __TEXT segment missing in mapped image
	CodeBadLoadAddress                  // load address below __TEXT vmaddr, or stable symbol APIs unresolved
	CodeEntryNotFound                   // entry symbol not found in image
	CodeEntryNoAddress                  // entry symbol has no address
	CodeBadAplibHeader                  // aPLib header invalid
	CodeDepackFailed                    // aPLib depack failure
	CodeImagePrepFailed                 // image preparation or create-object-file-image failed
	CodeLinkFailed                      // link-module failed
)

var codeStrings = [...]string{
	CodeSuccess:             "success",
	CodeInvalidArgument:     "invalid argument",
	CodeSharedCacheNotFound: "shared cache or required cached image not found",
	CodeRuntimeStateMissing: "dyld runtime state not reachable",
	CodeSymbolsUnresolved:   "required dyld internal symbols unresolved",
	CodeEmptyVMSpace:        "segment layout analyzer reported zero vm space",
	CodeVMReserveFailed:     "failed to reserve payload vm",
	CodeScratchAllocFailed:  "failed to allocate scratch page",
	CodeLoaderMakeFailed:    "just-in-time loader construction failed",
	CodeDependentsFailed:    "dependent loading or fixups failed",
	CodeTextMissing:         "__TEXT segment missing in mapped image",
	CodeBadLoadAddress:      "bad load address",
	CodeEntryNotFound:       "entry symbol not found",
	CodeEntryNoAddress:      "entry symbol has no address",
	CodeBadAplibHeader:      "invalid aPLib header",
	CodeDepackFailed:        "aPLib depack failed",
	CodeImagePrepFailed:     "image preparation failed",
	CodeLinkFailed:          "link module failed",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeStrings) {
		return codeStrings[c]
	}
	return fmt.Sprintf("code %d", int32(c))
}

// Err returns nil for CodeSuccess and a *LoadError otherwise.
func (c Code) Err() error {
	if c == CodeSuccess {
		return nil
	}
	return &LoadError{Code: c}
}

// A LoadError wraps a non-zero Code for callers that want idiomatic errors
// while keeping the numeric contract reachable.
type LoadError struct {
	Code Code
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("beignet: %s (%d)", e.Code, int32(e.Code))
}
