//go:build darwin && amd64

package beignet

// The legacy pipeline: amd64 hosts still export the NSObjectFileImage
// family from libdyld, and those APIs will happily link a bundle that lives
// only in memory. The payload is normalized to a bundle first (the API
// refuses dylibs) and the stable exports are resolved by hand out of the
// shared cache so no libc or dlopen ever runs.

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/beignet/internal/sys"
)

// Stable libdyld exports.
const (
	symNSCreateObjectFileImageFromMemory = "_NSCreateObjectFileImageFromMemory"
	symNSLinkModule                      = "_NSLinkModule"
	symNSLookupSymbolInModule            = "_NSLookupSymbolInModule"
	symNSAddressOfSymbol                 = "_NSAddressOfSymbol"
	symNSDestroyObjectFileImage          = "_NSDestroyObjectFileImage"
)

const (
	nsObjectFileImageSuccess  = 1
	nsLinkModuleReturnOnError = 0x4
)

type legacyAPI struct {
	createImage  uintptr
	linkModule   uintptr
	lookupSymbol uintptr
	addressOf    uintptr
	destroyImage uintptr
}

func resolveLegacyAPI(libdyld, slide uintptr) (*legacyAPI, bool) {
	api := &legacyAPI{
		createImage:  findSymbol(libdyld, symNSCreateObjectFileImageFromMemory, slide),
		linkModule:   findSymbol(libdyld, symNSLinkModule, slide),
		lookupSymbol: findSymbol(libdyld, symNSLookupSymbolInModule, slide),
		addressOf:    findSymbol(libdyld, symNSAddressOfSymbol, slide),
		destroyImage: findSymbol(libdyld, symNSDestroyObjectFileImage, slide),
	}
	ok := api.createImage != 0 && api.linkModule != 0 && api.lookupSymbol != 0 &&
		api.addressOf != 0 && api.destroyImage != 0
	return api, ok
}

// loadImage normalizes the payload to an in-memory bundle and drives the
// stable linkage APIs: create object file image, link module, look up the
// entry, call it, destroy the image.
func loadImage(cache *sharedCache, libdyld uintptr, buffer []byte, entrySymbol string) Code {
	api, ok := resolveLegacyAPI(libdyld, cache.slide)
	if !ok {
		return CodeBadLoadAddress
	}

	bundle, code := normalizeToBundle(buffer)
	if code != CodeSuccess {
		return code
	}

	// the image must outlive this call; park it on anonymous pages rather
	// than the Go heap
	img := sys.Alloc(uintptr(len(bundle)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if img == 0 {
		return CodeImagePrepFailed
	}
	copyIn(img, bundle)

	// NUL-terminated strings for the C side, parked off the Go heap too
	names := sys.Alloc(uintptr(len(entrySymbol))+16, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if names == 0 {
		return CodeImagePrepFailed
	}
	copyIn(names, []byte(entrySymbol))
	moduleName := names + uintptr(len(entrySymbol)) + 1
	copyIn(moduleName, []byte("beignet"))

	var ofi uintptr
	rc := sys.Call(api.createImage, img, uintptr(len(bundle)),
		uintptr(unsafe.Pointer(&ofi)), 0, 0, 0, 0, 0)
	if rc != nsObjectFileImageSuccess || ofi == 0 {
		return CodeImagePrepFailed
	}

	module := sys.Call(api.linkModule, ofi, moduleName, nsLinkModuleReturnOnError, 0, 0, 0, 0, 0)
	if module == 0 {
		sys.Call(api.destroyImage, ofi, 0, 0, 0, 0, 0, 0, 0)
		return CodeLinkFailed
	}

	symbol := sys.Call(api.lookupSymbol, module, names, 0, 0, 0, 0, 0, 0)
	if symbol == 0 {
		sys.Call(api.destroyImage, ofi, 0, 0, 0, 0, 0, 0, 0)
		return CodeEntryNotFound
	}

	entry := sys.Call(api.addressOf, symbol, 0, 0, 0, 0, 0, 0, 0)
	if entry == 0 {
		sys.Call(api.destroyImage, ofi, 0, 0, 0, 0, 0, 0, 0)
		return CodeEntryNoAddress
	}

	sys.Call(entry, 0, 0, 0, 0, 0, 0, 0, 0)
	sys.Call(api.destroyImage, ofi, 0, 0, 0, 0, 0, 0, 0)

	return CodeSuccess
}
