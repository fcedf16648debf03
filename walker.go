package beignet

import (
	"unsafe"

	"github.com/sliverarmory/beignet/types"
)

// In-place Mach-O walking. These run against images that are already mapped
// (shared-cache dylibs, dyld itself, the freshly mapped payload), so they
// chase load commands through live memory instead of reading a file.

// findSymbol walks the load commands of the 64-bit Mach-O at base, locates
// __TEXT, __LINKEDIT and LC_SYMTAB, and scans the nlist table for the first
// entry named symbol with a non-zero value. Returns value+slide, or 0 if any
// of the three anchors is missing or no entry matches.
func findSymbol(base uintptr, symbol string, slide uintptr) uintptr {
	hdr := (*types.FileHeader)(unsafe.Pointer(base))

	var text, linkedit *types.Segment64
	var symtab *types.SymtabCmd

	lc := base + unsafe.Sizeof(types.FileHeader{})
	for i := uint32(0); i < hdr.NCommands; i++ {
		cmd := (*types.LoadCommand)(unsafe.Pointer(lc))
		switch cmd.Cmd {
		case types.LC_SYMTAB:
			symtab = (*types.SymtabCmd)(unsafe.Pointer(lc))
		case types.LC_SEGMENT_64:
			seg := (*types.Segment64)(unsafe.Pointer(lc))
			switch types.SegName(seg.Name) {
			case "__LINKEDIT":
				linkedit = seg
			case "__TEXT":
				text = seg
			}
		}
		lc += uintptr(cmd.Len)
	}

	if linkedit == nil || symtab == nil || text == nil {
		return 0
	}

	// __LINKEDIT's position relative to the header differs between the file
	// layout the symtab offsets are expressed in and the VM layout we are
	// walking; fileSlide bridges the two.
	fileSlide := uintptr(linkedit.Addr) - uintptr(text.Addr) - uintptr(linkedit.Offset)
	strtab := base + fileSlide + uintptr(symtab.Stroff)

	nl := base + fileSlide + uintptr(symtab.Symoff)
	for i := uint32(0); i < symtab.Nsyms; i++ {
		entry := (*types.Nlist64)(unsafe.Pointer(nl + uintptr(i)*unsafe.Sizeof(types.Nlist64{})))
		if cstrEqual(strtab+uintptr(entry.Strx), symbol) {
			if entry.Value == 0 {
				continue
			}
			return uintptr(entry.Value) + slide
		}
	}

	return 0
}

// findSection returns section.addr+slide for the named section of the named
// segment, or 0.
func findSection(base uintptr, segName, sectName string, slide uintptr) uintptr {
	hdr := (*types.FileHeader)(unsafe.Pointer(base))

	lc := base + unsafe.Sizeof(types.FileHeader{})
	for i := uint32(0); i < hdr.NCommands; i++ {
		cmd := (*types.LoadCommand)(unsafe.Pointer(lc))
		if cmd.Cmd == types.LC_SEGMENT_64 {
			seg := (*types.Segment64)(unsafe.Pointer(lc))
			if types.SegName(seg.Name) == segName {
				sect := lc + unsafe.Sizeof(types.Segment64{})
				for j := uint32(0); j < seg.Nsect; j++ {
					s := (*types.Section64)(unsafe.Pointer(sect))
					if types.SegName(s.Name) == sectName {
						return uintptr(s.Addr) + slide
					}
					sect += unsafe.Sizeof(types.Section64{})
				}
			}
		}
		lc += uintptr(cmd.Len)
	}
	return 0
}

// findSegment returns the named segment command of the image at base, or nil.
func findSegment(base uintptr, segName string) *types.Segment64 {
	hdr := (*types.FileHeader)(unsafe.Pointer(base))

	lc := base + unsafe.Sizeof(types.FileHeader{})
	for i := uint32(0); i < hdr.NCommands; i++ {
		cmd := (*types.LoadCommand)(unsafe.Pointer(lc))
		if cmd.Cmd == types.LC_SEGMENT_64 {
			seg := (*types.Segment64)(unsafe.Pointer(lc))
			if types.SegName(seg.Name) == segName {
				return seg
			}
		}
		lc += uintptr(cmd.Len)
	}
	return nil
}
