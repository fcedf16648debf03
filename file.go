package beignet

// Read-only view of a Mach-O payload held in a byte buffer. This is the
// file-shaped counterpart of the raw walker: the staging tool and the tests
// want structured access to a payload before it is mapped, without the full
// weight of a general Mach-O library.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/go-dwarf"

	"github.com/sliverarmory/beignet/types"
)

// A File is a parsed 64-bit Mach-O image backed by the buffer it was
// opened from.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder

	Segs    []*Segment
	Sects   []*Section
	Symtab  *Symtab
	Dylibs  []Dylib
	Entry   uint64 // LC_MAIN entryoff, when present

	raw []byte
}

// A Segment is a parsed LC_SEGMENT_64 command.
type Segment struct {
	types.Segment64
	SegName string
}

// A Section is a parsed section header together with its backing bytes.
type Section struct {
	types.Section64
	SectName string
	Segment  string

	raw []byte
}

// Data returns the section contents from the backing buffer.
func (s *Section) Data() ([]byte, error) {
	if uint64(s.Offset)+s.Size > uint64(len(s.raw)) {
		return nil, fmt.Errorf("section %s.%s extends past end of buffer", s.Segment, s.SectName)
	}
	return s.raw[s.Offset : uint64(s.Offset)+s.Size], nil
}

// A Symbol is one nlist_64 entry with its name resolved.
type Symbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// A Symtab is the parsed LC_SYMTAB command and its entries.
type Symtab struct {
	types.SymtabCmd
	Syms []Symbol
}

// A Dylib records one dylib-referencing load command.
type Dylib struct {
	Cmd  types.LoadCmd
	Name string
}

// Open parses the 64-bit little-endian Mach-O image in b. The returned File
// aliases b; it does not copy.
func Open(b []byte) (*File, error) {
	f := &File{ByteOrder: binary.LittleEndian, raw: b}

	sr := bytes.NewReader(b)
	if err := binary.Read(sr, f.ByteOrder, &f.FileHeader); err != nil {
		return nil, fmt.Errorf("failed to read mach-o header: %v", err)
	}
	if f.Magic != types.Magic64 {
		return nil, fmt.Errorf("invalid magic %#x, only 64-bit Mach-O is supported", uint32(f.Magic))
	}

	end := uint64(types.FileHeaderSize64) + uint64(f.SizeCommands)
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("load commands extend past end of buffer")
	}

	off := uint64(types.FileHeaderSize64)
	for i := uint32(0); i < f.NCommands; i++ {
		if off+8 > end {
			return nil, fmt.Errorf("load command %d extends past sizeofcmds", i)
		}
		cmd := types.LoadCmd(f.ByteOrder.Uint32(b[off:]))
		cmdsize := f.ByteOrder.Uint32(b[off+4:])
		if cmdsize < 8 || off+uint64(cmdsize) > end {
			return nil, fmt.Errorf("load command %d (%s) has bad size %d", i, cmd, cmdsize)
		}
		body := b[off : off+uint64(cmdsize)]

		switch cmd {
		case types.LC_SEGMENT_64:
			var seg types.Segment64
			if err := binary.Read(bytes.NewReader(body), f.ByteOrder, &seg); err != nil {
				return nil, fmt.Errorf("failed to read LC_SEGMENT_64: %v", err)
			}
			s := &Segment{Segment64: seg, SegName: types.SegName(seg.Name)}
			f.Segs = append(f.Segs, s)

			sectOff := uint64(binary.Size(seg))
			for j := uint32(0); j < seg.Nsect; j++ {
				var sh types.Section64
				if sectOff+uint64(binary.Size(sh)) > uint64(len(body)) {
					return nil, fmt.Errorf("section %d of %s extends past command", j, s.SegName)
				}
				if err := binary.Read(bytes.NewReader(body[sectOff:]), f.ByteOrder, &sh); err != nil {
					return nil, fmt.Errorf("failed to read section header: %v", err)
				}
				f.Sects = append(f.Sects, &Section{
					Section64: sh,
					SectName:  types.SegName(sh.Name),
					Segment:   types.SegName(sh.Seg),
					raw:       b,
				})
				sectOff += uint64(binary.Size(sh))
			}
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(body), f.ByteOrder, &st); err != nil {
				return nil, fmt.Errorf("failed to read LC_SYMTAB: %v", err)
			}
			symtab, err := parseSymtab(b, st)
			if err != nil {
				return nil, err
			}
			f.Symtab = symtab
		case types.LC_ID_DYLIB, types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB,
			types.LC_REEXPORT_DYLIB, types.LC_LAZY_LOAD_DYLIB:
			var dl types.DylibCmd
			if err := binary.Read(bytes.NewReader(body), f.ByteOrder, &dl); err != nil {
				return nil, fmt.Errorf("failed to read dylib command: %v", err)
			}
			if uint64(dl.NameOffset) >= uint64(len(body)) {
				return nil, fmt.Errorf("dylib name offset %d out of range", dl.NameOffset)
			}
			name := body[dl.NameOffset:]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			f.Dylibs = append(f.Dylibs, Dylib{Cmd: cmd, Name: string(name)})
		case types.LC_MAIN:
			if cmdsize >= 16 {
				f.Entry = f.ByteOrder.Uint64(body[8:])
			}
		}
		off += uint64(cmdsize)
	}

	return f, nil
}

func parseSymtab(b []byte, st types.SymtabCmd) (*Symtab, error) {
	symEnd := uint64(st.Symoff) + uint64(st.Nsyms)*16
	strEnd := uint64(st.Stroff) + uint64(st.Strsize)
	if symEnd > uint64(len(b)) || strEnd > uint64(len(b)) {
		return nil, fmt.Errorf("symbol table extends past end of buffer")
	}
	strtab := b[st.Stroff:strEnd]

	symtab := &Symtab{SymtabCmd: st}
	sr := bytes.NewReader(b[st.Symoff:symEnd])
	for i := uint32(0); i < st.Nsyms; i++ {
		var nl types.Nlist64
		if err := binary.Read(sr, binary.LittleEndian, &nl); err != nil {
			return nil, fmt.Errorf("failed to read nlist entry %d: %v", i, err)
		}
		var name string
		if uint64(nl.Strx) < uint64(len(strtab)) {
			s := strtab[nl.Strx:]
			if j := bytes.IndexByte(s, 0); j >= 0 {
				s = s[:j]
			}
			name = string(s)
		}
		symtab.Syms = append(symtab.Syms, Symbol{
			Name:  name,
			Type:  nl.Type,
			Sect:  nl.Sect,
			Desc:  nl.Desc,
			Value: nl.Value,
		})
	}
	return symtab, nil
}

// Segment returns the named segment, or nil.
func (f *File) Segment(name string) *Segment {
	for _, s := range f.Segs {
		if s.SegName == name {
			return s
		}
	}
	return nil
}

// Section returns the named section of the named segment, or nil.
func (f *File) Section(segment, section string) *Section {
	for _, s := range f.Sects {
		if s.Segment == segment && s.SectName == section {
			return s
		}
	}
	return nil
}

// ExportedSymbol returns the defined external symbol with the given name.
func (f *File) ExportedSymbol(name string) (Symbol, bool) {
	if f.Symtab == nil {
		return Symbol{}, false
	}
	for _, sym := range f.Symtab.Syms {
		if sym.Name != name {
			continue
		}
		if sym.Type&types.N_STAB != 0 || sym.Type&types.N_EXT == 0 {
			continue
		}
		if sym.Value == 0 {
			continue
		}
		return sym, true
	}
	return Symbol{}, false
}

// DWARF returns the DWARF debug information of the image, when the payload
// was built with a __DWARF segment.
func (f *File) DWARF() (*dwarf.Data, error) {
	dwarfSuffix := func(s *Section) string {
		switch {
		case strings.HasPrefix(s.SectName, "__debug_"):
			return s.SectName[8:]
		case strings.HasPrefix(s.SectName, "__zdebug_"):
			return s.SectName[9:]
		default:
			return ""
		}
	}

	// Only the sections the dwarf package itself consumes.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	for _, s := range f.Sects {
		if s.Segment != "__DWARF" {
			continue
		}
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := s.Data()
		if err != nil {
			return nil, err
		}
		dat[suffix] = b
	}

	return dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
}
