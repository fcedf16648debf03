package beignet

// In-memory Mach-O builder for tests: emits flat 64-bit images whose file
// and VM layouts coincide, which is all the walker and the preparation path
// care about.

import (
	"bytes"
	"encoding/binary"

	"github.com/sliverarmory/beignet/types"
)

type testSym struct {
	name  string
	value uint64
	typ   uint8
}

type testImage struct {
	filetype   types.HeaderFileType
	textBase   uint64
	syms       []testSym
	dylibID    string // emit LC_ID_DYLIB when set
	noText     bool
	noLinkedit bool
	noSymtab   bool
}

const (
	tiLinkeditOff = 0x400
	tiSectAddrOff = 0x100
)

func (ti testImage) build() []byte {
	if ti.filetype == 0 {
		ti.filetype = types.MH_BUNDLE
	}

	le := binary.LittleEndian
	var cmds bytes.Buffer
	ncmds := uint32(0)
	put := func(v any) {
		if err := binary.Write(&cmds, le, v); err != nil {
			panic(err)
		}
	}

	// symbol table goes at tiLinkeditOff: nlist entries, then the string
	// table with a leading NUL
	var nlists bytes.Buffer
	strtab := []byte{0}
	for _, s := range ti.syms {
		typ := s.typ
		if typ == 0 {
			typ = types.N_SECT | types.N_EXT
		}
		if err := binary.Write(&nlists, le, types.Nlist64{
			Strx:  uint32(len(strtab)),
			Type:  typ,
			Sect:  1,
			Value: s.value,
		}); err != nil {
			panic(err)
		}
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	symoff := uint32(tiLinkeditOff)
	stroff := symoff + uint32(nlists.Len())
	total := int(stroff) + len(strtab)

	if !ti.noText {
		put(types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     72 + 80,
			Name:    types.PutSegName("__TEXT"),
			Addr:    ti.textBase,
			Memsz:   tiLinkeditOff,
			Offset:  0,
			Filesz:  tiLinkeditOff,
			Maxprot: 5,
			Prot:    5,
			Nsect:   1,
		})
		put(types.Section64{
			Name:   types.PutSegName("__text"),
			Seg:    types.PutSegName("__TEXT"),
			Addr:   ti.textBase + tiSectAddrOff,
			Size:   0x10,
			Offset: tiSectAddrOff,
			Align:  2,
		})
		ncmds++
	}

	if ti.dylibID != "" {
		name := append([]byte(ti.dylibID), 0)
		pad := (8 - len(name)%8) % 8
		put(types.DylibCmd{
			LoadCmd:    types.LC_ID_DYLIB,
			Len:        24 + uint32(len(name)+pad),
			NameOffset: 24,
		})
		cmds.Write(name)
		cmds.Write(make([]byte, pad))
		ncmds++
	}

	if !ti.noLinkedit {
		put(types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     72,
			Name:    types.PutSegName("__LINKEDIT"),
			Addr:    ti.textBase + tiLinkeditOff,
			Memsz:   uint64(total - tiLinkeditOff),
			Offset:  tiLinkeditOff,
			Filesz:  uint64(total - tiLinkeditOff),
			Maxprot: 1,
			Prot:    1,
		})
		ncmds++
	}

	if !ti.noSymtab {
		put(types.SymtabCmd{
			LoadCmd: types.LC_SYMTAB,
			Len:     24,
			Symoff:  symoff,
			Nsyms:   uint32(len(ti.syms)),
			Stroff:  stroff,
			Strsize: uint32(len(strtab)),
		})
		ncmds++
	}

	hdr := types.FileHeader{
		Magic:        types.Magic64,
		Type:         ti.filetype,
		NCommands:    ncmds,
		SizeCommands: uint32(cmds.Len()),
	}

	img := make([]byte, total)
	hdr.Put(img, le)
	copy(img[types.FileHeaderSize64:], cmds.Bytes())
	copy(img[symoff:], nlists.Bytes())
	copy(img[stroff:], strtab)
	return img
}
