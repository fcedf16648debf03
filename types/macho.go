// Mach-O 64-bit structures the loader walks in place. Layouts mirror
// <mach-o/loader.h> and <mach-o/nlist.h> exactly; every struct here is
// overlaid onto raw image bytes, so field order and padding are load-bearing.

package types

import "encoding/binary"

type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
)

var magicStrings = []IntName{
	{uint32(Magic32), "32-bit MachO"},
	{uint32(Magic64), "64-bit MachO"},
	{uint32(MagicFat), "Fat MachO"},
}

func (i Magic) Int() uint32      { return uint32(i) }
func (i Magic) String() string   { return StringName(uint32(i), magicStrings, false) }
func (i Magic) GoString() string { return StringName(uint32(i), magicStrings, true) }

// A HeaderFileType is the Mach-O file type, e.g. an object file, executable, or dynamic library.
type HeaderFileType uint32

const (
	MH_OBJECT   HeaderFileType = 0x1 /* relocatable object file */
	MH_EXECUTE  HeaderFileType = 0x2 /* demand paged executable file */
	MH_DYLIB    HeaderFileType = 0x6 /* dynamically bound shared library */
	MH_DYLINKER HeaderFileType = 0x7 /* dynamic link editor */
	MH_BUNDLE   HeaderFileType = 0x8 /* dynamically bound bundle file */
	MH_DSYM     HeaderFileType = 0xa /* companion file with only debug sections */
)

var fileTypeStrings = []IntName{
	{uint32(MH_OBJECT), "OBJECT"},
	{uint32(MH_EXECUTE), "EXECUTE"},
	{uint32(MH_DYLIB), "DYLIB"},
	{uint32(MH_DYLINKER), "DYLINKER"},
	{uint32(MH_BUNDLE), "BUNDLE"},
	{uint32(MH_DSYM), "DSYM"},
}

func (t HeaderFileType) String() string   { return StringName(uint32(t), fileTypeStrings, false) }
func (t HeaderFileType) GoString() string { return StringName(uint32(t), fileTypeStrings, true) }

// A FileHeader represents a 64-bit Mach-O file header.
type FileHeader struct {
	Magic        Magic
	CPU          uint32
	SubCPU       uint32
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        uint32
	Reserved     uint32
}

const FileHeaderSize64 = 8 * 4

func (h *FileHeader) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(h.Magic))
	o.PutUint32(b[4:], h.CPU)
	o.PutUint32(b[8:], h.SubCPU)
	o.PutUint32(b[12:], uint32(h.Type))
	o.PutUint32(b[16:], h.NCommands)
	o.PutUint32(b[20:], h.SizeCommands)
	o.PutUint32(b[24:], h.Flags)
	o.PutUint32(b[28:], h.Reserved)
	return FileHeaderSize64
}

// A LoadCmd is a Mach-O load command.
type LoadCmd uint32

const (
	LC_REQ_DYLD        LoadCmd = 0x80000000
	LC_SEGMENT         LoadCmd = 0x1  // segment of this file to be mapped
	LC_SYMTAB          LoadCmd = 0x2  // link-edit stab symbol table info
	LC_DYSYMTAB        LoadCmd = 0xb  // dynamic link-edit symbol table info
	LC_LOAD_DYLIB      LoadCmd = 0xc  // load dylib command
	LC_ID_DYLIB        LoadCmd = 0xd  // id dylib command
	LC_LOAD_WEAK_DYLIB LoadCmd = 0x18 | LC_REQ_DYLD
	LC_SEGMENT_64      LoadCmd = 0x19 // 64-bit segment of this file to be mapped
	LC_UUID            LoadCmd = 0x1b // the uuid
	LC_RPATH           LoadCmd = 0x1c | LC_REQ_DYLD // runpath additions
	LC_REEXPORT_DYLIB  LoadCmd = 0x1f | LC_REQ_DYLD // load and re-export dylib
	LC_LAZY_LOAD_DYLIB LoadCmd = 0x20 // delay load of dylib until first use
	LC_MAIN            LoadCmd = 0x28 | LC_REQ_DYLD // replacement for LC_UNIXTHREAD
)

var cmdStrings = []IntName{
	{uint32(LC_SEGMENT), "LC_SEGMENT"},
	{uint32(LC_SYMTAB), "LC_SYMTAB"},
	{uint32(LC_DYSYMTAB), "LC_DYSYMTAB"},
	{uint32(LC_LOAD_DYLIB), "LC_LOAD_DYLIB"},
	{uint32(LC_ID_DYLIB), "LC_ID_DYLIB"},
	{uint32(LC_LOAD_WEAK_DYLIB), "LC_LOAD_WEAK_DYLIB"},
	{uint32(LC_SEGMENT_64), "LC_SEGMENT_64"},
	{uint32(LC_UUID), "LC_UUID"},
	{uint32(LC_RPATH), "LC_RPATH"},
	{uint32(LC_REEXPORT_DYLIB), "LC_REEXPORT_DYLIB"},
	{uint32(LC_LAZY_LOAD_DYLIB), "LC_LAZY_LOAD_DYLIB"},
	{uint32(LC_MAIN), "LC_MAIN"},
}

func (c LoadCmd) Command() LoadCmd { return c }
func (c LoadCmd) String() string   { return StringName(uint32(c), cmdStrings, false) }
func (c LoadCmd) GoString() string { return StringName(uint32(c), cmdStrings, true) }

// A LoadCommand is the header every load command begins with.
type LoadCommand struct {
	Cmd LoadCmd
	Len uint32
}

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	LoadCmd              /* LC_SEGMENT_64 */
	Len     uint32       /* includes sizeof section_64 structs */
	Name    [16]byte     /* segment name */
	Addr    uint64       /* memory address of this segment */
	Memsz   uint64       /* memory size of this segment */
	Offset  uint64       /* file offset of this segment */
	Filesz  uint64       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    uint32       /* flags */
}

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    uint32
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

// A SymtabCmd is a Mach-O symbol table command.
type SymtabCmd struct {
	LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// An Nlist64 is a 64-bit Mach-O symbol table entry.
type Nlist64 struct {
	Strx  uint32 /* index into the string table */
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

const (
	N_STAB uint8 = 0xe0
	N_TYPE uint8 = 0x0e
	N_EXT  uint8 = 0x01
	N_SECT uint8 = 0x0e
)

// A DylibCmd covers LC_ID_DYLIB, LC_LOAD_{,WEAK_,LAZY_LOAD_}DYLIB and
// LC_REEXPORT_DYLIB; NameOffset is relative to the command start.
type DylibCmd struct {
	LoadCmd
	Len            uint32
	NameOffset     uint32
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

// SegName returns the NUL-trimmed segment/section name for a [16]byte field.
func SegName(b [16]byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b[:])
}

// PutSegName writes s into a [16]byte Mach-O name field.
func PutSegName(s string) (b [16]byte) {
	copy(b[:], s)
	return
}
