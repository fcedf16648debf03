package beignet

import (
	"testing"

	"github.com/sliverarmory/beignet/types"
)

func TestOpen(t *testing.T) {
	img := testImage{
		filetype: types.MH_DYLIB,
		textBase: 0x100000000,
		dylibID:  "/usr/lib/payload.dylib",
		syms: []testSym{
			{name: "_go", value: 0x100000200},
			{name: "_helper", value: 0x100000300},
		},
	}.build()

	f, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}

	if f.Type != types.MH_DYLIB {
		t.Errorf("Type = %v, want MH_DYLIB", f.Type)
	}
	if len(f.Segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(f.Segs))
	}

	text := f.Segment("__TEXT")
	if text == nil || text.Addr != 0x100000000 {
		t.Fatalf("Segment(__TEXT) = %+v", text)
	}
	if f.Segment("__DATA") != nil {
		t.Error("Segment(__DATA) should be nil")
	}

	sect := f.Section("__TEXT", "__text")
	if sect == nil {
		t.Fatal("Section(__TEXT, __text) = nil")
	}
	if sect.Addr != 0x100000100 || sect.Size != 0x10 {
		t.Errorf("section addr/size = %#x/%#x", sect.Addr, sect.Size)
	}
	data, err := sect.Data()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0x10 {
		t.Errorf("section data length = %d, want 16", len(data))
	}

	if len(f.Dylibs) != 1 || f.Dylibs[0].Name != "/usr/lib/payload.dylib" {
		t.Errorf("Dylibs = %+v", f.Dylibs)
	}

	if f.Symtab == nil || len(f.Symtab.Syms) != 2 {
		t.Fatalf("Symtab = %+v", f.Symtab)
	}
	sym, ok := f.ExportedSymbol("_go")
	if !ok || sym.Value != 0x100000200 {
		t.Errorf("ExportedSymbol(_go) = %+v, %v", sym, ok)
	}
	if _, ok := f.ExportedSymbol("_not_there"); ok {
		t.Error("ExportedSymbol(_not_there) should not resolve")
	}
}

func TestOpenRejects(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Error("Open(nil) should fail")
	}
	if _, err := Open(make([]byte, 16)); err == nil {
		t.Error("Open of a short buffer should fail")
	}

	bad := testImage{}.build()
	bad[0] = 0xce // 32-bit magic
	if _, err := Open(bad); err == nil {
		t.Error("Open of a 32-bit image should fail")
	}

	truncated := testImage{}.build()
	truncated[20] = 0xff // sizeofcmds far past the buffer
	truncated[21] = 0xff
	if _, err := Open(truncated); err == nil {
		t.Error("Open with oversized load commands should fail")
	}
}
