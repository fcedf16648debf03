// Command beignet stages payloads for the in-memory loader: wraps them in
// AP32 containers, unwraps and verifies staged containers, and inspects
// payload images before deployment.
package main

import (
	"fmt"
	"os"

	"github.com/blacktop/go-dwarf"
	"github.com/xyproto/env/v2"

	"github.com/sliverarmory/beignet"
	"github.com/sliverarmory/beignet/pkg/aplib"
	"github.com/sliverarmory/beignet/types"
)

const usage = `usage:
  beignet pack <payload> [output]    wrap a payload in an AP32 container
  beignet unpack <container> [output]  unwrap and verify an AP32 container
  beignet info <payload>             describe a Mach-O payload

environment:
  BEIGNET_SUFFIX   output suffix for pack (default ".ap32")
  BEIGNET_VERBOSE  info prints the full symbol table when set
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "pack":
		err = pack(os.Args[2], optArg(3, os.Args[2]+env.Str("BEIGNET_SUFFIX", ".ap32")))
	case "unpack":
		err = unpack(os.Args[2], optArg(3, os.Args[2]+".bin"))
	case "info":
		err = info(os.Args[2])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "beignet: %v\n", err)
		os.Exit(1)
	}
}

func optArg(i int, def string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return def
}

func pack(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	c, err := aplib.Pack(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, c, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %d -> %d bytes (%.1f%%)\n", out, len(data), len(c), float64(len(c))*100/float64(len(data)))
	return nil
}

func unpack(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	payload, err := aplib.Unpack(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, payload, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes, checksums ok\n", out, len(payload))
	return nil
}

func info(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// staged containers are transparent to inspection
	if h, err := aplib.ParseHeader(data); err == nil {
		fmt.Printf("AP32 container: %d packed, %d unpacked\n", h.PackedSize, h.OrigSize)
		if data, err = aplib.Unpack(data); err != nil {
			return err
		}
	}

	f, err := beignet.Open(data)
	if err != nil {
		return err
	}

	fmt.Printf("type %s, %d load commands\n", f.Type, f.NCommands)
	for _, seg := range f.Segs {
		fmt.Printf("  %-16s addr=%#011x-%#011x off=%#08x-%#08x %s/%s\n",
			seg.SegName, seg.Addr, seg.Addr+seg.Memsz, seg.Offset, seg.Offset+seg.Filesz,
			seg.Prot, seg.Maxprot)
	}
	for _, dl := range f.Dylibs {
		fmt.Printf("  %-20s %s\n", dl.Cmd, dl.Name)
	}
	if f.Symtab != nil {
		exported := 0
		for _, sym := range f.Symtab.Syms {
			if sym.Type&types.N_STAB == 0 && sym.Type&types.N_EXT != 0 && sym.Value != 0 {
				exported++
				if env.Bool("BEIGNET_VERBOSE") {
					fmt.Printf("  %#016x %s\n", sym.Value, sym.Name)
				}
			}
		}
		fmt.Printf("  %d symbols, %d exported\n", len(f.Symtab.Syms), exported)
	}

	if d, err := f.DWARF(); err == nil {
		r := d.Reader()
		units := 0
		for {
			e, err := r.Next()
			if err != nil || e == nil {
				break
			}
			if e.Tag == dwarf.TagCompileUnit {
				units++
			}
			r.SkipChildren()
		}
		if units > 0 {
			fmt.Printf("  DWARF: %d compile units\n", units)
		}
	}

	return nil
}
