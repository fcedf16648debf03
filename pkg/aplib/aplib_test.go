package aplib

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTrip(t *testing.T, data []byte) {
	t.Helper()
	packed := Compress(data)
	out := make([]byte, len(data))
	n, err := Depack(packed, out)
	if err != nil {
		t.Fatalf("Depack: %v", err)
	}
	if n != len(data) {
		t.Fatalf("Depack produced %d bytes, want %d", n, len(data))
	}
	if diff := cmp.Diff(data, out[:n]); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x42},
		[]byte("a"),
		[]byte("abcabcabcabcabcabc"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		bytes.Repeat([]byte{0}, 300),
		bytes.Repeat([]byte("0123456789abcdef"), 1000),
		append(bytes.Repeat([]byte{0xff}, 200), bytes.Repeat([]byte{0x00}, 200)...),
	}
	for _, c := range cases {
		roundTrip(t, c)
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 32; i++ {
		n := 1 + rng.Intn(8192)
		data := make([]byte, n)
		switch i % 3 {
		case 0: // incompressible
			rng.Read(data)
		case 1: // highly repetitive
			word := make([]byte, 1+rng.Intn(9))
			rng.Read(word)
			for j := range data {
				data[j] = word[j%len(word)]
			}
		case 2: // sparse
			for j := 0; j < n/17; j++ {
				data[rng.Intn(n)] = byte(rng.Intn(256))
			}
		}
		roundTrip(t, data)
	}
}

func TestRoundTripLongOffsets(t *testing.T) {
	// force a long match beyond the 1280 bonus threshold: the repeated chunk
	// sits 2600 bytes back
	rng := rand.New(rand.NewSource(7))
	chunk := make([]byte, 600)
	rng.Read(chunk)
	var data []byte
	data = append(data, chunk...)
	data = append(data, bytes.Repeat([]byte{0xaa}, 2000)...)
	data = append(data, chunk...)
	roundTrip(t, data)
}

func TestDepackTruncated(t *testing.T) {
	data := []byte("compressible compressible compressible data data data")
	packed := Compress(data)
	out := make([]byte, len(data))

	if _, err := Depack(nil, out); err != ErrCorrupt {
		t.Errorf("Depack(nil) = %v, want ErrCorrupt", err)
	}
	if _, err := Depack(packed, nil); err != ErrCorrupt {
		t.Errorf("Depack into empty dst = %v, want ErrCorrupt", err)
	}
	for cut := 1; cut < len(packed); cut++ {
		if _, err := Depack(packed[:cut], out); err != ErrCorrupt {
			t.Fatalf("Depack of %d/%d byte prefix = %v, want ErrCorrupt", cut, len(packed), err)
		}
	}
}

func TestDepackShortDst(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 64)
	packed := Compress(data)
	for _, n := range []int{1, 2, len(data) / 2, len(data) - 1} {
		if _, err := Depack(packed, make([]byte, n)); err != ErrCorrupt {
			t.Errorf("Depack into %d-byte dst = %v, want ErrCorrupt", n, err)
		}
	}
}

func TestDepackBadBackReference(t *testing.T) {
	// hand-built stream: literal 'A', then a short match with offset 3,
	// which reaches before the start of the output
	var w bitWriter
	w.writeByte('A')
	w.writeBit(1)
	w.writeBit(1)
	w.writeBit(0)
	w.writeByte(3 << 1)
	if _, err := Depack(w.out, make([]byte, 16)); err != ErrCorrupt {
		t.Errorf("oversized back-reference: got %v, want ErrCorrupt", err)
	}
}

func TestGamma(t *testing.T) {
	for _, v := range []uint32{2, 3, 4, 5, 7, 8, 100, 255, 256, 65537} {
		var w bitWriter
		w.writeByte(0xcc) // seed byte so the depacker state machine lines up
		w.writeGamma(v)
		d := depacker{src: w.out, sp: 1}
		got, ok := d.getGamma()
		if !ok || got != v {
			t.Errorf("gamma(%d) decoded to (%d, %v)", v, got, ok)
		}
	}
}

func TestContainerRoundTrip(t *testing.T) {
	data := []byte("payload payload payload payload payload")
	c, err := Pack(data)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Unpack(c)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, out); diff != "" {
		t.Fatalf("container round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHeader(t *testing.T) {
	good, err := Pack(bytes.Repeat([]byte("x"), 100))
	if err != nil {
		t.Fatal(err)
	}

	mutate := func(off int, v uint32) []byte {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(b[off:], v)
		return b
	}

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"valid", good, nil},
		{"empty", nil, ErrNotPacked},
		{"short even with tag", good[:23], ErrNotPacked},
		{"wrong tag", mutate(0, 0xdeadbeef), ErrNotPacked},
		{"header size too small", mutate(4, 16), ErrHeader},
		{"header size beyond buffer", mutate(4, uint32(len(good)+1)), ErrHeader},
		{"zero packed size", mutate(8, 0), ErrHeader},
		{"packed size beyond buffer", mutate(8, uint32(len(good))), ErrHeader},
		{"zero orig size", mutate(16, 0), ErrHeader},
	}
	for _, tt := range tests {
		if _, err := ParseHeader(tt.buf); err != tt.want {
			t.Errorf("%s: ParseHeader = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestUnpackChecksum(t *testing.T) {
	c, err := Pack([]byte("checksummed data checksummed data"))
	if err != nil {
		t.Fatal(err)
	}
	c[HeaderSize] ^= 0xff // corrupt first packed byte
	if _, err := Unpack(c); err != ErrChecksum {
		t.Errorf("Unpack of corrupted stream = %v, want ErrChecksum", err)
	}
}
