package wire

import (
	"math"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {

	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 0xffffffff, math.MaxUint64}

	enc := NewEncoder()
	for _, v := range values {
		enc.VLULong(v)
	}

	dec := NewDecoder(enc.Bytes())
	for _, want := range values {
		got, err := dec.VLULong()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
	if dec.Remaining() != 0 {
		t.Errorf("unread bytes remain: %d", dec.Remaining())
	}
}

func TestVarintEncodedSize(t *testing.T) {

	cases := []struct {
		v    uint32
		size int
	}{
		{0, 1},
		{0x7f, 1},
		{0x80, 2},
		{0x3fff, 2},
		{0x4000, 3},
		{math.MaxUint32, 5},
	}

	for _, c := range cases {
		if got := VLUIntSize(c.v); got != c.size {
			t.Errorf("VLUIntSize(%d) = %d, want %d", c.v, got, c.size)
		}
		enc := NewEncoder()
		enc.VLUInt(c.v)
		if enc.Len() != c.size {
			t.Errorf("encoded %d into %d bytes, want %d", c.v, enc.Len(), c.size)
		}
	}
}

func TestZigZag(t *testing.T) {

	values := []int64{0, -1, 1, -64, 63, math.MinInt64, math.MaxInt64}

	enc := NewEncoder()
	for _, v := range values {
		enc.VLLong(v)
	}

	dec := NewDecoder(enc.Bytes())
	for _, want := range values {
		got, err := dec.VLLong()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestScalarsLittleEndian(t *testing.T) {

	enc := NewEncoder()
	enc.Mask64(0x1122334455667788)
	enc.Float(1.0)
	enc.UShort(0xabcd)

	b := enc.Bytes()
	if b[0] != 0x88 || b[7] != 0x11 {
		t.Errorf("mask64 is not little-endian: % x", b[:8])
	}
	if b[8] != 0x00 || b[11] != 0x3f {
		t.Errorf("float32 is not little-endian: % x", b[8:12])
	}
	if b[12] != 0xcd || b[13] != 0xab {
		t.Errorf("ushort is not little-endian: % x", b[12:14])
	}
}

func TestHalfRoundTrip(t *testing.T) {

	for _, v := range []float32{0, 1, 0.5, -2.25, 65504} {
		enc := NewEncoder()
		enc.Half(v)
		dec := NewDecoder(enc.Bytes())
		got, err := dec.Half()
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("half round trip %f -> %f", v, got)
		}
	}
}

func TestDecoderOverrun(t *testing.T) {

	dec := NewDecoder([]byte{0x80, 0x80})
	if _, err := dec.VLULong(); err != ErrOverrun {
		t.Errorf("expected ErrOverrun, got %v", err)
	}

	dec = NewDecoder([]byte{1, 2, 3})
	if _, err := dec.Mask64(); err != ErrOverrun {
		t.Errorf("expected ErrOverrun, got %v", err)
	}
	if _, err := dec.Float(); err != ErrOverrun {
		t.Errorf("expected ErrOverrun, got %v", err)
	}
}
