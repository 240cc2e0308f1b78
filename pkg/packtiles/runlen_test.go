package packtiles

import (
	"math/rand"
	"testing"

	"github.com/vorteil/gridutil/pkg/wire"
)

func runLenRoundTrip(t *testing.T, src *RunLenMasks) DumpMode {
	t.Helper()

	mode := src.Finalize()
	enc := wire.NewEncoder()
	switch mode {
	case MaskAllMaskDump:
		src.EncodeAllMask(enc)
	case MaskAllIDDump:
		src.EncodeAllID(enc)
	case MaskRunLenDump:
		src.EncodeRunLen(enc)
	}

	if enc.Len() != src.DataSize() {
		t.Errorf("%v: predicted size %d, encoded %d", mode, src.DataSize(), enc.Len())
	}

	dst := NewRunLenMasks(src.Len())
	dec := wire.NewDecoder(enc.Bytes())
	var err error
	switch mode {
	case MaskAllMaskDump:
		err = dst.DecodeAllMask(dec)
	case MaskAllIDDump:
		err = dst.DecodeAllID(dec)
	case MaskRunLenDump:
		err = dst.DecodeRunLen(dec)
	}
	if err != nil {
		t.Fatalf("%v: decode: %v", mode, err)
	}
	if !src.Equal(dst) {
		t.Errorf("%v: round trip mismatch", mode)
	}
	if dec.Remaining() != 0 {
		t.Errorf("%v: %d bytes left over", mode, dec.Remaining())
	}
	return mode
}

func TestRunLenAllMaskChosen(t *testing.T) {

	// Dense masks everywhere: id coding would cost far more than raw
	// masks and there is no run switch to exploit.
	src := NewRunLenMasks(16)
	for i := 0; i < 16; i++ {
		src.Set(i, ^uint64(0))
	}
	if mode := runLenRoundTrip(t, src); mode != MaskAllMaskDump {
		t.Errorf("mode = %v, want ALLMASK_DUMP", mode)
	}
}

func TestRunLenAllIDChosen(t *testing.T) {

	// One pixel per mask: id coding wins outright.
	src := NewRunLenMasks(16)
	for i := 0; i < 16; i++ {
		src.Set(i, 1<<uint(i))
	}
	if mode := runLenRoundTrip(t, src); mode != MaskAllIDDump {
		t.Errorf("mode = %v, want ALLID_DUMP", mode)
	}
}

func TestRunLenMixedChosen(t *testing.T) {

	// A long sparse run followed by a long dense run: neither flat
	// mode fits both halves.
	src := NewRunLenMasks(64)
	for i := 0; i < 32; i++ {
		src.Set(i, 0x1) // 1 active pixel
	}
	for i := 32; i < 64; i++ {
		src.Set(i, ^uint64(0)) // 64 active pixels
	}
	if mode := runLenRoundTrip(t, src); mode != MaskRunLenDump {
		t.Errorf("mode = %v, want RUNLEN_DUMP", mode)
	}
}

func TestRunLenThresholdTieBreak(t *testing.T) {

	// Masks exactly at the 7-pixel threshold cost 8 bytes either way;
	// the run direction follows the next decisive mask.
	const sevenBits = 0x7f

	src := NewRunLenMasks(4)
	src.Set(0, sevenBits)
	src.Set(1, sevenBits)
	src.Set(2, ^uint64(0))
	src.Set(3, ^uint64(0))
	src.Finalize()
	if mode := src.initialMode(0); mode != runModeMask {
		t.Errorf("threshold before dense masks: initial mode = %#x, want MASK", mode)
	}

	src = NewRunLenMasks(4)
	src.Set(0, sevenBits)
	src.Set(1, sevenBits)
	src.Set(2, 0x1)
	src.Set(3, 0x3)
	src.Finalize()
	if mode := src.initialMode(0); mode != runModeID {
		t.Errorf("threshold before sparse masks: initial mode = %#x, want ID", mode)
	}
}

func TestRunLenLongRunsSplit(t *testing.T) {

	// 150 sparse then 150 dense masks force runs of both kinds to split
	// at the 128 cap.
	src := NewRunLenMasks(300)
	for i := 0; i < 150; i++ {
		src.Set(i, 0x1)
	}
	for i := 150; i < 300; i++ {
		src.Set(i, ^uint64(0))
	}
	runLenRoundTrip(t, src)
}

func TestRunLenRandomRoundTrip(t *testing.T) {

	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 20; trial++ {
		src := NewRunLenMasks(1 + rng.Intn(200))
		src.FillRandom(rng, 0, 64)
		runLenRoundTrip(t, src)
	}
}
