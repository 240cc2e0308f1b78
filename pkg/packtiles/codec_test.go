package packtiles

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeEmptyFrame(t *testing.T) {

	ap := NewActivePixels(64, 64)
	rgba := NewBuffer(4, 64, 64)

	data, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: UC8})
	if err != nil {
		t.Fatal(err)
	}

	// 20 hash bytes + 15 header bytes + the all-skip mode byte.
	if len(data) != HashSize+16 {
		t.Fatalf("empty frame packet is %d bytes, want %d", len(data), HashSize+16)
	}
	if data[len(data)-1] != allSkipMode {
		t.Errorf("last byte = %#02x, want all-skip mode", data[len(data)-1])
	}
	for _, b := range data[:HashSize] {
		if b != 0 {
			t.Error("hash slot must be zero when hashing is disabled")
			break
		}
	}

	ap2 := new(ActivePixels)
	rgba2 := NewBuffer(4, 0, 0)
	hdr, err := DecodeBeauty(data, ap2, rgba2)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ActivePixelTotal != 0 || ap2.ActivePixelTotal() != 0 {
		t.Error("empty frame decoded with active pixels")
	}
}

func TestEncodeSinglePixelUC8(t *testing.T) {

	assert := assert.New(t)

	ap := NewActivePixels(8, 8)
	ap.SetPixel(3, 5)
	rgba := NewBuffer(4, 8, 8)
	copy(rgba.At(3, 5), []float32{0.5, 0.25, 1.0, 1.0})

	data, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: UC8})
	assert.NoError(err)

	// Single full-coverage tile: SKIP tile mode, ALLID mask block
	// (mode byte, popcount, pixel id), then the four pixel bytes.
	pix := data[len(data)-4:]
	assert.Equal([]byte{0xba, 0x89, 0xff, 0xff}, pix)

	shift := byte((5%8)*8 + 3%8)
	assert.Equal(byte(MaskAllIDDump), data[len(data)-7])
	assert.Equal(byte(1), data[len(data)-6])
	assert.Equal(shift, data[len(data)-5])

	ap2 := new(ActivePixels)
	rgba2 := NewBuffer(4, 0, 0)
	_, err = DecodeBeauty(data, ap2, rgba2)
	assert.NoError(err)
	assert.True(ap2.GetPixel(3, 5))

	// The decoded channels are exactly the gamma-inverse of the
	// encoded bytes.
	got := rgba2.At(3, 5)
	want := []float32{gamma22ReC2F(0xba), gamma22ReC2F(0x89), 1.0, 1.0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("channel %d: got %f, want %f", i, got[i], want[i])
		}
	}
	assert.Equal(float32(1.0), got[3], "alpha 1.0 must round trip exactly")
}

func TestEncodeFullCoverageH16(t *testing.T) {

	const w, h = 16, 16
	ap := NewActivePixels(w, h)
	rgba := NewBuffer(4, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ap.SetPixel(x, y)
			copy(rgba.At(x, y), []float32{1, 1, 1, 1})
		}
	}

	data, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: H16})
	if err != nil {
		t.Fatal(err)
	}

	ap2 := new(ActivePixels)
	rgba2 := NewBuffer(4, 0, 0)
	hdr, err := DecodeBeauty(data, ap2, rgba2)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Precision != H16 {
		t.Errorf("precision = %v, want H16", hdr.Precision)
	}
	if hdr.ActiveTileTotal != 4 || ap2.ActiveTileTotal() != 4 {
		t.Fatalf("active tiles = %d, want 4", ap2.ActiveTileTotal())
	}
	for tileID := 0; tileID < 4; tileID++ {
		if ap2.TileMask(tileID) != ^uint64(0) {
			t.Errorf("tile %d mask = %#x, want all ones", tileID, ap2.TileMask(tileID))
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for _, v := range rgba2.At(x, y) {
				if v != 1.0 {
					t.Fatalf("pixel (%d,%d) = %f, want exactly 1.0", x, y, v)
				}
			}
		}
	}
}

func TestCodecIdempotence(t *testing.T) {

	// encode -> decode -> encode must be byte-identical without hashing.
	const w, h = 120, 80
	ap := NewActivePixels(w, h)
	rgba := NewBuffer(4, w, h)
	rng := rand.New(rand.NewSource(21))
	for i := 0; i < 900; i++ {
		x, y := rng.Intn(w), rng.Intn(h)
		ap.SetPixel(x, y)
		copy(rgba.At(x, y), []float32{rng.Float32(), rng.Float32(), rng.Float32(), 1})
	}

	for _, prec := range []PrecisionMode{UC8, H16, F32} {
		first, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: prec})
		if err != nil {
			t.Fatal(err)
		}

		ap2 := new(ActivePixels)
		rgba2 := NewBuffer(4, 0, 0)
		if _, err := DecodeBeauty(first, ap2, rgba2); err != nil {
			t.Fatal(err)
		}

		second, err := EncodeBeautyNormalized(ap2, rgba2, Config{Precision: prec})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%v: re-encode is not byte-identical", prec)
		}
	}
}

func TestNormalizeOnEncode(t *testing.T) {

	ap := NewActivePixels(8, 8)
	ap.SetPixel(0, 0)
	ap.SetPixel(1, 0)

	rgba := NewBuffer(4, 8, 8)
	weight := NewBuffer(1, 8, 8)
	copy(rgba.At(0, 0), []float32{2.0, 4.0, 8.0, 4.0}) // 4 accumulated samples
	weight.At(0, 0)[0] = 4.0
	// Pixel (1,0) is active but has zero weight.
	copy(rgba.At(1, 0), []float32{9, 9, 9, 9})
	weight.At(1, 0)[0] = 0

	data, err := EncodeBeautyWithNumSample(ap, rgba, weight, Config{Precision: F32})
	if err != nil {
		t.Fatal(err)
	}

	ap2 := new(ActivePixels)
	rgba2 := NewBuffer(4, 0, 0)
	ns := new(NumSampleBuffer)
	if _, err := DecodeBeautyWithNumSample(data, ap2, rgba2, ns); err != nil {
		t.Fatal(err)
	}

	got := rgba2.At(0, 0)
	want := []float32{0.5, 1.0, 2.0, 1.0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("channel %d: got %f, want %f", i, got[i], want[i])
		}
	}
	if *ns.At(0, 0) != 4 {
		t.Errorf("numSample = %d, want 4", *ns.At(0, 0))
	}

	zero := rgba2.At(1, 0)
	for i := range zero {
		if zero[i] != 0 {
			t.Errorf("zero-weight pixel channel %d = %f, want 0", i, zero[i])
		}
	}
	if *ns.At(1, 0) != 0 {
		t.Errorf("zero-weight numSample = %d, want 0", *ns.At(1, 0))
	}
}

func TestClosestFilterAOV(t *testing.T) {

	ap := NewActivePixels(24, 24)
	ap.SetPixel(2, 2)
	ap.SetPixel(17, 9)

	buf := NewBuffer(3, 24, 24)
	depth := NewBuffer(1, 24, 24)
	weight := NewBuffer(1, 24, 24)
	copy(buf.At(2, 2), []float32{0.1, 0.2, 0.3})
	depth.At(2, 2)[0] = 12.5
	weight.At(2, 2)[0] = 1
	copy(buf.At(17, 9), []float32{0.7, 0.8, 0.9})
	depth.At(17, 9)[0] = 3.25
	weight.At(17, 9)[0] = 1

	data, err := EncodeFloatAOV(ap, buf, depth, weight, Config{Precision: F32})
	if err != nil {
		t.Fatal(err)
	}

	ap2 := new(ActivePixels)
	buf2 := NewBuffer(3, 0, 0)
	depth2 := NewBuffer(1, 0, 0)
	hdr, err := DecodeFloatAOV(data, ap2, buf2, depth2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.DataType != DataFloat3 {
		t.Errorf("data type = %v, want FLOAT3", hdr.DataType)
	}
	if !hdr.ClosestFilter {
		t.Error("closest filter flag lost")
	}
	if depth2.At(2, 2)[0] != 12.5 || depth2.At(17, 9)[0] != 3.25 {
		t.Errorf("depth channel mismatch: %f %f", depth2.At(2, 2)[0], depth2.At(17, 9)[0])
	}
	if buf2.At(17, 9)[2] != 0.9 {
		t.Errorf("value channel mismatch: %f", buf2.At(17, 9)[2])
	}
}

func TestWrongKind(t *testing.T) {

	ap := NewActivePixels(16, 16)
	ap.SetPixel(1, 1)
	sec := NewBuffer(1, 16, 16)
	sec.At(1, 1)[0] = 0.5

	data, err := EncodeHeatMap(ap, sec, onesWeight(16, 16), Config{Precision: F32})
	if err != nil {
		t.Fatal(err)
	}

	ap2 := new(ActivePixels)
	rgba := NewBuffer(4, 0, 0)
	if _, err := DecodeBeauty(data, ap2, rgba); !errors.Is(err, ErrWrongKind) {
		t.Errorf("expected ErrWrongKind, got %v", err)
	}
}

func TestMalformedPacket(t *testing.T) {

	ap := NewActivePixels(32, 32)
	ap.SetPixel(5, 5)
	rgba := NewBuffer(4, 32, 32)

	data, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: F32})
	if err != nil {
		t.Fatal(err)
	}

	// Truncations at every boundary must fail cleanly, never panic.
	for cut := 0; cut < len(data); cut += 3 {
		ap2 := new(ActivePixels)
		rgba2 := NewBuffer(4, 0, 0)
		if _, err := DecodeBeauty(data[:cut], ap2, rgba2); err == nil {
			t.Errorf("truncation to %d bytes decoded without error", cut)
		}
	}

	// Unknown format version.
	bad := append([]byte(nil), data...)
	bad[HashSize] = 3
	ap2 := new(ActivePixels)
	rgba2 := NewBuffer(4, 0, 0)
	if _, err := DecodeBeauty(bad, ap2, rgba2); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestFormatVer1RoundTrip(t *testing.T) {

	ap := NewActivePixels(40, 40)
	rgba := NewBuffer(4, 40, 40)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		x, y := rng.Intn(40), rng.Intn(40)
		ap.SetPixel(x, y)
		copy(rgba.At(x, y), []float32{rng.Float32(), 0, 0, 1})
	}

	data, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: F32, Version: FormatVer1})
	if err != nil {
		t.Fatal(err)
	}

	ap2 := new(ActivePixels)
	rgba2 := NewBuffer(4, 0, 0)
	hdr, err := DecodeBeauty(data, ap2, rgba2)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.FormatVersion != FormatVer1 {
		t.Errorf("format version = %d, want 1", hdr.FormatVersion)
	}
	if !ap.Equal(ap2) {
		t.Error("version 1 active pixels mismatch")
	}
}

func TestHashVerify(t *testing.T) {

	ap := NewActivePixels(16, 16)
	ap.SetPixel(0, 0)
	rgba := NewBuffer(4, 16, 16)

	data, err := EncodeBeautyNormalized(ap, rgba, Config{Precision: UC8, Hash: true})
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyHash(data) {
		t.Error("freshly encoded packet fails hash verification")
	}

	data[len(data)-1] ^= 0xff
	if VerifyHash(data) {
		t.Error("corrupted packet passes hash verification")
	}
}

func TestPeekDataType(t *testing.T) {

	ap := NewActivePixels(8, 8)
	sec := NewBuffer(1, 8, 8)

	data, err := EncodeHeatMap(ap, sec, onesWeight(8, 8), Config{})
	if err != nil {
		t.Fatal(err)
	}
	dt, err := PeekDataType(data)
	if err != nil {
		t.Fatal(err)
	}
	if dt != DataHeatMap {
		t.Errorf("peeked %v, want HEATMAP", dt)
	}
}

func TestReferencePacket(t *testing.T) {

	data := EncodeReference(RefBeautyAux, 1920, 1080, Config{})

	hdr, err := DecodeReference(data)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ReferenceType != RefBeautyAux {
		t.Errorf("reference type = %v, want RefBeautyAux", hdr.ReferenceType)
	}
	if hdr.Width != 1920 || hdr.Height != 1080 {
		t.Errorf("resolution %dx%d, want 1920x1080", hdr.Width, hdr.Height)
	}
}

func TestProgressiveRefinement(t *testing.T) {

	// A second delta must overwrite only its own pixels.
	const w, h = 16, 8
	rgba := NewBuffer(4, 0, 0)
	ap := new(ActivePixels)

	first := NewActivePixels(w, h)
	firstBuf := NewBuffer(4, w, h)
	first.SetPixel(0, 0)
	copy(firstBuf.At(0, 0), []float32{1, 0, 0, 1})

	data, err := EncodeBeautyNormalized(first, firstBuf, Config{Precision: F32})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeBeauty(data, ap, rgba); err != nil {
		t.Fatal(err)
	}

	second := NewActivePixels(w, h)
	secondBuf := NewBuffer(4, w, h)
	second.SetPixel(9, 3)
	copy(secondBuf.At(9, 3), []float32{0, 1, 0, 1})

	data, err = EncodeBeautyNormalized(second, secondBuf, Config{Precision: F32})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeBeauty(data, ap, rgba); err != nil {
		t.Fatal(err)
	}

	if rgba.At(0, 0)[0] != 1 {
		t.Error("earlier delta's pixel was clobbered")
	}
	if rgba.At(9, 3)[1] != 1 {
		t.Error("second delta's pixel missing")
	}
}

func TestUC8QuantizationTolerance(t *testing.T) {

	for i := 0; i <= 1000; i++ {
		v := float32(i) / 1000.0

		// Color channels quantize uniformly in gamma space, except
		// around the table's 0x89 crossover where the production
		// curve sits up to 1.22 codes above the analytic one.
		back := gamma22ReC2F(gamma22F2C(v))
		gammaErr := math.Abs(math.Pow(float64(back), 1.0/2.2) - math.Pow(float64(v), 1.0/2.2))
		if gammaErr > 1.25/255.0 {
			t.Fatalf("gamma round trip of %f off by %f codes", v, gammaErr*255)
		}

		// Linear channels hold the plain 1/255 bound.
		lin := uc2f(f2uc(v))
		if math.Abs(float64(lin-v)) > 1.0/255.0 {
			t.Fatalf("linear round trip |%f - %f| > 1/255", lin, v)
		}
	}
	if gamma22F2C(0) != 0 || gamma22F2C(1) != 255 {
		t.Error("gamma fixpoints broken")
	}
	if gamma22ReC2F(0) != 0 || gamma22ReC2F(255) != 1 {
		t.Error("inverse gamma fixpoints broken")
	}
	if f2uc(1.0) != 255 || uc2f(255) != 1.0 {
		t.Error("linear fixpoints broken")
	}
}

func onesWeight(w, h int) *Buffer {
	weight := NewBuffer(1, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			weight.At(x, y)[0] = 1
		}
	}
	return weight
}
