package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/gridutil/pkg/wire"
)

// Per-tile pixel payload. For every active tile, for every set bit in
// the tile mask (LSB first), one pixel record: the value channels in
// the packet precision, the closest-filter depth channel when
// enabled, then the optional numSamples varint.

// pixCoder quantizes one pixel's channel vector. The precision branch
// is resolved once per packet, never per pixel.
type pixCoder struct {
	enc func(enc *wire.Encoder, v []float32)
	dec func(dec *wire.Decoder, v []float32) error
}

func newPixCoder(prec PrecisionMode, colorMask []bool) pixCoder {
	switch prec {
	case UC8:
		f2c := gamma22F2C
		c2f := gamma22ReC2F
		if SRGB8Bit {
			f2c = srgbF2C
			c2f = srgbReC2F
		}
		return pixCoder{
			enc: func(enc *wire.Encoder, v []float32) {
				for i, f := range v {
					if colorMask[i] {
						enc.Byte(f2c(f))
					} else {
						enc.Byte(f2uc(f))
					}
				}
			},
			dec: func(dec *wire.Decoder, v []float32) error {
				for i := range v {
					c, err := dec.Byte()
					if err != nil {
						return err
					}
					if colorMask[i] {
						v[i] = c2f(c)
					} else {
						v[i] = uc2f(c)
					}
				}
				return nil
			},
		}
	case H16:
		return pixCoder{
			enc: func(enc *wire.Encoder, v []float32) {
				for _, f := range v {
					enc.Half(f)
				}
			},
			dec: func(dec *wire.Decoder, v []float32) error {
				for i := range v {
					f, err := dec.Half()
					if err != nil {
						return err
					}
					v[i] = f
				}
				return nil
			},
		}
	default:
		return pixCoder{
			enc: func(enc *wire.Encoder, v []float32) {
				for _, f := range v {
					enc.Float(f)
				}
			},
			dec: func(dec *wire.Decoder, v []float32) error {
				for i := range v {
					f, err := dec.Float()
					if err != nil {
						return err
					}
					v[i] = f
				}
				return nil
			},
		}
	}
}

// colorMask helpers. RGB channels of 4-wide color data are gamma
// mapped, alpha is linear; 2- and 3-wide vector data is treated as
// color throughout; scalars and depth stay linear.
func colorMaskFor(nchan int) []bool {
	switch nchan {
	case 2:
		return []bool{true, true}
	case 3:
		return []bool{true, true, true}
	case 4:
		return []bool{true, true, true, false}
	}
	return []bool{false}
}

func scalarMask(nchan int) []bool {
	m := make([]bool, nchan)
	return m
}

// walkActivePixels visits every active pixel of every active tile in
// encode order.
func walkActivePixels(ap *ActivePixels, fn func(tileID, offset int)) {
	for tileID := 0; tileID < ap.NumTiles(); tileID++ {
		mask := ap.TileMask(tileID)
		if mask == 0 {
			continue
		}
		for offset := 0; mask != 0 && offset < 64; offset++ {
			if mask&1 != 0 {
				fn(tileID, offset)
			}
			mask >>= 1
		}
	}
}

// encodeValWeight is the sender-side payload writer. With normalize
// set, channels are divided by the pixel weight and numSamples is the
// integer part of the weight; without it (closest-filter data cannot
// be normalized) values pass through and numSamples is 1. Pixels with
// non-positive weight are written as zero with numSamples 0.
func encodeValWeight(enc *wire.Encoder, ap *ActivePixels,
	buf, depth, weight *Buffer,
	withNumSample, normalize bool, coder, depthCoder pixCoder) {

	nchan := buf.NumChan()
	v := make([]float32, nchan)
	dv := make([]float32, 1)

	walkActivePixels(ap, func(tileID, offset int) {
		w := weight.Pix(tileID, offset)[0]
		var numSample uint32
		if w > 0 {
			src := buf.Pix(tileID, offset)
			if normalize {
				for i := 0; i < nchan; i++ {
					v[i] = src[i] / w
				}
				numSample = uint32(w)
			} else {
				copy(v, src)
				numSample = 1
			}
			if depth != nil {
				dv[0] = depth.Pix(tileID, offset)[0]
			}
		} else {
			for i := range v {
				v[i] = 0
			}
			dv[0] = 0
		}
		coder.enc(enc, v)
		if depth != nil {
			depthCoder.enc(enc, dv)
		}
		if withNumSample {
			enc.VLUInt(numSample)
		}
	})
}

// encodeValNormalized is the merge-side payload writer: values are
// already normalized and numSamples, when present, comes from its own
// buffer.
func encodeValNormalized(enc *wire.Encoder, ap *ActivePixels,
	buf, depth *Buffer, numSample *NumSampleBuffer,
	withNumSample bool, coder, depthCoder pixCoder) {

	nchan := buf.NumChan()
	v := make([]float32, nchan)
	dv := make([]float32, 1)

	walkActivePixels(ap, func(tileID, offset int) {
		var ns uint32 = 1
		if numSample != nil {
			ns = *numSample.Pix(tileID, offset)
		}
		if withNumSample && ns == 0 {
			for i := range v {
				v[i] = 0
			}
			dv[0] = 0
		} else {
			copy(v, buf.Pix(tileID, offset))
			if depth != nil {
				dv[0] = depth.Pix(tileID, offset)[0]
			}
		}
		coder.enc(enc, v)
		if depth != nil {
			depthCoder.enc(enc, dv)
		}
		if withNumSample {
			enc.VLUInt(ns)
		}
	})
}

// decodePixelPayload fills buf (and depth/numSample when given) from
// the payload stream. New pixels overwrite previous values; untouched
// pixels keep theirs.
func decodePixelPayload(dec *wire.Decoder, ap *ActivePixels,
	buf, depth *Buffer, numSample *NumSampleBuffer,
	withNumSample, closestFilter bool, coder, depthCoder pixCoder) error {

	dv := make([]float32, 1)

	var werr error
	walkActivePixels(ap, func(tileID, offset int) {
		if werr != nil {
			return
		}
		if err := coder.dec(dec, buf.Pix(tileID, offset)); err != nil {
			werr = err
			return
		}
		if closestFilter {
			if err := depthCoder.dec(dec, dv); err != nil {
				werr = err
				return
			}
			if depth != nil {
				depth.Pix(tileID, offset)[0] = dv[0]
			}
		}
		if withNumSample {
			ns, err := dec.VLUInt()
			if err != nil {
				werr = err
				return
			}
			if numSample != nil {
				*numSample.Pix(tileID, offset) = ns
			}
		}
	})
	return malformed(werr)
}

func newHeader(dataType DataType, refType ReferenceType, ap *ActivePixels, cfg *Config) Header {
	hdr := Header{
		FormatVersion:       cfg.version(),
		DataType:            dataType,
		ReferenceType:       refType,
		DefaultValue:        cfg.DefaultValue,
		Precision:           cfg.Precision,
		CoarsePassPrecision: cfg.CoarsePassPrecision,
		FinePassPrecision:   cfg.FinePassPrecision,
	}
	if ap != nil {
		hdr.Width = ap.Width()
		hdr.Height = ap.Height()
		hdr.ActiveTileTotal = ap.ActiveTileTotal()
		hdr.ActivePixelTotal = ap.ActivePixelTotal()
	}
	return hdr
}

func checkBufferDims(ap *ActivePixels, bufs ...*Buffer) error {
	for _, b := range bufs {
		if b == nil {
			continue
		}
		if b.Width() != ap.Width() || b.Height() != ap.Height() {
			return fmt.Errorf("packtiles: buffer resolution %dx%d does not match frame %dx%d",
				b.Width(), b.Height(), ap.Width(), ap.Height())
		}
	}
	return nil
}

func beautyType(odd, withNumSample bool) DataType {
	switch {
	case odd && withNumSample:
		return DataBeautyOddWithNumSample
	case odd:
		return DataBeautyOdd
	case withNumSample:
		return DataBeautyWithNumSample
	}
	return DataBeauty
}

//------------------------------------------------------------------------------
// Encode entry points
//------------------------------------------------------------------------------

// EncodeBeauty packs a non-normalized RGBA buffer plus its weight
// buffer (render-node send path). Values are normalized by weight
// before quantization.
func EncodeBeauty(ap *ActivePixels, rgba, weight *Buffer, cfg Config) ([]byte, error) {
	return encodeBeauty(ap, rgba, weight, false, &cfg)
}

// EncodeBeautyWithNumSample is EncodeBeauty plus a per-pixel sample
// count derived from the weight.
func EncodeBeautyWithNumSample(ap *ActivePixels, rgba, weight *Buffer, cfg Config) ([]byte, error) {
	return encodeBeauty(ap, rgba, weight, true, &cfg)
}

func encodeBeauty(ap *ActivePixels, rgba, weight *Buffer, withNumSample bool, cfg *Config) ([]byte, error) {
	if err := checkBufferDims(ap, rgba, weight); err != nil {
		return nil, err
	}
	if rgba.NumChan() != 4 {
		return nil, fmt.Errorf("packtiles: beauty buffer must have 4 channels, got %d", rgba.NumChan())
	}
	coder := newPixCoder(cfg.Precision, colorMaskFor(4))
	hdr := newHeader(beautyType(cfg.Odd, withNumSample), RefUndef, ap, cfg)
	return encodeMain(hdr, ap, cfg, func(enc *wire.Encoder) {
		encodeValWeight(enc, ap, rgba, nil, weight, withNumSample, true, coder, pixCoder{})
	}), nil
}

// EncodeBeautyNormalized packs an already-normalized RGBA buffer
// (merge-node path).
func EncodeBeautyNormalized(ap *ActivePixels, rgba *Buffer, cfg Config) ([]byte, error) {
	return encodeBeautyNormalized(ap, rgba, nil, false, &cfg)
}

// EncodeBeautyNormalizedWithNumSample also carries the per-pixel
// sample counts from their companion buffer.
func EncodeBeautyNormalizedWithNumSample(ap *ActivePixels, rgba *Buffer, numSample *NumSampleBuffer, cfg Config) ([]byte, error) {
	return encodeBeautyNormalized(ap, rgba, numSample, true, &cfg)
}

func encodeBeautyNormalized(ap *ActivePixels, rgba *Buffer, numSample *NumSampleBuffer, withNumSample bool, cfg *Config) ([]byte, error) {
	if err := checkBufferDims(ap, rgba); err != nil {
		return nil, err
	}
	if rgba.NumChan() != 4 {
		return nil, fmt.Errorf("packtiles: beauty buffer must have 4 channels, got %d", rgba.NumChan())
	}
	coder := newPixCoder(cfg.Precision, colorMaskFor(4))
	hdr := newHeader(beautyType(cfg.Odd, withNumSample), RefUndef, ap, cfg)
	return encodeMain(hdr, ap, cfg, func(enc *wire.Encoder) {
		encodeValNormalized(enc, ap, rgba, nil, numSample, withNumSample, coder, pixCoder{})
	}), nil
}

// EncodePixelInfo packs the per-pixel minimum depth buffer. Depth is
// always carried at full float precision.
func EncodePixelInfo(ap *ActivePixels, pixelInfo *Buffer, cfg Config) ([]byte, error) {
	if err := checkBufferDims(ap, pixelInfo); err != nil {
		return nil, err
	}
	cfg.Precision = F32
	coder := newPixCoder(F32, scalarMask(1))
	hdr := newHeader(DataPixelInfo, RefUndef, ap, &cfg)
	return encodeMain(hdr, ap, &cfg, func(enc *wire.Encoder) {
		encodeValNormalized(enc, ap, pixelInfo, nil, nil, false, coder, pixCoder{})
	}), nil
}

// EncodeHeatMap packs per-pixel render-time seconds from the send
// path; the weight buffer gates which pixels carry data.
func EncodeHeatMap(ap *ActivePixels, sec, weight *Buffer, cfg Config) ([]byte, error) {
	if err := checkBufferDims(ap, sec, weight); err != nil {
		return nil, err
	}
	coder := newPixCoder(cfg.Precision, scalarMask(1))
	hdr := newHeader(DataHeatMap, RefUndef, ap, &cfg)
	return encodeMain(hdr, ap, &cfg, func(enc *wire.Encoder) {
		encodeValWeight(enc, ap, sec, nil, weight, false, false, coder, pixCoder{})
	}), nil
}

// EncodeHeatMapWithNumSample packs normalized per-pixel seconds plus
// sample counts (merge path).
func EncodeHeatMapWithNumSample(ap *ActivePixels, sec *Buffer, numSample *NumSampleBuffer, cfg Config) ([]byte, error) {
	if err := checkBufferDims(ap, sec); err != nil {
		return nil, err
	}
	coder := newPixCoder(cfg.Precision, scalarMask(1))
	hdr := newHeader(DataHeatMapWithNumSample, RefUndef, ap, &cfg)
	return encodeMain(hdr, ap, &cfg, func(enc *wire.Encoder) {
		encodeValNormalized(enc, ap, sec, nil, numSample, true, coder, pixCoder{})
	}), nil
}

// EncodeWeight packs the weight buffer itself as a single-channel
// AOV.
func EncodeWeight(ap *ActivePixels, weight *Buffer, cfg Config) ([]byte, error) {
	if err := checkBufferDims(ap, weight); err != nil {
		return nil, err
	}
	coder := newPixCoder(cfg.Precision, scalarMask(1))
	hdr := newHeader(DataFloat1, RefWeight, ap, &cfg)
	return encodeMain(hdr, ap, &cfg, func(enc *wire.Encoder) {
		encodeValNormalized(enc, ap, weight, nil, nil, false, coder, pixCoder{})
	}), nil
}

// EncodeFloatAOV packs a 1- to 4-channel AOV from the send path,
// normalizing by weight. A non-nil depth buffer switches the packet
// to closest-filter form: the depth channel is appended to every
// pixel record and values pass through unnormalized.
func EncodeFloatAOV(ap *ActivePixels, buf, depth, weight *Buffer, cfg Config) ([]byte, error) {
	return encodeFloatAOV(ap, buf, depth, weight, false, &cfg)
}

// EncodeFloatAOVWithNumSample is EncodeFloatAOV plus per-pixel sample
// counts.
func EncodeFloatAOVWithNumSample(ap *ActivePixels, buf, depth, weight *Buffer, cfg Config) ([]byte, error) {
	return encodeFloatAOV(ap, buf, depth, weight, true, &cfg)
}

func encodeFloatAOV(ap *ActivePixels, buf, depth, weight *Buffer, withNumSample bool, cfg *Config) ([]byte, error) {
	if err := checkBufferDims(ap, buf, depth, weight); err != nil {
		return nil, err
	}
	dataType := floatDataType(buf.NumChan(), withNumSample)
	if dataType == DataUndef {
		return nil, fmt.Errorf("packtiles: unsupported AOV channel count %d", buf.NumChan())
	}
	coder := newPixCoder(cfg.Precision, colorMaskFor(buf.NumChan()))
	depthCoder := newPixCoder(cfg.Precision, scalarMask(1))
	hdr := newHeader(dataType, RefUndef, ap, cfg)
	hdr.ClosestFilter = depth != nil
	return encodeMain(hdr, ap, cfg, func(enc *wire.Encoder) {
		encodeValWeight(enc, ap, buf, depth, weight, withNumSample, depth == nil, coder, depthCoder)
	}), nil
}

// EncodeFloatAOVNormalized packs an already-normalized AOV (merge
// path).
func EncodeFloatAOVNormalized(ap *ActivePixels, buf, depth *Buffer, cfg Config) ([]byte, error) {
	return encodeFloatAOVNormalized(ap, buf, depth, nil, false, &cfg)
}

// EncodeFloatAOVNormalizedWithNumSample also carries sample counts.
func EncodeFloatAOVNormalizedWithNumSample(ap *ActivePixels, buf, depth *Buffer, numSample *NumSampleBuffer, cfg Config) ([]byte, error) {
	return encodeFloatAOVNormalized(ap, buf, depth, numSample, true, &cfg)
}

func encodeFloatAOVNormalized(ap *ActivePixels, buf, depth *Buffer, numSample *NumSampleBuffer, withNumSample bool, cfg *Config) ([]byte, error) {
	if err := checkBufferDims(ap, buf, depth); err != nil {
		return nil, err
	}
	dataType := floatDataType(buf.NumChan(), withNumSample)
	if dataType == DataUndef {
		return nil, fmt.Errorf("packtiles: unsupported AOV channel count %d", buf.NumChan())
	}
	coder := newPixCoder(cfg.Precision, colorMaskFor(buf.NumChan()))
	depthCoder := newPixCoder(cfg.Precision, scalarMask(1))
	hdr := newHeader(dataType, RefUndef, ap, cfg)
	hdr.ClosestFilter = depth != nil
	return encodeMain(hdr, ap, cfg, func(enc *wire.Encoder) {
		encodeValNormalized(enc, ap, buf, depth, numSample, withNumSample, coder, depthCoder)
	}), nil
}

// EncodeReference emits a header-only packet that points the receiver
// at one of its reference buffers.
func EncodeReference(refType ReferenceType, width, height int, cfg Config) []byte {
	hdr := newHeader(DataReference, refType, nil, &cfg)
	hdr.Width = width
	hdr.Height = height
	return encodeMain(hdr, nil, &cfg, nil)
}

//------------------------------------------------------------------------------
// Decode entry points
//------------------------------------------------------------------------------

// DecodeBeauty restores an RGBA buffer from a BEAUTY or BEAUTYODD
// packet.
func DecodeBeauty(data []byte, ap *ActivePixels, rgba *Buffer) (Header, error) {
	return decodeBeauty(data, ap, rgba, nil, false)
}

// DecodeBeautyWithNumSample restores an RGBA buffer and its sample
// counts.
func DecodeBeautyWithNumSample(data []byte, ap *ActivePixels, rgba *Buffer, numSample *NumSampleBuffer) (Header, error) {
	return decodeBeauty(data, ap, rgba, numSample, true)
}

func decodeBeauty(data []byte, ap *ActivePixels, rgba *Buffer, numSample *NumSampleBuffer, withNumSample bool) (Header, error) {
	hdr, _, err := decodeMain(data, ap, func(hdr *Header, dec *wire.Decoder) error {
		switch hdr.DataType {
		case DataBeauty, DataBeautyOdd, DataBeautyWithNumSample, DataBeautyOddWithNumSample:
		default:
			return fmt.Errorf("%w: got %s", ErrWrongKind, hdr.DataType)
		}
		if hdr.DataType.WithNumSample() != withNumSample {
			return fmt.Errorf("%w: got %s", ErrWrongKind, hdr.DataType)
		}
		rgba.Init(hdr.Width, hdr.Height)
		if numSample != nil {
			numSample.Init(hdr.Width, hdr.Height)
		}
		coder := newPixCoder(hdr.Precision, colorMaskFor(4))
		return decodePixelPayload(dec, ap, rgba, nil, numSample, withNumSample, false, coder, pixCoder{})
	})
	return hdr, err
}

// DecodePixelInfo restores the minimum-depth buffer.
func DecodePixelInfo(data []byte, ap *ActivePixels, pixelInfo *Buffer) (Header, error) {
	return decodeScalar(data, ap, pixelInfo, nil, DataPixelInfo)
}

// DecodeHeatMap restores the render-time seconds buffer.
func DecodeHeatMap(data []byte, ap *ActivePixels, sec *Buffer) (Header, error) {
	return decodeScalar(data, ap, sec, nil, DataHeatMap)
}

// DecodeHeatMapWithNumSample restores seconds plus sample counts.
func DecodeHeatMapWithNumSample(data []byte, ap *ActivePixels, sec *Buffer, numSample *NumSampleBuffer) (Header, error) {
	return decodeScalar(data, ap, sec, numSample, DataHeatMapWithNumSample)
}

func decodeScalar(data []byte, ap *ActivePixels, buf *Buffer, numSample *NumSampleBuffer, want DataType) (Header, error) {
	hdr, _, err := decodeMain(data, ap, func(hdr *Header, dec *wire.Decoder) error {
		if hdr.DataType != want {
			return fmt.Errorf("%w: got %s, want %s", ErrWrongKind, hdr.DataType, want)
		}
		buf.Init(hdr.Width, hdr.Height)
		if numSample != nil {
			numSample.Init(hdr.Width, hdr.Height)
		}
		coder := newPixCoder(hdr.Precision, scalarMask(1))
		return decodePixelPayload(dec, ap, buf, nil, numSample,
			want.WithNumSample(), false, coder, pixCoder{})
	})
	return hdr, err
}

// DecodeWeight restores a weight buffer sent as FLOAT1/RefWeight.
func DecodeWeight(data []byte, ap *ActivePixels, weight *Buffer) (Header, error) {
	hdr, _, err := decodeMain(data, ap, func(hdr *Header, dec *wire.Decoder) error {
		if hdr.DataType != DataFloat1 {
			return fmt.Errorf("%w: got %s, want FLOAT1", ErrWrongKind, hdr.DataType)
		}
		weight.Init(hdr.Width, hdr.Height)
		coder := newPixCoder(hdr.Precision, scalarMask(1))
		return decodePixelPayload(dec, ap, weight, nil, nil, false, false, coder, pixCoder{})
	})
	return hdr, err
}

// DecodeFloatAOV restores a 1- to 4-channel AOV. buf's channel count
// selects the expected FLOATn type. depth receives the closest-filter
// depth channel when the packet carries one and depth is non-nil;
// numSample likewise for *_WITH_NUMSAMPLE packets.
func DecodeFloatAOV(data []byte, ap *ActivePixels, buf, depth *Buffer, numSample *NumSampleBuffer) (Header, error) {
	hdr, _, err := decodeMain(data, ap, func(hdr *Header, dec *wire.Decoder) error {
		withNumSample := hdr.DataType.WithNumSample()
		want := floatDataType(buf.NumChan(), withNumSample)
		if want == DataUndef || hdr.DataType != want {
			return fmt.Errorf("%w: got %s for %d-channel buffer", ErrWrongKind, hdr.DataType, buf.NumChan())
		}
		buf.Init(hdr.Width, hdr.Height)
		if depth != nil && hdr.ClosestFilter {
			depth.Init(hdr.Width, hdr.Height)
		}
		if numSample != nil && withNumSample {
			numSample.Init(hdr.Width, hdr.Height)
		}
		coder := newPixCoder(hdr.Precision, colorMaskFor(buf.NumChan()))
		depthCoder := newPixCoder(hdr.Precision, scalarMask(1))
		return decodePixelPayload(dec, ap, buf, depth, numSample,
			withNumSample, hdr.ClosestFilter, coder, depthCoder)
	})
	return hdr, err
}

// DecodeReference reads a header-only REFERENCE packet.
func DecodeReference(data []byte) (Header, error) {
	var ap ActivePixels
	hdr, _, err := decodeMain(data, &ap, func(hdr *Header, dec *wire.Decoder) error {
		return nil
	})
	if err != nil {
		return hdr, err
	}
	if hdr.DataType != DataReference {
		return hdr, fmt.Errorf("%w: got %s, want REFERENCE", ErrWrongKind, hdr.DataType)
	}
	return hdr, nil
}
