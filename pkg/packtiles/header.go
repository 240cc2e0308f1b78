package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/vorteil/gridutil/pkg/wire"
)

// Every packet starts with a fixed 20-byte SHA-1 slot covering the
// rest of the packet (all zero when hashing is off), followed by the
// varint-framed body: header, tile-mask block, pixel payload.

// HashSize is the SHA-1 digest size leading every packet.
const HashSize = sha1.Size

const (
	// FormatVer1 streams (tileId, mask) pairs per active tile.
	FormatVer1 = 1
	// FormatVer2 uses the hierarchical tile-mask block.
	FormatVer2 = 2
)

// Header carries the packet metadata common to every data type.
type Header struct {
	FormatVersion       uint32
	DataType            DataType
	ReferenceType       ReferenceType
	Width               int
	Height              int
	ActiveTileTotal     int
	ActivePixelTotal    int
	DefaultValue        float32
	Precision           PrecisionMode
	ClosestFilter       bool
	CoarsePassPrecision byte
	FinePassPrecision   byte
}

// Config selects the encoding parameters of a packet.
type Config struct {
	Precision           PrecisionMode
	CoarsePassPrecision byte
	FinePassPrecision   byte
	DefaultValue        float32
	Hash                bool
	Version             uint32 // 0 means FormatVer2
	Odd                 bool   // beauty-odd buffer pair
}

func (cfg *Config) version() uint32 {
	if cfg.Version == 0 {
		return FormatVer2
	}
	return cfg.Version
}

func malformed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMalformedPacket) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
}

func encodeHeader(enc *wire.Encoder, hdr *Header) {
	enc.VLUInt(hdr.FormatVersion)
	enc.VLUInt(uint32(hdr.DataType))
	enc.VLUInt(uint32(hdr.ReferenceType))
	enc.VLUInt(uint32(hdr.Width))
	enc.VLUInt(uint32(hdr.Height))
	enc.VLUInt(uint32(hdr.ActiveTileTotal))
	enc.VLUInt(uint32(hdr.ActivePixelTotal))
	enc.Float(hdr.DefaultValue)
	enc.Byte(byte(hdr.Precision))
	enc.Bool(hdr.ClosestFilter)
	enc.Byte(hdr.CoarsePassPrecision)
	enc.Byte(hdr.FinePassPrecision)
}

func decodeHeader(dec *wire.Decoder) (Header, error) {
	var hdr Header
	var err error

	if hdr.FormatVersion, err = dec.VLUInt(); err != nil {
		return hdr, err
	}
	if hdr.FormatVersion > FormatVer2 {
		return hdr, fmt.Errorf("%w: unknown format version %d", ErrMalformedPacket, hdr.FormatVersion)
	}

	u, err := dec.VLUInt()
	if err != nil {
		return hdr, err
	}
	hdr.DataType = DataType(u)

	if u, err = dec.VLUInt(); err != nil {
		return hdr, err
	}
	hdr.ReferenceType = ReferenceType(u)

	if u, err = dec.VLUInt(); err != nil {
		return hdr, err
	}
	hdr.Width = int(u)
	if u, err = dec.VLUInt(); err != nil {
		return hdr, err
	}
	hdr.Height = int(u)
	if u, err = dec.VLUInt(); err != nil {
		return hdr, err
	}
	hdr.ActiveTileTotal = int(u)
	if u, err = dec.VLUInt(); err != nil {
		return hdr, err
	}
	hdr.ActivePixelTotal = int(u)

	if hdr.DefaultValue, err = dec.Float(); err != nil {
		return hdr, err
	}
	b, err := dec.Byte()
	if err != nil {
		return hdr, err
	}
	hdr.Precision = PrecisionMode(b)
	if hdr.ClosestFilter, err = dec.Bool(); err != nil {
		return hdr, err
	}
	if hdr.CoarsePassPrecision, err = dec.Byte(); err != nil {
		return hdr, err
	}
	if hdr.FinePassPrecision, err = dec.Byte(); err != nil {
		return hdr, err
	}

	return hdr, nil
}

// encodeMain frames a packet: hash slot, header, tile-mask block,
// then the payload written by payloadFn when the frame carries data.
// ap may be nil for header-only packets.
func encodeMain(hdr Header, ap *ActivePixels, cfg *Config, payloadFn func(enc *wire.Encoder)) []byte {

	enc := wire.NewEncoder()
	encodeHeader(enc, &hdr)

	hasData := false
	if ap != nil {
		if hdr.FormatVersion == FormatVer1 {
			encodeTileMaskBlockVer1(ap, enc)
			hasData = true
		} else {
			hasData = EncodeTileMaskBlock(ap, enc) != allSkipMode
		}
	}
	if hasData && payloadFn != nil {
		payloadFn(enc)
	}

	body := enc.Bytes()
	out := make([]byte, HashSize+len(body))
	copy(out[HashSize:], body)
	if cfg.Hash {
		digest := sha1.Sum(body)
		copy(out[:HashSize], digest[:])
	}
	return out
}

// decodeMain reads the hash slot, the header, and the tile-mask
// block, reinitializes ap to the packet resolution, and hands the
// remaining payload to payloadFn. The bool result reports whether
// the packet carried active pixels.
func decodeMain(data []byte, ap *ActivePixels,
	payloadFn func(hdr *Header, dec *wire.Decoder) error) (Header, bool, error) {

	if len(data) < HashSize {
		return Header{}, false, fmt.Errorf("%w: packet shorter than hash", ErrMalformedPacket)
	}
	dec := wire.NewDecoder(data[HashSize:])

	hdr, err := decodeHeader(dec)
	if err != nil {
		return hdr, false, malformed(err)
	}

	if hdr.DataType == DataReference {
		return hdr, false, nil // header-only packet
	}

	ap.Init(hdr.Width, hdr.Height)
	ap.Reset()

	got := false
	if hdr.FormatVersion == FormatVer1 {
		if err := decodeTileMaskBlockVer1(dec, hdr.ActiveTileTotal, ap); err != nil {
			return hdr, false, malformed(err)
		}
		got = hdr.ActiveTileTotal > 0
	} else {
		if got, err = DecodeTileMaskBlock(dec, hdr.ActiveTileTotal, ap); err != nil {
			return hdr, false, malformed(err)
		}
	}
	if !got {
		return hdr, false, nil
	}

	if err := payloadFn(&hdr, dec); err != nil {
		return hdr, false, err
	}
	return hdr, true, nil
}

// PeekDataType reads only far enough into a packet to identify its
// payload type.
func PeekDataType(data []byte) (DataType, error) {
	if len(data) < HashSize {
		return DataUndef, fmt.Errorf("%w: packet shorter than hash", ErrMalformedPacket)
	}
	dec := wire.NewDecoder(data[HashSize:])
	ver, err := dec.VLUInt()
	if err != nil {
		return DataUndef, malformed(err)
	}
	if ver > FormatVer2 {
		return DataUndef, fmt.Errorf("%w: unknown format version %d", ErrMalformedPacket, ver)
	}
	u, err := dec.VLUInt()
	if err != nil {
		return DataUndef, malformed(err)
	}
	return DataType(u), nil
}

// VerifyHash recomputes the body SHA-1 and compares it against the
// packet's hash slot. Packets written with hashing disabled fail.
func VerifyHash(data []byte) bool {
	if len(data) < HashSize {
		return false
	}
	digest := sha1.Sum(data[HashSize:])
	for i := 0; i < HashSize; i++ {
		if digest[i] != data[i] {
			return false
		}
	}
	return true
}
