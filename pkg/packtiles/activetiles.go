package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/gridutil/pkg/wire"
)

// The tile-mask block carries which tiles are active and which pixels
// inside each active tile are set. One combined mode byte leads, then
// the tile-position block, then the mask payload block.

// allSkipMode is the combined byte for an empty frame.
const allSkipMode = byte(SkipDump) | byte(MaskSkipDump)

// EncodeTileMaskBlock writes the combined mode byte and both blocks
// for the current ActivePixels state and returns the combined mode.
func EncodeTileMaskBlock(ap *ActivePixels, enc *wire.Encoder) byte {

	numActiveTiles := ap.ActiveTileTotal()
	if numActiveTiles == 0 {
		enc.Byte(allSkipMode)
		return allSkipMode
	}

	numTiles := ap.NumTiles()
	if numTiles == numActiveTiles {
		// Full coverage. The tile-position block is skipped entirely;
		// the decoder infers one mask per tile in row-major order.
		maskInfo := NewRunLenMasks(numTiles)
		for tileID := 0; tileID < numTiles; tileID++ {
			maskInfo.Set(tileID, ap.TileMask(tileID))
		}
		maskMode := maskInfo.Finalize()
		dumpMode := combineDumpMode(SkipDump, maskMode)
		enc.Byte(dumpMode)
		encodeMaskInfo(maskMode, maskInfo, enc)
		return dumpMode
	}

	tilesInfo := NewBitPyramid(numTiles)
	maskInfo := NewRunLenMasks(numActiveTiles)
	activeTileID := 0
	for tileID := 0; tileID < numTiles; tileID++ {
		if mask := ap.TileMask(tileID); mask != 0 {
			tilesInfo.SetOn(tileID)
			maskInfo.Set(activeTileID, mask)
			activeTileID++
		}
	}

	tileMode := tilesInfo.Finalize()
	maskMode := maskInfo.Finalize()
	dumpMode := combineDumpMode(tileMode, maskMode)
	enc.Byte(dumpMode)

	switch tileMode {
	case FullDump:
		tilesInfo.EncodeFull(enc)
	case FullDeltaDump:
		tilesInfo.EncodeFullDelta(enc)
	case TableDump, LeafTableDump:
		tilesInfo.EncodeTable(enc)
	}

	encodeMaskInfo(maskMode, maskInfo, enc)
	return dumpMode
}

func encodeMaskInfo(maskMode DumpMode, maskInfo *RunLenMasks, enc *wire.Encoder) {
	switch maskMode {
	case MaskAllMaskDump:
		maskInfo.EncodeAllMask(enc)
	case MaskAllIDDump:
		maskInfo.EncodeAllID(enc)
	case MaskRunLenDump:
		maskInfo.EncodeRunLen(enc)
	}
}

// DecodeTileMaskBlock reads the combined mode byte and both blocks
// and restores ap's tile masks. ap must already be initialized to the
// frame resolution and reset. It returns false without error when the
// block carries no data.
func DecodeTileMaskBlock(dec *wire.Decoder, activeTileTotal int, ap *ActivePixels) (bool, error) {

	dumpMode, err := dec.Byte()
	if err != nil {
		return false, err
	}
	tileMode, maskMode := splitDumpMode(dumpMode)

	tilesInfo := NewBitPyramid(ap.NumTiles())
	switch tileMode {
	case SkipDump:
	case FullDump:
		err = tilesInfo.DecodeFull(dec, activeTileTotal)
	case FullDeltaDump:
		err = tilesInfo.DecodeFullDelta(dec, activeTileTotal)
	case TableDump:
		err = tilesInfo.DecodeTable(dec, false)
	case LeafTableDump:
		err = tilesInfo.DecodeTable(dec, true)
	default:
		return false, ErrMalformedPacket
	}
	if err != nil {
		return false, err
	}

	var maskInfo *RunLenMasks
	if tileMode == SkipDump {
		maskInfo = NewRunLenMasks(ap.NumTiles())
	} else {
		maskInfo = NewRunLenMasks(activeTileTotal)
	}
	switch maskMode {
	case MaskSkipDump:
	case MaskAllMaskDump:
		err = maskInfo.DecodeAllMask(dec)
	case MaskAllIDDump:
		err = maskInfo.DecodeAllID(dec)
	case MaskRunLenDump:
		err = maskInfo.DecodeRunLen(dec)
	default:
		return false, ErrMalformedPacket
	}
	if err != nil {
		return false, err
	}

	if tileMode == SkipDump {
		if maskMode == MaskSkipDump {
			return false, nil // empty frame
		}
		for tileID := 0; tileID < ap.NumTiles(); tileID++ {
			ap.SetTileMask(tileID, maskInfo.Get(tileID))
		}
	} else {
		activeTileID := 0
		tilesInfo.WalkActive(func(tileID int) {
			ap.SetTileMask(tileID, maskInfo.Get(activeTileID))
			activeTileID++
		})
	}

	return true, nil
}

// Version 1 of the tile-mask block is a flat stream of
// (varint tileId, mask64) pairs for every active tile.

func encodeTileMaskBlockVer1(ap *ActivePixels, enc *wire.Encoder) {
	for tileID := 0; tileID < ap.NumTiles(); tileID++ {
		if mask := ap.TileMask(tileID); mask != 0 {
			enc.VLUInt(uint32(tileID))
			enc.Mask64(mask)
		}
	}
}

func decodeTileMaskBlockVer1(dec *wire.Decoder, activeTileTotal int, ap *ActivePixels) error {
	for i := 0; i < activeTileTotal; i++ {
		tileID, err := dec.VLUInt()
		if err != nil {
			return err
		}
		mask, err := dec.Mask64()
		if err != nil {
			return err
		}
		if int(tileID) >= ap.NumTiles() {
			return ErrMalformedPacket
		}
		ap.SetTileMask(int(tileID), mask)
	}
	return nil
}
