package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "errors"

var (
	// ErrMalformedPacket reports a header parse failure, an unknown
	// format version, a truncated body, or a size mismatch.
	ErrMalformedPacket = errors.New("packtiles: malformed packet")

	// ErrWrongKind reports a decoded dataType that disagrees with the
	// caller's buffer kind.
	ErrWrongKind = errors.New("packtiles: data type mismatch")

	// ErrAllocationFailed reports an output buffer that could not be
	// resized.
	ErrAllocationFailed = errors.New("packtiles: allocation failed")
)

// DumpMode describes how the active-tile positions and the per-tile
// pixel masks are serialized. The two halves are packed into one
// byte: tile mode in the low nibble, mask mode in the high nibble.
type DumpMode byte

const (
	// Tile-position dump modes (low nibble).
	SkipDump      DumpMode = 0x00 // nothing emitted; empty or full coverage
	FullDump      DumpMode = 0x01 // absolute tile ids (debug only)
	FullDeltaDump DumpMode = 0x02 // delta-coded tile ids
	TableDump     DumpMode = 0x03 // hierarchical block tables
	LeafTableDump DumpMode = 0x04 // leaf blocks only (every block active)

	// Pixel-mask dump modes (high nibble).
	MaskSkipDump    DumpMode = 0x00
	MaskAllMaskDump DumpMode = 0x10
	MaskAllIDDump   DumpMode = 0x20
	MaskRunLenDump  DumpMode = 0x30

	tileDumpModeMask DumpMode = 0x0f
	maskDumpModeMask DumpMode = 0xf0
)

func combineDumpMode(tileMode, maskMode DumpMode) byte {
	return byte(tileMode | maskMode)
}

func splitDumpMode(b byte) (tileMode, maskMode DumpMode) {
	return DumpMode(b) & tileDumpModeMask, DumpMode(b) & maskDumpModeMask
}

func (m DumpMode) String() string {
	switch m & tileDumpModeMask {
	case FullDump:
		return "FULL_DUMP"
	case FullDeltaDump:
		return "FULL_DELTA_DUMP"
	case TableDump:
		return "TABLE_DUMP"
	case LeafTableDump:
		return "LEAF_TABLE_DUMP"
	}
	switch m & maskDumpModeMask {
	case MaskAllMaskDump:
		return "ALLMASK_DUMP"
	case MaskAllIDDump:
		return "ALLID_DUMP"
	case MaskRunLenDump:
		return "RUNLEN_DUMP"
	}
	return "SKIP_DUMP"
}

// DataType identifies the payload carried by a packet. The ordinals
// are wire values; encoder and decoder must agree on them exactly.
type DataType uint32

const (
	DataUndef DataType = iota
	DataBeauty
	DataBeautyWithNumSample
	DataBeautyOdd
	DataBeautyOddWithNumSample
	DataPixelInfo
	DataHeatMap
	DataHeatMapWithNumSample
	DataFloat1
	DataFloat2
	DataFloat3
	DataFloat4
	DataFloat1WithNumSample
	DataFloat2WithNumSample
	DataFloat3WithNumSample
	DataFloat4WithNumSample
	DataReference
)

func (t DataType) String() string {
	switch t {
	case DataBeauty:
		return "BEAUTY"
	case DataBeautyWithNumSample:
		return "BEAUTY_WITH_NUMSAMPLE"
	case DataBeautyOdd:
		return "BEAUTYODD"
	case DataBeautyOddWithNumSample:
		return "BEAUTYODD_WITH_NUMSAMPLE"
	case DataPixelInfo:
		return "PIXELINFO"
	case DataHeatMap:
		return "HEATMAP"
	case DataHeatMapWithNumSample:
		return "HEATMAP_WITH_NUMSAMPLE"
	case DataFloat1:
		return "FLOAT1"
	case DataFloat2:
		return "FLOAT2"
	case DataFloat3:
		return "FLOAT3"
	case DataFloat4:
		return "FLOAT4"
	case DataFloat1WithNumSample:
		return "FLOAT1_WITH_NUMSAMPLE"
	case DataFloat2WithNumSample:
		return "FLOAT2_WITH_NUMSAMPLE"
	case DataFloat3WithNumSample:
		return "FLOAT3_WITH_NUMSAMPLE"
	case DataFloat4WithNumSample:
		return "FLOAT4_WITH_NUMSAMPLE"
	case DataReference:
		return "REFERENCE"
	}
	return "UNDEF"
}

// WithNumSample reports whether the type carries a per-pixel sample
// count after the value channels.
func (t DataType) WithNumSample() bool {
	switch t {
	case DataBeautyWithNumSample, DataBeautyOddWithNumSample, DataHeatMapWithNumSample,
		DataFloat1WithNumSample, DataFloat2WithNumSample, DataFloat3WithNumSample,
		DataFloat4WithNumSample:
		return true
	}
	return false
}

// NumChan returns the value channel count, not counting the closest
// filter depth channel. Zero means the type carries no pixel payload.
func (t DataType) NumChan() int {
	switch t {
	case DataBeauty, DataBeautyWithNumSample, DataBeautyOdd, DataBeautyOddWithNumSample:
		return 4
	case DataPixelInfo, DataHeatMap, DataHeatMapWithNumSample, DataFloat1, DataFloat1WithNumSample:
		return 1
	case DataFloat2, DataFloat2WithNumSample:
		return 2
	case DataFloat3, DataFloat3WithNumSample:
		return 3
	case DataFloat4, DataFloat4WithNumSample:
		return 4
	}
	return 0
}

func floatDataType(nchan int, withNumSample bool) DataType {
	var t DataType
	switch nchan {
	case 1:
		t = DataFloat1
	case 2:
		t = DataFloat2
	case 3:
		t = DataFloat3
	case 4:
		t = DataFloat4
	default:
		return DataUndef
	}
	if withNumSample {
		t += DataFloat1WithNumSample - DataFloat1
	}
	return t
}

// PrecisionMode selects the per-channel quantization of the pixel
// payload.
type PrecisionMode byte

const (
	UC8 PrecisionMode = iota // 8-bit, gamma mapped for color channels
	H16                      // IEEE half
	F32                      // IEEE single
)

func (m PrecisionMode) String() string {
	switch m {
	case UC8:
		return "UC8"
	case H16:
		return "H16"
	case F32:
		return "F32"
	}
	return "?"
}

// ReferenceType names the buffer a REFERENCE packet points at.
type ReferenceType uint32

const (
	RefUndef ReferenceType = iota
	RefBeauty
	RefBeautyAux
	RefHeatMap
	RefWeight
)
