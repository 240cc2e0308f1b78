package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"math/bits"
	"math/rand"

	"github.com/vorteil/gridutil/pkg/wire"
)

// RunLenMasks encodes an array of 64-bit pixel masks, one per active
// tile. Each mask is stored either raw (8 bytes) or as a popcount
// byte followed by one byte per set pixel id; runs of same-typed
// masks are grouped under a control byte. Finalize picks whichever of
// the three whole-array encodings is smallest.
type RunLenMasks struct {
	masks    []uint64
	popcount []uint8
	dataSize int
}

const (
	// Masks with popcount below the threshold prefer id coding; an
	// id-coded mask exactly at the threshold costs 8 bytes either
	// way, so the tie is resolved by the next run-switching mask.
	runLenThreshold = 7

	// The run control byte keeps length-1 in its low 7 bits.
	maxRunLen = 128

	runModeMask = 0x00
	runModeID   = 0x80
)

func NewRunLenMasks(totalItems int) *RunLenMasks {
	return &RunLenMasks{
		masks:    make([]uint64, totalItems),
		popcount: make([]uint8, totalItems),
	}
}

func (r *RunLenMasks) Len() int               { return len(r.masks) }
func (r *RunLenMasks) Set(i int, mask uint64) { r.masks[i] = mask }
func (r *RunLenMasks) Get(i int) uint64       { return r.masks[i] }

// DataSize reports the encoded byte size chosen by Finalize.
func (r *RunLenMasks) DataSize() int { return r.dataSize }

func (r *RunLenMasks) Equal(other *RunLenMasks) bool {
	if len(r.masks) != len(other.masks) {
		return false
	}
	for i := range r.masks {
		if r.masks[i] != other.masks[i] {
			return false
		}
	}
	return true
}

// Finalize fills the popcount table and returns the smallest dump
// mode. Run-length coding must beat both flat modes strictly,
// otherwise the better flat mode wins.
func (r *RunLenMasks) Finalize() DumpMode {
	totalAllMask := 0
	totalAllID := 0
	for i := range r.masks {
		n := bits.OnesCount64(r.masks[i])
		r.popcount[i] = uint8(n)
		totalAllMask += 8
		totalAllID += 1 + n
	}

	totalLimit := totalAllMask
	if totalAllID < totalLimit {
		totalLimit = totalAllID
	}

	totalRunLen := 0
	if len(r.masks) > 0 {
		mode := r.initialMode(0)
		startID := 0
		for {
			endID, nextMode := r.findRunEnd(startID, mode)
			totalRunLen++ // control byte
			if mode == runModeMask {
				totalRunLen += (endID - startID + 1) * 8
			} else {
				for id := startID; id <= endID; id++ {
					totalRunLen += 1 + int(r.popcount[id])
				}
			}
			if totalRunLen >= totalLimit {
				break
			}
			mode = nextMode
			startID = endID + 1
			if startID >= len(r.masks) {
				break
			}
		}
	}

	var dumpMode DumpMode
	if totalLimit <= totalRunLen {
		if totalAllMask < totalAllID {
			dumpMode = MaskAllMaskDump
		} else {
			dumpMode = MaskAllIDDump
		}
	} else {
		dumpMode = MaskRunLenDump
	}

	switch dumpMode {
	case MaskAllMaskDump:
		r.dataSize = totalAllMask
	case MaskAllIDDump:
		r.dataSize = totalAllID
	case MaskRunLenDump:
		r.dataSize = totalRunLen
	}
	return dumpMode
}

func (r *RunLenMasks) EncodeAllMask(enc *wire.Encoder) {
	for _, m := range r.masks {
		enc.Mask64(m)
	}
}

func (r *RunLenMasks) DecodeAllMask(dec *wire.Decoder) error {
	for i := range r.masks {
		m, err := dec.Mask64()
		if err != nil {
			return err
		}
		r.masks[i] = m
	}
	return nil
}

func (r *RunLenMasks) EncodeAllID(enc *wire.Encoder) {
	for i := range r.masks {
		r.encodeMaskByID(i, enc)
	}
}

func (r *RunLenMasks) DecodeAllID(dec *wire.Decoder) error {
	for i := range r.masks {
		if err := r.decodeMaskByID(i, dec); err != nil {
			return err
		}
	}
	return nil
}

// EncodeRunLen requires a prior Finalize call so the popcount table
// is in place.
func (r *RunLenMasks) EncodeRunLen(enc *wire.Encoder) {
	mode := r.initialMode(0)
	startID := 0
	for {
		endID, nextMode := r.findRunEnd(startID, mode)
		r.encodeRunChunk(mode, startID, endID, enc)
		mode = nextMode
		startID = endID + 1
		if startID >= len(r.masks) {
			break
		}
	}
}

func (r *RunLenMasks) DecodeRunLen(dec *wire.Decoder) error {
	startID := 0
	for startID < len(r.masks) {
		next, err := r.decodeRunChunk(startID, dec)
		if err != nil {
			return err
		}
		startID = next
	}
	return nil
}

// FillRandom populates the table with random masks whose popcounts
// fall in [minActive, maxActive]. Used by the run-length tests.
func (r *RunLenMasks) FillRandom(rng *rand.Rand, minActive, maxActive int) {
	for i := range r.masks {
		target := minActive
		if maxActive > minActive {
			target += rng.Intn(maxActive - minActive + 1)
		}
		if target > 64 {
			target = 64
		}
		var mask uint64
		for bits.OnesCount64(mask) < target {
			mask |= uint64(1) << uint(rng.Intn(64))
		}
		r.masks[i] = mask
	}
}

// initialMode resolves the run mode at startID. Masks exactly at the
// threshold defer to the first following mask that is not.
func (r *RunLenMasks) initialMode(startID int) int {
	count := int(r.popcount[startID])
	if count < runLenThreshold {
		return runModeID
	}
	if count > runLenThreshold {
		return runModeMask
	}

	next := runLenThreshold
	for id := startID + 1; id < len(r.popcount); id++ {
		next = int(r.popcount[id])
		if next != runLenThreshold {
			break
		}
	}
	if next < runLenThreshold {
		return runModeID
	}
	return runModeMask
}

// findRunEnd returns the last index of the run starting at startID in
// the given mode, plus the mode of the following run.
func (r *RunLenMasks) findRunEnd(startID, mode int) (endID, nextMode int) {
	endID = startID

	maxID := len(r.masks) - 1
	if maxID-startID+1 > maxRunLen {
		maxID = startID + maxRunLen - 1
	}

	for id := startID + 1; id <= maxID; id++ {
		count := int(r.popcount[id])
		if mode == runModeMask && count < runLenThreshold {
			return endID, runModeID
		}
		if mode == runModeID && count > runLenThreshold {
			return endID, runModeMask
		}
		endID = id
	}

	nextMode = mode
	if endID+1 < len(r.masks) {
		nextMode = r.initialMode(endID + 1)
	}
	return endID, nextMode
}

func (r *RunLenMasks) encodeRunChunk(mode, startID, endID int, enc *wire.Encoder) {
	runLen := endID - startID + 1
	enc.Byte(byte(mode) | byte((runLen-1)&0x7f))
	if mode == runModeMask {
		for id := startID; id <= endID; id++ {
			enc.Mask64(r.masks[id])
		}
	} else {
		for id := startID; id <= endID; id++ {
			r.encodeMaskByID(id, enc)
		}
	}
}

func (r *RunLenMasks) decodeRunChunk(startID int, dec *wire.Decoder) (int, error) {
	ctrl, err := dec.Byte()
	if err != nil {
		return 0, err
	}
	mode := int(ctrl) & runModeID
	runLen := int(ctrl&0x7f) + 1

	endID := startID + runLen - 1
	if endID >= len(r.masks) {
		return 0, ErrMalformedPacket
	}

	if mode == runModeMask {
		for id := startID; id <= endID; id++ {
			m, err := dec.Mask64()
			if err != nil {
				return 0, err
			}
			r.masks[id] = m
		}
	} else {
		for id := startID; id <= endID; id++ {
			if err := r.decodeMaskByID(id, dec); err != nil {
				return 0, err
			}
		}
	}
	return endID + 1, nil
}

func (r *RunLenMasks) encodeMaskByID(id int, enc *wire.Encoder) {
	enc.Byte(byte(bits.OnesCount64(r.masks[id])))
	mask := r.masks[id]
	for shift := 0; mask != 0 && shift < 64; shift++ {
		if mask&1 != 0 {
			enc.Byte(byte(shift))
		}
		mask >>= 1
	}
}

func (r *RunLenMasks) decodeMaskByID(id int, dec *wire.Decoder) error {
	count, err := dec.Byte()
	if err != nil {
		return err
	}
	if count > 64 {
		return ErrMalformedPacket
	}
	var mask uint64
	for i := 0; i < int(count); i++ {
		shift, err := dec.Byte()
		if err != nil {
			return err
		}
		if shift > 63 {
			return ErrMalformedPacket
		}
		mask |= uint64(1) << uint(shift)
	}
	r.popcount[id] = count
	r.masks[id] = mask
	return nil
}
