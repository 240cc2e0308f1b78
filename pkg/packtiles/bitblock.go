package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/gridutil/pkg/wire"
)

// BitBlock keeps on/off state for up to totalItems items as an array
// of 64-bit blocks and provides access by item id or raw block.
type BitBlock struct {
	totalItems int
	blocks     []uint64
}

func blockTotal(totalItems int) int {
	if totalItems <= 0 {
		return 0
	}
	return (totalItems-1)/64 + 1
}

func NewBitBlock(totalItems int) *BitBlock {
	return &BitBlock{
		totalItems: totalItems,
		blocks:     make([]uint64, blockTotal(totalItems)),
	}
}

func (b *BitBlock) Reset() {
	for i := range b.blocks {
		b.blocks[i] = 0
	}
}

// SetOn sets item i. Out-of-range ids are ignored.
func (b *BitBlock) SetOn(i int) {
	if i >= 0 && i < b.totalItems {
		b.blocks[i/64] |= uint64(1) << uint(i%64)
	}
}

func (b *BitBlock) SetOff(i int) {
	if i >= 0 && i < b.totalItems {
		b.blocks[i/64] &^= uint64(1) << uint(i%64)
	}
}

// Get reports item i. Out-of-range ids read as true; callers rely on
// that as the full-active sentinel.
func (b *BitBlock) Get(i int) bool {
	if i < 0 || i >= b.totalItems {
		return true
	}
	return b.blocks[i/64]&(uint64(1)<<uint(i%64)) != 0
}

func (b *BitBlock) BlockCount() int {
	return len(b.blocks)
}

func (b *BitBlock) Block(blockID int) uint64 {
	return b.blocks[blockID]
}

func (b *BitBlock) SetBlock(blockID int, mask uint64) {
	b.blocks[blockID] = mask
}

// ActiveBlockCount counts non-zero blocks.
func (b *BitBlock) ActiveBlockCount() int {
	total := 0
	for _, m := range b.blocks {
		if m != 0 {
			total++
		}
	}
	return total
}

//------------------------------------------------------------------------------

// BitPyramid is a mip-mapped stack of BitBlocks: level k's bit b is
// set iff level k-1's block b is non-zero. Level 0 is the leaf. Only
// leaf mutators are exposed; upper levels are derived during
// Finalize. The pyramid selects the cheapest of the tile dump
// encodings for serialization.
type BitPyramid struct {
	totalItems int
	fullActive bool
	levels     []*BitBlock
	dataSize   int
}

func pyramidLevels(totalItems int) int {
	levels := 1
	n := totalItems
	for {
		n = blockTotal(n)
		if n <= 1 {
			break
		}
		levels++
	}
	return levels
}

func NewBitPyramid(totalItems int) *BitPyramid {
	p := &BitPyramid{totalItems: totalItems}
	p.levels = make([]*BitBlock, pyramidLevels(totalItems))
	n := totalItems
	for i := range p.levels {
		p.levels[i] = NewBitBlock(n)
		n = p.levels[i].BlockCount()
	}
	return p
}

func (p *BitPyramid) Reset() {
	p.levels[0].Reset()
	p.fullActive = false
}

func (p *BitPyramid) SetOn(i int)  { p.levels[0].SetOn(i) }
func (p *BitPyramid) SetOff(i int) { p.levels[0].SetOff(i) }

func (p *BitPyramid) LeafBlockCount() int        { return p.levels[0].BlockCount() }
func (p *BitPyramid) LeafBlock(blockID int) uint64 { return p.levels[0].Block(blockID) }

// FullActive is valid after Finalize.
func (p *BitPyramid) FullActive() bool { return p.fullActive }

// NumLevels reports the pyramid depth (≥ 1, top level has one block).
func (p *BitPyramid) NumLevels() int { return len(p.levels) }

// Level exposes a pyramid level for inspection. Upper levels are only
// meaningful after rebuild with fullActive false.
func (p *BitPyramid) Level(k int) *BitBlock { return p.levels[k] }

// WalkActive visits every set leaf item in ascending id order.
func (p *BitPyramid) WalkActive(fn func(itemID int)) {
	leaf := p.levels[0]
	for blockID := 0; blockID < leaf.BlockCount(); blockID++ {
		block := leaf.Block(blockID)
		for shift := 0; block != 0 && shift < 64; shift++ {
			if block&1 != 0 {
				fn(blockID*64 + shift)
			}
			block >>= 1
		}
	}
}

// rebuild derives the upper levels from the leaf. When every leaf
// block is non-zero the upper levels are left untouched; they are
// unused in that case.
func (p *BitPyramid) rebuild() bool {
	leaf := p.levels[0]
	p.fullActive = leaf.ActiveBlockCount() == leaf.BlockCount()
	if !p.fullActive {
		for k := 1; k < len(p.levels); k++ {
			p.levels[k].Reset()
			lower := p.levels[k-1]
			for blockID := 0; blockID < lower.BlockCount(); blockID++ {
				if lower.Block(blockID) != 0 {
					p.levels[k].SetOn(blockID)
				}
			}
		}
	}
	return p.fullActive
}

// Finalize rebuilds the hierarchy and returns the cheapest dump mode.
// FullDump is never chosen; FullDeltaDump is always at least as small.
func (p *BitPyramid) Finalize() DumpMode {
	fullDeltaSize := p.sizeFullDelta()
	tblSize := p.sizeTable()

	if fullDeltaSize <= tblSize {
		p.dataSize = fullDeltaSize
		return FullDeltaDump
	}

	p.dataSize = tblSize
	if p.fullActive {
		return LeafTableDump
	}
	return TableDump
}

// DataSize reports the serialized byte size selected by Finalize.
func (p *BitPyramid) DataSize() int { return p.dataSize }

// SizeInfo reports the serialized size of every candidate encoding,
// for diagnostics. Valid after Finalize.
func (p *BitPyramid) SizeInfo() (fullDump, fullDeltaDump, tblDump int) {
	fullDump = p.sizeFull()
	fullDeltaDump = p.sizeFullDelta()
	if p.fullActive {
		tblDump = p.levels[0].BlockCount() * 8
	} else {
		tblDump = 8
		for k := len(p.levels) - 2; k >= 0; k-- {
			tblDump += p.levels[k].ActiveBlockCount() * 8
		}
	}
	return fullDump, fullDeltaDump, tblDump
}

func (p *BitPyramid) sizeFullDelta() int {
	size := 0
	prev := -1
	p.WalkActive(func(itemID int) {
		delta := itemID
		if prev >= 0 {
			delta = itemID - prev
		}
		size += wire.VLUIntSize(uint32(delta))
		prev = itemID
	})
	return size
}

func (p *BitPyramid) sizeFull() int {
	size := 0
	p.WalkActive(func(itemID int) {
		size += wire.VLUIntSize(uint32(itemID))
	})
	return size
}

// sizeTable rebuilds the hierarchy and returns the TABLE/LEAF_TABLE
// serialized size, whichever applies per the fullActive state.
func (p *BitPyramid) sizeTable() int {
	if p.rebuild() {
		return p.levels[0].BlockCount() * 8
	}
	total := 8 // top level is always a single block
	for k := len(p.levels) - 2; k >= 0; k-- {
		total += p.levels[k].ActiveBlockCount() * 8
	}
	return total
}

// EncodeFull emits every active leaf id as an absolute varint. Debug
// only; FullDeltaDump supersedes it but the wire ordinal stays.
func (p *BitPyramid) EncodeFull(enc *wire.Encoder) {
	p.WalkActive(func(itemID int) {
		enc.VLUInt(uint32(itemID))
	})
}

func (p *BitPyramid) DecodeFull(dec *wire.Decoder, activeTotal int) error {
	for i := 0; i < activeTotal; i++ {
		itemID, err := dec.VLUInt()
		if err != nil {
			return err
		}
		p.SetOn(int(itemID))
	}
	return nil
}

// EncodeFullDelta emits active leaf ids in ascending order, the first
// absolute, the rest as deltas from the previous id.
func (p *BitPyramid) EncodeFullDelta(enc *wire.Encoder) {
	prev := -1
	p.WalkActive(func(itemID int) {
		delta := itemID
		if prev >= 0 {
			delta = itemID - prev
		}
		enc.VLUInt(uint32(delta))
		prev = itemID
	})
}

func (p *BitPyramid) DecodeFullDelta(dec *wire.Decoder, activeTotal int) error {
	prev := 0
	for i := 0; i < activeTotal; i++ {
		delta, err := dec.VLUInt()
		if err != nil {
			return err
		}
		itemID := int(delta)
		if i > 0 {
			itemID += prev
		}
		p.SetOn(itemID)
		prev = itemID
	}
	return nil
}

// EncodeTable serializes the hierarchy. Call after Finalize. With
// fullActive every leaf block is emitted raw; otherwise the single
// top block is emitted first and each descending level emits the
// blocks flagged by the level above, LSB first within each parent.
func (p *BitPyramid) EncodeTable(enc *wire.Encoder) {
	if p.fullActive {
		leaf := p.levels[0]
		for blockID := 0; blockID < leaf.BlockCount(); blockID++ {
			enc.Mask64(leaf.Block(blockID))
		}
		return
	}

	top := len(p.levels) - 1
	enc.Mask64(p.levels[top].Block(0))
	for k := top - 1; k >= 0; k-- {
		p.walkActiveBlocks(k, func(blockID int) {
			enc.Mask64(p.levels[k].Block(blockID))
		})
	}
}

func (p *BitPyramid) DecodeTable(dec *wire.Decoder, fullActive bool) error {
	p.fullActive = fullActive

	if fullActive {
		leaf := p.levels[0]
		for blockID := 0; blockID < leaf.BlockCount(); blockID++ {
			mask, err := dec.Mask64()
			if err != nil {
				return err
			}
			leaf.SetBlock(blockID, mask)
		}
		return nil
	}

	mask, err := dec.Mask64()
	if err != nil {
		return err
	}
	top := len(p.levels) - 1
	p.levels[top].SetBlock(0, mask)
	for k := top - 1; k >= 0; k-- {
		var derr error
		p.walkActiveBlocks(k, func(blockID int) {
			if derr != nil {
				return
			}
			mask, err := dec.Mask64()
			if err != nil {
				derr = err
				return
			}
			p.levels[k].SetBlock(blockID, mask)
		})
		if derr != nil {
			return derr
		}
	}
	return nil
}

// walkActiveBlocks visits level k's block ids flagged by level k+1, in
// ascending order.
func (p *BitPyramid) walkActiveBlocks(k int, fn func(blockID int)) {
	upper := p.levels[k+1]
	for upperBlockID := 0; upperBlockID < upper.BlockCount(); upperBlockID++ {
		mask := upper.Block(upperBlockID)
		for shift := 0; mask != 0 && shift < 64; shift++ {
			if mask&1 != 0 {
				fn(upperBlockID*64 + shift)
			}
			mask >>= 1
		}
	}
}
