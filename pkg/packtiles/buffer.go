package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// Buffer is a tile-aligned pixel value buffer with nchan float32
// channels per pixel. Pixels are stored tile after tile, 64 pixels
// per tile, so the flat index of a pixel is tileID*64 + offset.
type Buffer struct {
	width  int
	height int
	nchan  int
	tilesX int
	tilesY int
	data   []float32
}

func NewBuffer(nchan, width, height int) *Buffer {
	b := &Buffer{nchan: nchan}
	b.Init(width, height)
	return b
}

// Init resizes the buffer to the given original resolution. The
// storage is reallocated and cleared only when the resolution
// changes; otherwise existing pixel values are kept so that decoded
// deltas refine the previous frame in place.
func (b *Buffer) Init(width, height int) {
	if b.width == width && b.height == height && b.data != nil {
		return
	}
	b.width = width
	b.height = height
	b.tilesX = (width + TileWidth - 1) / TileWidth
	b.tilesY = (height + TileHeight - 1) / TileHeight
	b.data = make([]float32, b.tilesX*b.tilesY*TilePixels*b.nchan)
}

func (b *Buffer) Width() int   { return b.width }
func (b *Buffer) Height() int  { return b.height }
func (b *Buffer) NumChan() int { return b.nchan }
func (b *Buffer) NumTiles() int { return b.tilesX * b.tilesY }

func (b *Buffer) Clear() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// Pix returns the channel slice of the pixel at offset within tileID.
func (b *Buffer) Pix(tileID, offset int) []float32 {
	i := (tileID*TilePixels + offset) * b.nchan
	return b.data[i : i+b.nchan]
}

// At returns the channel slice of the pixel at framebuffer
// coordinates (x, y).
func (b *Buffer) At(x, y int) []float32 {
	tileID := (y/TileHeight)*b.tilesX + x/TileWidth
	offset := (y%TileHeight)*TileWidth + x%TileWidth
	return b.Pix(tileID, offset)
}

// NumSampleBuffer carries per-pixel accumulated sample counts in the
// same tile-aligned layout as Buffer.
type NumSampleBuffer struct {
	width  int
	height int
	tilesX int
	tilesY int
	data   []uint32
}

func NewNumSampleBuffer(width, height int) *NumSampleBuffer {
	b := new(NumSampleBuffer)
	b.Init(width, height)
	return b
}

func (b *NumSampleBuffer) Init(width, height int) {
	if b.width == width && b.height == height && b.data != nil {
		return
	}
	b.width = width
	b.height = height
	b.tilesX = (width + TileWidth - 1) / TileWidth
	b.tilesY = (height + TileHeight - 1) / TileHeight
	b.data = make([]uint32, b.tilesX*b.tilesY*TilePixels)
}

func (b *NumSampleBuffer) Width() int  { return b.width }
func (b *NumSampleBuffer) Height() int { return b.height }

func (b *NumSampleBuffer) Pix(tileID, offset int) *uint32 {
	return &b.data[tileID*TilePixels+offset]
}

func (b *NumSampleBuffer) At(x, y int) *uint32 {
	tileID := (y/TileHeight)*b.tilesX + x/TileWidth
	offset := (y%TileHeight)*TileWidth + x%TileWidth
	return b.Pix(tileID, offset)
}
