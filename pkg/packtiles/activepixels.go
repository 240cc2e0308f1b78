package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"math/bits"
	"strings"
)

// TileWidth and TileHeight fix the tile geometry. One tile is 64
// pixels addressed by a single 64-bit mask, LSB = pixel 0 = the tile's
// lower-left pixel, walking rows upward.
const (
	TileWidth  = 8
	TileHeight = 8
	TilePixels = TileWidth * TileHeight
)

// ActivePixels is the sparse record of which pixels of a framebuffer
// have been touched since the last snapshot. Pixels outside the
// original (non tile-aligned) resolution stay zero.
type ActivePixels struct {
	width     int
	height    int
	numTilesX int
	numTilesY int
	tileMask  []uint64
}

func NewActivePixels(width, height int) *ActivePixels {
	ap := new(ActivePixels)
	ap.Init(width, height)
	return ap
}

// Init sets the resolution and allocates the mask array. Storage is
// reused when the tile grid does not change.
func (ap *ActivePixels) Init(width, height int) {
	ap.width = width
	ap.height = height
	ap.numTilesX = (width + TileWidth - 1) / TileWidth
	ap.numTilesY = (height + TileHeight - 1) / TileHeight
	n := ap.numTilesX * ap.numTilesY
	if cap(ap.tileMask) < n {
		ap.tileMask = make([]uint64, n)
	} else {
		ap.tileMask = ap.tileMask[:n]
		ap.Reset()
	}
}

func (ap *ActivePixels) Reset() {
	for i := range ap.tileMask {
		ap.tileMask[i] = 0
	}
}

func (ap *ActivePixels) Width() int      { return ap.width }
func (ap *ActivePixels) Height() int     { return ap.height }
func (ap *ActivePixels) NumTilesX() int  { return ap.numTilesX }
func (ap *ActivePixels) NumTilesY() int  { return ap.numTilesY }
func (ap *ActivePixels) NumTiles() int   { return len(ap.tileMask) }
func (ap *ActivePixels) AlignedWidth() int  { return ap.numTilesX * TileWidth }
func (ap *ActivePixels) AlignedHeight() int { return ap.numTilesY * TileHeight }

func (ap *ActivePixels) TileMask(tileID int) uint64 {
	return ap.tileMask[tileID]
}

func (ap *ActivePixels) SetTileMask(tileID int, mask uint64) {
	ap.tileMask[tileID] = mask
}

// OrMask merges mask into the tile's current mask.
func (ap *ActivePixels) OrMask(tileID int, mask uint64) {
	ap.tileMask[tileID] |= mask
}

// SetPixel marks the pixel at framebuffer coordinates (x, y) active.
// Out-of-range coordinates are ignored.
func (ap *ActivePixels) SetPixel(x, y int) {
	if x < 0 || x >= ap.width || y < 0 || y >= ap.height {
		return
	}
	tileID, shift := ap.pixelAddr(x, y)
	ap.tileMask[tileID] |= uint64(1) << shift
}

func (ap *ActivePixels) GetPixel(x, y int) bool {
	if x < 0 || x >= ap.width || y < 0 || y >= ap.height {
		return false
	}
	tileID, shift := ap.pixelAddr(x, y)
	return ap.tileMask[tileID]&(uint64(1)<<shift) != 0
}

func (ap *ActivePixels) pixelAddr(x, y int) (tileID int, shift uint) {
	tileID = (y/TileHeight)*ap.numTilesX + x/TileWidth
	shift = uint((y%TileHeight)*TileWidth + x%TileWidth)
	return tileID, shift
}

// ActiveTileTotal counts tiles with at least one active pixel.
func (ap *ActivePixels) ActiveTileTotal() int {
	total := 0
	for _, m := range ap.tileMask {
		if m != 0 {
			total++
		}
	}
	return total
}

// ActivePixelTotal counts all active pixels.
func (ap *ActivePixels) ActivePixelTotal() int {
	total := 0
	for _, m := range ap.tileMask {
		total += bits.OnesCount64(m)
	}
	return total
}

func (ap *ActivePixels) Equal(other *ActivePixels) bool {
	if ap.width != other.width || ap.height != other.height {
		return false
	}
	for i := range ap.tileMask {
		if ap.tileMask[i] != other.tileMask[i] {
			return false
		}
	}
	return true
}

// Show dumps the tile masks for debugging.
func (ap *ActivePixels) Show() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ActivePixels %dx%d tiles:%dx%d activeTiles:%d activePixels:%d {\n",
		ap.width, ap.height, ap.numTilesX, ap.numTilesY, ap.ActiveTileTotal(), ap.ActivePixelTotal())
	for tileID, m := range ap.tileMask {
		if m == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  tile:%d mask:0x%016x\n", tileID, m)
	}
	sb.WriteString("}")
	return sb.String()
}
