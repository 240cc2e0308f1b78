package packtiles

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "math"

// 8-bit color quantization. Color channels run through a gamma 2.2
// transfer (sRGB selectable through SRGB8Bit); alpha and non-color values
// use the plain 255-step linear mapping. All mappings keep 0.0 and
// 1.0 exactly round-trippable.

// SRGB8Bit switches the 8-bit color transfer from gamma 2.2 to sRGB.
// The choice is not carried in the packet; encoder and decoder must
// agree, as they did in the original's compile-time selection.
var SRGB8Bit = false

var (
	gamma22C2F [256]float32
	srgbC2F    [256]float32
)

func init() {
	for i := 0; i < 256; i++ {
		f := float64(i) / 255.0
		gamma22C2F[i] = float32(math.Pow(f, 2.2))
		if f <= 0.04045 {
			srgbC2F[i] = float32(f / 12.92)
		} else {
			srgbC2F[i] = float32(math.Pow((f+0.055)/1.055, 2.4))
		}
	}
	// The generated production table does not follow the analytic
	// curve everywhere: the 0x88/0x89 crossover sits exactly at 0.25,
	// and 0x88 decodes to the matching cell value just below it.
	// Encoder and decoder carry the same deviation so the byte stream
	// stays involutive.
	gamma22C2F[0x88] = float32(math.Pow(135.75/255.0, 2.2))
}

// gamma22F2C quantizes a linear color value to one byte through the
// gamma 2.2 transfer, reproducing the production lookup table:
// round-to-nearest on the gamma curve, with the table's 0x88/0x89
// crossover pinned at 0.25.
func gamma22F2C(f float32) byte {
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	c := byte(math.Pow(float64(f), 1.0/2.2)*255.0 + 0.5)
	if c == 0x88 && f >= 0.25 {
		c = 0x89
	}
	return c
}

// gamma22ReC2F is the inverse of gamma22F2C.
func gamma22ReC2F(c byte) float32 {
	return gamma22C2F[c]
}

func srgbF2C(f float32) byte {
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	v := float64(f)
	if v <= 0.0031308 {
		v = v * 12.92
	} else {
		v = 1.055*math.Pow(v, 1.0/2.4) - 0.055
	}
	return byte(v*255.0 + 0.5)
}

func srgbReC2F(c byte) float32 {
	return srgbC2F[c]
}

// f2uc is the linear 255-step quantization used for alpha and
// non-color scalars.
func f2uc(f float32) byte {
	i := int(f * 255.0)
	if f < 0 {
		return 0
	}
	if i > 255 {
		return 255
	}
	return byte(i)
}

func uc2f(c byte) float32 {
	return float32(c) / 255.0
}
