/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vorteil/gridutil/pkg/packtiles"
)

var (
	flagFrames    int
	flagWidth     int
	flagHeight    int
	flagPrecision string
)

// addFrameFlags attaches the shared random-frame flags to relevant
// commands. Because of the order Go runs init functions this is
// called from commandInit.
func addFrameFlags(f *pflag.FlagSet) {
	f.IntVar(&flagFrames, "frames", 100, "number of random frames")
	f.IntVar(&flagWidth, "width", 640, "frame width")
	f.IntVar(&flagHeight, "height", 480, "frame height")
}

var codecCmd = &cobra.Command{
	Use:   "codec",
	Short: "Exercise the packed-tile framebuffer codec",
	Long:  "Exercise the packed-tile framebuffer codec",
}

func parsePrecision(s string) (packtiles.PrecisionMode, error) {
	switch s {
	case "uc8":
		return packtiles.UC8, nil
	case "h16":
		return packtiles.H16, nil
	case "f32":
		return packtiles.F32, nil
	}
	return packtiles.F32, fmt.Errorf("unknown precision %q", s)
}

func randomFrame(rng *rand.Rand, w, h int) (*packtiles.ActivePixels, *packtiles.Buffer) {
	ap := packtiles.NewActivePixels(w, h)
	rgba := packtiles.NewBuffer(4, w, h)
	n := rng.Intn(w*h/2 + 1)
	for i := 0; i < n; i++ {
		x, y := rng.Intn(w), rng.Intn(h)
		ap.SetPixel(x, y)
		copy(rgba.At(x, y), []float32{rng.Float32(), rng.Float32(), rng.Float32(), 1})
	}
	return ap, rgba
}

var codecVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Round-trip random frames through the codec",
	Long: `Encode random frames at every precision, decode them back, and
re-encode to confirm the output is byte-identical.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {

		rng := rand.New(rand.NewSource(1))
		progress := log.NewProgress("verifying", "frames", int64(flagFrames))
		defer progress.Finish(true)

		for frame := 0; frame < flagFrames; frame++ {
			ap, rgba := randomFrame(rng, flagWidth, flagHeight)

			for _, prec := range []packtiles.PrecisionMode{packtiles.UC8, packtiles.H16, packtiles.F32} {
				data, err := packtiles.EncodeBeautyNormalized(ap, rgba, packtiles.Config{Precision: prec})
				if err != nil {
					return err
				}

				ap2 := new(packtiles.ActivePixels)
				rgba2 := packtiles.NewBuffer(4, 0, 0)
				if _, err := packtiles.DecodeBeauty(data, ap2, rgba2); err != nil {
					return fmt.Errorf("frame %d decode (%v): %v", frame, prec, err)
				}
				if !ap.Equal(ap2) {
					return fmt.Errorf("frame %d (%v): active pixels mismatch", frame, prec)
				}

				second, err := packtiles.EncodeBeautyNormalized(ap2, rgba2, packtiles.Config{Precision: prec})
				if err != nil {
					return err
				}
				if string(data) != string(second) {
					return fmt.Errorf("frame %d (%v): re-encode is not byte-identical", frame, prec)
				}
			}
			progress.Increment(1)
		}

		log.Printf("verified %d frames OK", flagFrames)
		return nil
	},
}

var codecBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure packed-tile codec output sizes",
	Long: `Encode random frames and report the packed size against the flat
per-tile baseline of format version 1.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {

		prec, err := parsePrecision(flagPrecision)
		if err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(1))
		progress := log.NewProgress("encoding", "frames", int64(flagFrames))
		defer progress.Finish(true)

		var ver1Total, ver2Total, pixels int64
		for frame := 0; frame < flagFrames; frame++ {
			ap, rgba := randomFrame(rng, flagWidth, flagHeight)

			ver2, err := packtiles.EncodeBeautyNormalized(ap, rgba, packtiles.Config{Precision: prec})
			if err != nil {
				return err
			}
			ver1, err := packtiles.EncodeBeautyNormalized(ap, rgba,
				packtiles.Config{Precision: prec, Version: packtiles.FormatVer1})
			if err != nil {
				return err
			}

			ver1Total += int64(len(ver1))
			ver2Total += int64(len(ver2))
			pixels += int64(ap.ActivePixelTotal())
			progress.Increment(1)
		}

		ratio := float64(ver2Total) / float64(ver1Total)
		log.Printf("frames: %d  activePixels: %d", flagFrames, pixels)
		log.Printf("ver1: %d bytes  ver2: %d bytes  ratio: %.3f", ver1Total, ver2Total, ratio)
		return nil
	},
}
