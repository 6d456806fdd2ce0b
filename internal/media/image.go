// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // register PNG decoder for oversize-photo shrinking
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
)

// Shrink settings for oversize photos: quality ladder first, dimension
// downscale as the fallback.
const (
	shrinkStartQuality = 95
	shrinkMinQuality   = 50
	shrinkQualityStep  = 5
)

var shrinkScales = []float64{0.9, 0.8, 0.7, 0.6, 0.5}

// ShrinkImage re-encodes the image at path to JPEG under targetSize
// bytes. Strategy one steps the JPEG quality down from 95 to 50;
// strategy two additionally downscales dimensions. Transparency is
// flattened onto a white background, since JPEG has no alpha.
//
// Returns the path of the shrunken copy; the original is untouched.
func ShrinkImage(path string, targetSize int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}

	flat := flatten(src)
	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_shrunk.jpg"

	// Strategy 1: quality ladder at full dimensions.
	for q := shrinkStartQuality; q >= shrinkMinQuality; q -= shrinkQualityStep {
		data, err := encodeJPEG(flat, q)
		if err != nil {
			return "", err
		}
		if int64(len(data)) <= targetSize {
			if err := fsutil.WriteFileAtomic(out, data); err != nil {
				return "", err
			}
			logging.Info().Str("path", filepath.Base(path)).Int("quality", q).
				Int("bytes", len(data)).Msg("photo shrunk by quality reduction")
			return out, nil
		}
	}

	// Strategy 2: downscale dimensions at the floor quality.
	bounds := flat.Bounds()
	for _, scale := range shrinkScales {
		w := int(float64(bounds.Dx()) * scale)
		h := int(float64(bounds.Dy()) * scale)
		if w < 1 || h < 1 {
			break
		}
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), flat, bounds, xdraw.Over, nil)

		data, err := encodeJPEG(scaled, shrinkMinQuality)
		if err != nil {
			return "", err
		}
		if int64(len(data)) <= targetSize {
			if err := fsutil.WriteFileAtomic(out, data); err != nil {
				return "", err
			}
			logging.Info().Str("path", filepath.Base(path)).Float64("scale", scale).
				Int("bytes", len(data)).Msg("photo shrunk by downscaling")
			return out, nil
		}
	}

	return "", fmt.Errorf("image %s cannot be shrunk under %d bytes", path, targetSize)
}

// flatten composites the image over a white background, removing any
// alpha channel.
func flatten(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
