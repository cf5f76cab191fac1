// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attach stages, thumbnails, and resolves file-backed attachments.
package attach

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/hamwisk/HamChat/internal/util"
)

// thumbSize is the square letterbox edge in pixels.
const thumbSize = 96

// =============================================================================
// THUMBNAIL GENERATION
// =============================================================================

// makeThumbnail renders a 96px square letterboxed PNG for the blob at sha.
// Non-image content or decode failure is an error the caller treats as
// non-fatal.
func (s *Store) makeThumbnail(sha string) (string, error) {
	out := filepath.Join(s.thumbDir(), "thumb_"+sha+".png")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	f, err := os.Open(s.blobPath(sha))
	if err != nil {
		return "", fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("not a decodable image: %w", err)
	}

	dst := letterbox(src, thumbSize)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	if err := util.AtomicWriteFile(out, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return out, nil
}

// letterbox scales src to fit a size x size square, preserving aspect ratio
// and centering on a transparent background. Nearest-neighbor sampling keeps
// this dependency-free; thumbnails are small enough that quality is fine.
func letterbox(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 {
		return image.NewRGBA(image.Rect(0, 0, size, size))
	}

	// Fit the longer edge to size.
	tw, th := size, size
	if sw > sh {
		th = sh * size / sw
	} else {
		tw = sw * size / sh
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	ox := (size - tw) / 2
	oy := (size - th) / 2
	for y := 0; y < th; y++ {
		sy := b.Min.Y + y*sh/th
		for x := 0; x < tw; x++ {
			sx := b.Min.X + x*sw/tw
			dst.Set(ox+x, oy+y, src.At(sx, sy))
		}
	}
	return dst
}

// placeholderPath returns the shared placeholder thumbnail, writing it on
// first use. A flat gray tile; failure to write falls back to an empty path.
func (s *Store) placeholderPath() string {
	out := filepath.Join(s.thumbDir(), "placeholder.png")
	if _, err := os.Stat(out); err == nil {
		return out
	}

	img := image.NewRGBA(image.Rect(0, 0, thumbSize, thumbSize))
	gray := color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	for y := 0; y < thumbSize; y++ {
		for x := 0; x < thumbSize; x++ {
			img.Set(x, y, gray)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return ""
	}
	if err := util.AtomicWriteFile(out, buf.Bytes(), 0644); err != nil {
		s.log.Warn("failed to write placeholder thumbnail",
			slog.String("error", err.Error()))
		return ""
	}
	return out
}
