// Package frame encodes still frames and draws the diagnostic placeholder
// returned when no capture method works.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	MinQuality     = 10
	MaxQuality     = 100
	DefaultQuality = 75
)

// Clamp bounds a requested quality to [MinQuality, MaxQuality].
func Clamp(q int) int {
	return max(MinQuality, min(q, MaxQuality))
}

// Encode compresses img as a JPEG at quality, clamped.
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: Clamp(quality)}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Size returns the dimensions of an encoded frame without decoding
// its pixels.
func Size(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

var (
	placeholderBG = color.RGBA{0x20, 0x24, 0x2b, 0xff}
	placeholderFG = color.RGBA{0xe6, 0xe6, 0xe6, 0xff}
)

// Placeholder draws a w×h frame with msg written across it, wrapped to
// fit the width.
func Placeholder(w, h int, msg string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{placeholderBG}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: &image.Uniform{placeholderFG}, Face: face}

	const margin = 16
	lineHeight := face.Metrics().Height.Ceil() + 4
	y := margin + face.Metrics().Ascent.Ceil()
	for _, line := range wrap(d, msg, w-2*margin) {
		if y > h-margin {
			break
		}
		d.Dot = fixed.P(margin, y)
		d.DrawString(line)
		y += lineHeight
	}
	return img
}

// wrap breaks msg into lines no wider than width pixels. Words longer
// than a line are left to overflow.
func wrap(d *font.Drawer, msg string, width int) []string {
	var lines []string
	for _, para := range strings.Split(msg, "\n") {
		var cur string
		for _, word := range strings.Fields(para) {
			next := word
			if cur != "" {
				next = cur + " " + word
			}
			if cur != "" && d.MeasureString(next).Ceil() > width {
				lines = append(lines, cur)
				next = word
			}
			cur = next
		}
		lines = append(lines, cur)
	}
	return lines
}
