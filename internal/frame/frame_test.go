package frame

import (
	"bytes"
	"image"
	"image/jpeg"
	"strings"
	"testing"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

func TestClamp(t *testing.T) {
	tests := []struct{ in, want int }{
		{5, 10},
		{10, 10},
		{75, 75},
		{100, 100},
		{500, 100},
		{-3, 10},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPlaceholderEncodes(t *testing.T) {
	img := Placeholder(800, 600, "capture unavailable: primary: access denied; fallback: BitBlt failed")
	data, err := Encode(img, 75)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte{0xff, 0xd8}) {
		t.Fatal("not a JPEG stream")
	}

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 800 || b.Dy() != 600 {
		t.Errorf("bounds = %v", b)
	}

	w, h, err := Size(data)
	if err != nil || w != 800 || h != 600 {
		t.Errorf("Size = %d×%d, %v", w, h, err)
	}
}

func TestPlaceholderDrawsText(t *testing.T) {
	img := Placeholder(200, 100, "hello")
	bg := img.RGBAAt(0, 0)
	lit := 0
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			if img.RGBAAt(x, y) != bg {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("no text pixels drawn")
	}
}

func TestQualityAffectsSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 31)
	}
	low, _ := Encode(img, 10)
	high, _ := Encode(img, 100)
	if len(low) >= len(high) {
		t.Errorf("q10 %d bytes, q100 %d bytes", len(low), len(high))
	}
}

func TestSizeRejectsGarbage(t *testing.T) {
	if _, _, err := Size([]byte("not an image")); err == nil {
		t.Fatal("expected error")
	}
}

func TestWrap(t *testing.T) {
	d := &font.Drawer{Face: basicfont.Face7x13}
	lines := wrap(d, "one two three four five six\nseven", 7*10)
	for _, l := range lines {
		if d.MeasureString(l).Ceil() > 70 && strings.Contains(l, " ") {
			t.Errorf("line %q too wide", l)
		}
	}
	if lines[len(lines)-1] != "seven" {
		t.Errorf("explicit break lost: %q", lines)
	}
}
