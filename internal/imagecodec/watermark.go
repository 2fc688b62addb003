package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

// DefaultWatermark is stamped on every generated image.
const DefaultWatermark = "AI generated - fitroom"

const watermarkMargin = 8

var (
	watermarkShadow = image.NewUniform(color.RGBA{A: 160})
	watermarkInk    = image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 220})
)

// Watermark draws text in the bottom-right corner of the image and returns
// the result as PNG bytes.
func Watermark(data []byte, text string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image for watermark: %w", err)
	}

	b := src.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, src, b.Min, draw.Src)

	if text != "" {
		face := basicfont.Face7x13
		width := font.MeasureString(face, text).Ceil()
		x := max(b.Max.X-width-watermarkMargin, b.Min.X)
		y := max(b.Max.Y-watermarkMargin, b.Min.Y+face.Ascent)

		d := &font.Drawer{Dst: canvas, Src: watermarkShadow, Face: face, Dot: fixed.P(x+1, y+1)}
		d.DrawString(text)
		d.Src = watermarkInk
		d.Dot = fixed.P(x, y)
		d.DrawString(text)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode watermarked image: %w", err)
	}
	return buf.Bytes(), nil
}
