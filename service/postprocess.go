package service

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// RGBX is an 8-bit interleaved R,G,B,X bitmap in device RGB. The fourth byte of
// every pixel is padding and is ignored, so the image is always opaque.
type RGBX struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

func (p *RGBX) ColorModel() color.Model { return color.RGBAModel }

func (p *RGBX) Bounds() image.Rectangle { return p.Rect }

func (p *RGBX) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 0xff}
}

func (p *RGBX) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
}

// Opaque is always true; the padding byte carries no alpha.
func (p *RGBX) Opaque() bool { return true }

// channelByte narrows a normalized channel value to a byte, truncating.
func channelByte(v float32) uint8 {
	v *= 255
	if math32.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// Decode converts interleaved RGB floats for a width x height image into an RGBX
// bitmap. Pixel (x, y) is read at (y*width+x)*3 and written at (y*width+x)*4.
func Decode(data []float32, width, height int) (*RGBX, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrResultVisualization, "bad size %dx%d", width, height)
	}
	if want := width * height * Channels; len(data) != want {
		return nil, errors.Wrapf(ErrResultVisualization, "output holds %d floats, want %d", len(data), want)
	}

	pix := make([]uint8, width*height*4)
	for y := range height {
		for x := range width {
			src := (y*width + x) * Channels
			dst := (y*width + x) * 4
			pix[dst] = channelByte(data[src])
			pix[dst+1] = channelByte(data[src+1])
			pix[dst+2] = channelByte(data[src+2])
			pix[dst+3] = 0
		}
	}
	return &RGBX{
		Pix:    pix,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}
