package service

import (
	"image"
	"image/color"
	"os"
	"strings"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
)

// Weights returns the primary and secondary style contributions for r.
// Without a secondary style the primary weight is always 1.
func Weights(r Request) (primary, secondary float32, err error) {
	if !r.HasSecondary() {
		return 1, 0, nil
	}
	if math32.IsNaN(r.Blend) || r.Blend < 0 || r.Blend > 1 {
		return 0, 0, ErrInvalidBlend
	}
	return 1 - r.Blend, r.Blend, nil
}

func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(b), "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" && !strings.HasPrefix(l, "#") {
			out = append(out, l)
		}
	}
	return out, nil
}

// CropCenter returns the largest centered square of img.
func CropCenter(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h {
		return img
	}
	side := min(w, h)
	return imaging.CropCenter(img, side, side)
}

// Preprocess prepares an image for model input: center crop, resize to
// ImageSize, flatten alpha onto white and scale channels into [0,1].
func Preprocess(img image.Image) (PixelTensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrInvalidImage
	}

	img = CropCenter(img)
	resized := imaging.Resize(img, ImageSize, ImageSize, imaging.Lanczos)
	canvas := imaging.New(ImageSize, ImageSize, color.White)
	flat := imaging.Overlay(canvas, resized, image.Pt(0, 0), 1.0)

	out := NewPixelTensor()
	i := 0
	for y := range ImageSize {
		row := flat.Pix[y*flat.Stride : y*flat.Stride+ImageSize*4]
		for x := range ImageSize {
			px := row[x*4 : x*4+4]
			out[i] = float32(px[0]) / 255.0
			out[i+1] = float32(px[1]) / 255.0
			out[i+2] = float32(px[2]) / 255.0
			i += Channels
		}
	}
	return out, nil
}
