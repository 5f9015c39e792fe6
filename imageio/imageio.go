// Package imageio decodes input photos and persists stylized results.
package imageio

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// Decode reads any registered format (jpeg, png, gif, webp, avif).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	return img, format, nil
}

func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

// OutputName maps a source file name to its stylized PNG name.
func OutputName(src string) string {
	base := filepath.Base(src)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-stylized.png"
}

// Sink writes finished images into a directory.
type Sink struct {
	Dir string
}

func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}
	return &Sink{Dir: dir}, nil
}

// Save writes img as name under the sink directory and returns the full path.
func (s *Sink) Save(name string, img image.Image) (string, error) {
	path := filepath.Join(s.Dir, filepath.Base(name))
	if err := imaging.Save(img, path); err != nil {
		return "", errors.Wrapf(err, "save %s", path)
	}
	return path, nil
}
