// Package imaging converts between images and the per-channel float planes
// the initiator encrypts.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
)

// RGBChannels is the number of planes in a color image.
const RGBChannels = 3

// ErrNotRGB is returned for images without three color channels.
var ErrNotRGB = errors.New("imaging: image is not RGB")

// Planes holds an image as Channels[c][y][x] values in [0, 255].
type Planes struct {
	Width    int
	Height   int
	Channels [][][]float64
}

// Decode reads a PNG or JPEG image.
func Decode(r io.Reader) (Planes, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Planes{}, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img)
}

// Load decodes the image file at path.
func Load(path string) (Planes, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the operator.
	if err != nil {
		return Planes{}, err
	}
	defer f.Close()
	return Decode(f)
}

// FromImage splits img into red, green and blue planes. Alpha is dropped.
// Grayscale and other single-channel images are rejected.
func FromImage(img image.Image) (Planes, error) {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model, color.AlphaModel, color.Alpha16Model:
		return Planes{}, fmt.Errorf("%w: single channel image", ErrNotRGB)
	}
	b := img.Bounds()
	p := Planes{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: make([][][]float64, RGBChannels),
	}
	for c := range p.Channels {
		p.Channels[c] = make([][]float64, p.Height)
		for y := range p.Channels[c] {
			p.Channels[c][y] = make([]float64, p.Width)
		}
	}
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			rgba := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			p.Channels[0][y][x] = float64(rgba.R)
			p.Channels[1][y][x] = float64(rgba.G)
			p.Channels[2][y][x] = float64(rgba.B)
		}
	}
	return p, nil
}

// Clamp rounds v and limits it to a displayable 8-bit value.
func Clamp(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}

// ToGray builds a grayscale image from rows of values. Rows must all be at
// least width long; extra values are ignored.
func ToGray(rows [][]float64, width int) (*image.Gray, error) {
	img := image.NewGray(image.Rect(0, 0, width, len(rows)))
	for y, row := range rows {
		if len(row) < width {
			return nil, fmt.Errorf("row %d has %d values, want %d", y, len(row), width)
		}
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: Clamp(row[x])})
		}
	}
	return img, nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path) // #nosec G304 -- path comes from the operator.
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}
