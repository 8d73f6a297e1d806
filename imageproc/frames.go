// Package imageproc converts between image files and frame tensors.
package imageproc

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/openfluke/nssm/nn"
)

// Composite returns an image with the alpha channel removed by drawing over a black background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.Black}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns img scaled to size x size with Catmull-Rom interpolation.
// Images already at that size are returned as is.
func Resize(img image.Image, size int) image.Image {
	if b := img.Bounds(); b.Dx() == size && b.Dy() == size {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Pixels returns the channels of img, rescaled to [0, 1], channel first.
// One channel yields luma; three yield r, g and b.
func Pixels(img image.Image, channels int) ([]float32, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("imageproc: %d channels, want 1 or 3", channels)
	}

	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	out := make([]float32, channels*plane)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if channels == 1 {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
				out[i] = float32(g.Y) / 255
			} else {
				r, g, bl, _ := img.At(x, y).RGBA()
				out[i] = float32(r>>8) / 255
				out[plane+i] = float32(g>>8) / 255
				out[2*plane+i] = float32(bl>>8) / 255
			}
			i++
		}
	}
	return out, nil
}

// ToTensor stacks frames into a [1, T*channels, size, size] tensor, the
// layout the latent state encoder reads.
func ToTensor(frames []image.Image, size, channels int) (*nn.Tensor, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("imageproc: no frames")
	}

	data := make([]float32, 0, len(frames)*channels*size*size)
	for i, f := range frames {
		px, err := Pixels(Resize(Composite(f), size), channels)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		data = append(data, px...)
	}
	return nn.FromSlice(data, 1, len(frames)*channels, size, size)
}

// Load decodes a PNG or JPEG file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadSequence reads image files in order and stacks them with ToTensor.
func LoadSequence(paths []string, size, channels int) (*nn.Tensor, error) {
	frames := make([]image.Image, len(paths))
	for i, p := range paths {
		img, err := Load(p)
		if err != nil {
			return nil, err
		}
		frames[i] = img
	}
	return ToTensor(frames, size, channels)
}

// FromTensor converts decoder output [B, T, H, W] with values in [0, 1]
// into B*T grayscale frames in batch-major order. Values outside [0, 1]
// are clamped.
func FromTensor(t *nn.Tensor) ([]*image.Gray, error) {
	if t.Rank() != 4 {
		return nil, &nn.ShapeError{Op: "imageproc.FromTensor", Got: t.Shape, Want: []int{-1, -1, -1, -1}}
	}
	n, h, w := t.Dim(0)*t.Dim(1), t.Dim(2), t.Dim(3)

	frames := make([]*image.Gray, n)
	for i := range frames {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for j, v := range t.Data[i*h*w : (i+1)*h*w] {
			img.Pix[j] = uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
		}
		frames[i] = img
	}
	return frames, nil
}

// Tile lays frames out row-major in a grid cols frames wide.
func Tile(frames []*image.Gray, cols int) *image.Gray {
	if len(frames) == 0 {
		return image.NewGray(image.Rectangle{})
	}
	cols = max(1, min(cols, len(frames)))
	rows := (len(frames) + cols - 1) / cols
	fw, fh := frames[0].Bounds().Dx(), frames[0].Bounds().Dy()

	dst := image.NewGray(image.Rect(0, 0, cols*fw, rows*fh))
	for i, f := range frames {
		at := image.Pt((i%cols)*fw, (i/cols)*fh)
		draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(image.Pt(fw, fh))}, f, f.Bounds().Min, draw.Src)
	}
	return dst
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
