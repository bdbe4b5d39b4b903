package stack

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
)

// LoadFrames reads an ordered list of single-page image files (TIFF or PNG,
// one plane set per file) into a Stack. Frame order follows the order of
// paths. Dimension consistency is checked by the caller via Validate.
func LoadFrames(paths []string) (*Stack, error) {
	if len(paths) == 0 {
		return nil, ErrEmptyStack
	}
	s := &Stack{Meta: map[string]string{}, Depth: 8}
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open frame %d: %w", i, err)
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode frame %d (%s): %w", i, filepath.Base(path), err)
		}
		frame, depth := frameFromImage(i, img)
		frame.Meta.Source = filepath.Base(path)
		if depth > s.Depth {
			s.Depth = depth
		}
		s.Frames = append(s.Frames, frame)
	}
	if s.Channels() == 3 {
		s.ChannelTags = []string{"R", "G", "B"}
	}
	return s, nil
}

// frameFromImage converts a decoded image into a Frame, returning the
// source bit depth. Gray and Gray16 keep a single plane; anything else is
// expanded to three RGB planes.
func frameFromImage(index int, img image.Image) (Frame, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch im := img.(type) {
	case *image.Gray:
		f := NewFrame(index, w, h, 1)
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride : y*im.Stride+w]
			for x, v := range row {
				f.Planes[0][y*w+x] = float32(v)
			}
		}
		return f, 8
	case *image.Gray16:
		f := NewFrame(index, w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := y*im.Stride + 2*x
				f.Planes[0][y*w+x] = float32(uint16(im.Pix[o])<<8 | uint16(im.Pix[o+1]))
			}
		}
		return f, 16
	default:
		f := NewFrame(index, w, h, 3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				f.Planes[0][y*w+x] = float32(r >> 8)
				f.Planes[1][y*w+x] = float32(g >> 8)
				f.Planes[2][y*w+x] = float32(bl >> 8)
			}
		}
		return f, 8
	}
}

// Image renders the frame back into an image.Image at the given bit depth.
// Single-plane frames become Gray/Gray16, three-plane frames become RGBA.
// Values are rounded and clamped to the depth's range.
func (f *Frame) Image(depth int) image.Image {
	w, h := f.Width, f.Height
	switch {
	case len(f.Planes) == 1 && depth == 16:
		im := image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				im.SetGray16(x, y, color.Gray16{Y: clampU16(f.Planes[0][y*w+x])})
			}
		}
		return im
	case len(f.Planes) == 1:
		im := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				im.SetGray(x, y, color.Gray{Y: clampU8(f.Planes[0][y*w+x])})
			}
		}
		return im
	default:
		im := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				im.SetRGBA(x, y, color.RGBA{
					R: clampU8(f.planeAt(0, x, y)),
					G: clampU8(f.planeAt(1, x, y)),
					B: clampU8(f.planeAt(2, x, y)),
					A: 0xff,
				})
			}
		}
		return im
	}
}

func (f *Frame) planeAt(c, x, y int) float32 {
	if c >= len(f.Planes) {
		return 0
	}
	return f.Planes[c][y*f.Width+x]
}

// EncodeFrame writes the frame as a deflate-compressed TIFF.
func EncodeFrame(w io.Writer, f *Frame, depth int) error {
	return tiff.Encode(w, f.Image(depth), &tiff.Options{Compression: tiff.Deflate})
}

// WriteFrames encodes every frame of the stack into dir as
// "<prefix>_NNN.tif" and returns the written paths in frame order.
func WriteFrames(dir, prefix string, s *Stack) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(s.Frames))
	for i := range s.Frames {
		path := filepath.Join(dir, fmt.Sprintf("%s_%03d.tif", prefix, i))
		out, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		err = EncodeFrame(out, &s.Frames[i], s.Depth)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func clampU8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

func clampU16(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 65535 {
		return 65535
	}
	return uint16(v + 0.5)
}
