package tasks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/lookevink/srs-preprocessing/internal/stack"
)

// PreviewRequest defines inputs for thumbnail generation.
type PreviewRequest struct {
	Width   int
	Quality int
}

// WritePreview renders a WEBP thumbnail of the stack's reference frame into
// dir and returns the written path. Thumbnails use the display-range
// normalized 8-bit rendering regardless of source depth.
func WritePreview(dir string, s *stack.Stack, req PreviewRequest) (string, error) {
	if s.Len() == 0 {
		return "", stack.ErrEmptyStack
	}
	width := req.Width
	if width <= 0 {
		width = 512
	}
	quality := req.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	ref := &s.Frames[0]
	img := ref.Image(8)
	if s.Depth > 8 {
		// Rescale to the stack's dynamic range so 12/16-bit data is visible.
		lo, hi := s.MinMax(0)
		if hi > lo {
			scaled := ref.Clone()
			scale := 255 / (hi - lo)
			for c := range scaled.Planes {
				for i, v := range scaled.Planes[c] {
					scaled.Planes[c][i] = (v - lo) * scale
				}
			}
			img = scaled.Image(8)
		}
	}

	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)

	path := filepath.Join(dir, "preview.webp")
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	err = webp.Encode(out, thumb, &webp.Options{Quality: float32(quality)})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return path, nil
}
