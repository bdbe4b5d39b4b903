package stab

import (
	"github.com/lookevink/srs-preprocessing/internal/stack"
)

// gray is the single-channel working image both estimators run on:
// the designated alignment channel of a frame, rescaled to 0..255 using the
// stack-wide intensity range so that descriptor and block thresholds mean
// the same thing for 8-bit and 16-bit acquisitions.
type gray struct {
	w, h int
	pix  []float32
}

func newGray(f *stack.Frame, channel int, lo, hi float32) *gray {
	if channel >= len(f.Planes) {
		channel = 0
	}
	g := &gray{w: f.Width, h: f.Height, pix: make([]float32, f.Width*f.Height)}
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	src := f.Planes[channel]
	for i, v := range src {
		g.pix[i] = (v - lo) * scale
	}
	return g
}

// at reads with edge clamping, which keeps gradient and patch loops free of
// per-pixel bounds branches at the borders.
func (g *gray) at(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= g.w {
		x = g.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= g.h {
		y = g.h - 1
	}
	return g.pix[y*g.w+x]
}
