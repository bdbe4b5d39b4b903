package stab

import (
	"math"
	"math/rand"

	"github.com/lookevink/srs-preprocessing/internal/stack"
)

// blobField is a deterministic, continuously evaluable test image: Gaussian
// blobs over a quasi-random sinusoid texture, defined on an extended domain
// so warped frames can be synthesized at arbitrary real coordinates without
// border effects. The sinusoid mix makes every neighborhood locally unique,
// which the descriptor matcher needs; the blobs add strong corners.
type blobField struct {
	xs, ys, amp, sig2 []float64
	waveKX, waveKY    []float64
	wavePhase         []float64
}

func newBlobField(seed int64, w, h, count int) *blobField {
	rnd := rand.New(rand.NewSource(seed))
	f := &blobField{}
	for i := 0; i < count; i++ {
		f.xs = append(f.xs, rnd.Float64()*float64(w+100)-50)
		f.ys = append(f.ys, rnd.Float64()*float64(h+100)-50)
		f.amp = append(f.amp, 60+rnd.Float64()*120)
		s := 1.0 + rnd.Float64()*1.5
		f.sig2 = append(f.sig2, 2*s*s)
	}
	for i := 0; i < 10; i++ {
		theta := rnd.Float64() * 2 * math.Pi
		freq := 0.3 + rnd.Float64()*0.8
		f.waveKX = append(f.waveKX, freq*math.Cos(theta))
		f.waveKY = append(f.waveKY, freq*math.Sin(theta))
		f.wavePhase = append(f.wavePhase, rnd.Float64()*2*math.Pi)
	}
	return f
}

func (f *blobField) at(x, y float64) float32 {
	v := 90.0
	for i := range f.waveKX {
		v += 9 * math.Sin(f.waveKX[i]*x+f.waveKY[i]*y+f.wavePhase[i])
	}
	for i := range f.xs {
		dx, dy := x-f.xs[i], y-f.ys[i]
		d2 := dx*dx + dy*dy
		if d2 > 50 {
			continue
		}
		v += f.amp[i] * math.Exp(-d2/f.sig2[i])
	}
	if v > 255 {
		v = 255
	}
	if v < 0 {
		v = 0
	}
	return float32(v)
}

// renderFrame rasterizes the field viewed through warp, which maps frame
// coordinates into field coordinates. A nil warp renders the field as is.
func renderFrame(f *blobField, index, w, h int, warp *Transform) stack.Frame {
	fr := stack.NewFrame(index, w, h, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := float64(x), float64(y)
			if warp != nil {
				sx, sy = warp.Apply(sx, sy)
			}
			fr.Planes[0][y*w+x] = f.at(sx, sy)
		}
	}
	return fr
}

// shiftedStack builds a stack whose frame i views the field shifted by
// i*(dx, dy), frame 0 being the unshifted reference.
func shiftedStack(seed int64, w, h, frames int, dx, dy float64) *stack.Stack {
	f := newBlobField(seed, w, h, 70)
	s := &stack.Stack{Depth: 8, Meta: map[string]string{"axes": "TYX"}}
	for i := 0; i < frames; i++ {
		warp := Translation(float64(i)*dx, float64(i)*dy)
		s.Frames = append(s.Frames, renderFrame(f, i, w, h, &warp))
	}
	return s
}

// meanAbsDiff compares the single plane of two frames over an interior
// window, skipping border rows/cols that the fill policy touches.
func meanAbsDiff(a, b *stack.Frame, inset int) float64 {
	sum, n := 0.0, 0
	for y := inset; y < a.Height-inset; y++ {
		for x := inset; x < a.Width-inset; x++ {
			d := float64(a.Planes[0][y*a.Width+x] - b.Planes[0][y*b.Width+x])
			if d < 0 {
				d = -d
			}
			sum += d
			n++
		}
	}
	return sum / float64(n)
}
