package stab

import (
	"math"

	"github.com/lookevink/srs-preprocessing/internal/stack"
)

// Resample applies a transform to every channel of a frame, producing an
// aligned frame of identical dimensions. The transform maps target
// coordinates into reference coordinates, so each destination pixel is
// inverse-mapped back into the source and sampled bilinearly (subpixel
// accuracy; nearest-neighbor would alias and corrupt downstream intensity
// statistics). Samples falling outside the source are resolved by the fill
// policy. All channels move together under the same spatial transform.
func Resample(f *stack.Frame, t Transform, fill FillMode) (stack.Frame, error) {
	if t.IsIdentity() {
		return f.Clone(), nil
	}
	inv, err := t.Invert()
	if err != nil {
		return stack.Frame{}, err
	}

	out := stack.NewFrame(f.Index, f.Width, f.Height, len(f.Planes))
	out.Meta = f.Meta

	if dx, dy, ok := inv.IsTranslation(); ok && isIntegral(dx) && isIntegral(dy) {
		shiftInteger(f, &out, int(math.Round(dx)), int(math.Round(dy)), fill)
		return out, nil
	}

	w, h := f.Width, f.Height
	for c, src := range f.Planes {
		dst := out.Planes[c]
		for y := 0; y < h; y++ {
			fy := float64(y)
			for x := 0; x < w; x++ {
				sx, sy := inv.Apply(float64(x), fy)
				dst[y*w+x] = samplePlane(src, w, h, sx, sy, fill)
			}
		}
	}
	return out, nil
}

func isIntegral(v float64) bool {
	return math.Abs(v-math.Round(v)) < 1e-9
}

// shiftInteger is the fast path for whole-pixel translations: row copies
// instead of per-pixel interpolation. (dx, dy) is the source offset, i.e.
// dst(x, y) = src(x+dx, y+dy).
func shiftInteger(f, out *stack.Frame, dx, dy int, fill FillMode) {
	w, h := f.Width, f.Height
	for c, src := range f.Planes {
		dst := out.Planes[c]
		for y := 0; y < h; y++ {
			sy := y + dy
			if sy < 0 || sy >= h {
				if fill == FillEdge {
					sy = clampInt(sy, 0, h-1)
				} else {
					// Row entirely uncovered; dst is already zeroed.
					continue
				}
			}
			for x := 0; x < w; x++ {
				sx := x + dx
				if sx < 0 || sx >= w {
					if fill == FillEdge {
						sx = clampInt(sx, 0, w-1)
					} else {
						continue
					}
				}
				dst[y*w+x] = src[sy*w+sx]
			}
		}
	}
}

// samplePlane reads the plane at a fractional coordinate with bilinear
// interpolation. Out-of-bounds coordinates resolve per the fill policy;
// in-bounds samples near the border clamp their neighborhood, which keeps
// interpolation continuous up to the edge.
func samplePlane(p stack.Plane, w, h int, x, y float64, fill FillMode) float32 {
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		if fill == FillEdge {
			x = clamp(x, 0, float64(w-1))
			y = clamp(y, 0, float64(h-1))
		} else {
			return 0
		}
	}
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))
	v00 := p[y0*w+x0]
	v10 := p[y0*w+x1]
	v01 := p[y1*w+x0]
	v11 := p[y1*w+x1]
	top := v00 + (v10-v00)*fx
	bot := v01 + (v11-v01)*fx
	return top + (bot-top)*fy
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
