// Package stab implements the stack stabilization engine: per-frame motion
// estimation against a fixed reference frame, robust outlier rejection, and
// subpixel resampling of the corrected frames.
package stab

import (
	"fmt"
	"math"
)

// Transform maps coordinates in a frame's space to the reference frame's
// space. It is a row-major 3x3 projective matrix with H[8] normalized to 1,
// covering both pure translations and general homographies.
type Transform struct {
	H [9]float64
}

// Identity returns the neutral transform, also assigned to the reference
// frame and used as the per-frame fallback.
func Identity() Transform {
	return Transform{H: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Translation returns a pure shift by (dx, dy).
func Translation(dx, dy float64) Transform {
	return Transform{H: [9]float64{1, 0, dx, 0, 1, dy, 0, 0, 1}}
}

// NewHomography normalizes h so that h[8] == 1. Returns false when the
// bottom-right entry is too close to zero to normalize.
func NewHomography(h [9]float64) (Transform, bool) {
	if math.Abs(h[8]) < 1e-12 {
		return Identity(), false
	}
	for i := range h {
		h[i] /= h[8]
	}
	return Transform{H: h}, true
}

const transformEps = 1e-9

// IsIdentity reports whether the transform is the identity within epsilon.
func (t Transform) IsIdentity() bool {
	id := Identity()
	for i := range t.H {
		if math.Abs(t.H[i]-id.H[i]) > transformEps {
			return false
		}
	}
	return true
}

// IsTranslation reports whether the transform is a pure translation, and if
// so returns its (dx, dy).
func (t Transform) IsTranslation() (dx, dy float64, ok bool) {
	h := t.H
	if math.Abs(h[0]-1) > transformEps || math.Abs(h[1]) > transformEps ||
		math.Abs(h[3]) > transformEps || math.Abs(h[4]-1) > transformEps ||
		math.Abs(h[6]) > transformEps || math.Abs(h[7]) > transformEps ||
		math.Abs(h[8]-1) > transformEps {
		return 0, 0, false
	}
	return h[2], h[5], true
}

// Apply maps (x, y) through the transform. Points whose projective
// denominator vanishes are sent far out of any frame's bounds.
func (t Transform) Apply(x, y float64) (float64, float64) {
	h := t.H
	den := h[6]*x + h[7]*y + h[8]
	if math.Abs(den) < 1e-12 {
		return math.Inf(1), math.Inf(1)
	}
	return (h[0]*x + h[1]*y + h[2]) / den, (h[3]*x + h[4]*y + h[5]) / den
}

// Mul composes transforms: (t.Mul(o)).Apply == t.Apply ∘ o.Apply.
func (t Transform) Mul(o Transform) Transform {
	var m [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[3*r+c] = t.H[3*r]*o.H[c] + t.H[3*r+1]*o.H[3+c] + t.H[3*r+2]*o.H[6+c]
		}
	}
	out, ok := NewHomography(m)
	if !ok {
		return Transform{H: m}
	}
	return out
}

// Invert returns the inverse transform. A transform whose matrix is
// singular cannot be inverted; callers treat that like any other
// estimation failure and fall back to identity.
func (t Transform) Invert() (Transform, error) {
	h := t.H
	// Cofactor expansion of the 3x3 inverse.
	c0 := h[4]*h[8] - h[5]*h[7]
	c1 := h[5]*h[6] - h[3]*h[8]
	c2 := h[3]*h[7] - h[4]*h[6]
	det := h[0]*c0 + h[1]*c1 + h[2]*c2
	if math.Abs(det) < 1e-12 {
		return Identity(), fmt.Errorf("singular transform, det=%g", det)
	}
	inv := [9]float64{
		c0 / det, (h[2]*h[7] - h[1]*h[8]) / det, (h[1]*h[5] - h[2]*h[4]) / det,
		c1 / det, (h[0]*h[8] - h[2]*h[6]) / det, (h[2]*h[3] - h[0]*h[5]) / det,
		c2 / det, (h[1]*h[6] - h[0]*h[7]) / det, (h[0]*h[4] - h[1]*h[3]) / det,
	}
	out, ok := NewHomography(inv)
	if !ok {
		return Identity(), fmt.Errorf("inverse not normalizable")
	}
	return out, nil
}

// ClampTranslation limits the translation part to ±max pixels, matching the
// acquisition rig's bounded drift. Non-translation terms are untouched.
func (t Transform) ClampTranslation(max float64) Transform {
	t.H[2] = clamp(t.H[2], -max, max)
	t.H[5] = clamp(t.H[5], -max, max)
	return t
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
