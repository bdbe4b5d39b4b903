package stab

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// flowEstimator recovers a global translation from a dense block
// displacement field. Each textured reference patch is searched for in the
// target within ±MaxShift, and the per-patch displacements are reduced with
// a median, which shrugs off localized motion and noise outliers where a
// mean would not.
type flowEstimator struct {
	cfg    Config
	ref    *gray
	blocks []blockRef
}

// blockRef is the top-left corner of a reference patch that carried enough
// texture to be worth matching.
type blockRef struct {
	x, y int
}

func newFlowEstimator(cfg Config, ref *gray) *flowEstimator {
	e := &flowEstimator{cfg: cfg, ref: ref}
	bs := cfg.Flow.BlockSize
	margin := int(cfg.MaxShift)

	// Keep the search window fully inside the target so SAD scores are not
	// skewed by edge clamping.
	for y := margin; y+bs+margin <= ref.h; y += cfg.Flow.BlockStep {
		for x := margin; x+bs+margin <= ref.w; x += cfg.Flow.BlockStep {
			if blockVariance(ref, x, y, bs) >= cfg.Flow.TextureThreshold {
				e.blocks = append(e.blocks, blockRef{x: x, y: y})
			}
		}
	}
	return e
}

func (e *flowEstimator) name() string { return string(MethodOpticalFlow) }

func (e *flowEstimator) estimate(tgt *gray, _ *rand.Rand) (Transform, float64, error) {
	if tgt.w != e.ref.w || tgt.h != e.ref.h {
		return Identity(), 0, fmt.Errorf("frame size %dx%d differs from reference %dx%d",
			tgt.w, tgt.h, e.ref.w, e.ref.h)
	}
	if len(e.blocks) < e.cfg.Flow.MinBlocks {
		return Identity(), 0, fmt.Errorf("only %d textured blocks, need %d",
			len(e.blocks), e.cfg.Flow.MinBlocks)
	}

	maxShift := int(e.cfg.MaxShift)
	dxs := make([]float64, 0, len(e.blocks))
	dys := make([]float64, 0, len(e.blocks))
	for _, b := range e.blocks {
		dx, dy, ok := e.matchBlock(tgt, b, maxShift)
		if !ok {
			continue
		}
		dxs = append(dxs, dx)
		dys = append(dys, dy)
	}
	if len(dxs) < e.cfg.Flow.MinBlocks {
		return Identity(), 0, fmt.Errorf("only %d blocks matched, need %d",
			len(dxs), e.cfg.Flow.MinBlocks)
	}

	mdx := median(dxs)
	mdy := median(dys)

	// Dispersion of the field around its median; a tight field means the
	// whole frame moved together and the translation can be trusted.
	dev := make([]float64, len(dxs))
	for i := range dxs {
		dev[i] = math.Hypot(dxs[i]-mdx, dys[i]-mdy)
	}
	dispersion := median(dev)
	confidence := 1 / (1 + dispersion)

	// The field measures where reference content landed in the target, so
	// the target-to-reference correction is the negated displacement.
	t := Translation(-mdx, -mdy).ClampTranslation(e.cfg.MaxShift)
	return t, confidence, nil
}

// matchBlock finds the integer displacement minimizing SAD, then refines it
// to subpixel precision with a parabolic fit over the neighboring scores.
func (e *flowEstimator) matchBlock(tgt *gray, b blockRef, maxShift int) (float64, float64, bool) {
	bs := e.cfg.Flow.BlockSize
	bestSAD := math.Inf(1)
	bestDX, bestDY := 0, 0
	for dy := -maxShift; dy <= maxShift; dy++ {
		for dx := -maxShift; dx <= maxShift; dx++ {
			s := sad(e.ref, tgt, b.x, b.y, dx, dy, bs, bestSAD)
			if s < bestSAD {
				bestSAD, bestDX, bestDY = s, dx, dy
			}
		}
	}
	if math.IsInf(bestSAD, 1) {
		return 0, 0, false
	}

	// Blocks are laid out so only offsets within ±maxShift stay in bounds.
	// A best match pinned to the search bound has no neighbor to probe on
	// that axis; the integer offset stands.
	fx, fy := 0.0, 0.0
	if bestDX > -maxShift && bestDX < maxShift {
		fx = parabolicOffset(
			sad(e.ref, tgt, b.x, b.y, bestDX-1, bestDY, bs, math.Inf(1)),
			bestSAD,
			sad(e.ref, tgt, b.x, b.y, bestDX+1, bestDY, bs, math.Inf(1)),
		)
	}
	if bestDY > -maxShift && bestDY < maxShift {
		fy = parabolicOffset(
			sad(e.ref, tgt, b.x, b.y, bestDX, bestDY-1, bs, math.Inf(1)),
			bestSAD,
			sad(e.ref, tgt, b.x, b.y, bestDX, bestDY+1, bs, math.Inf(1)),
		)
	}
	return float64(bestDX) + fx, float64(bestDY) + fy, true
}

// sad sums absolute differences between the reference patch at (bx, by) and
// the target patch shifted by (dx, dy), bailing out once the running sum
// exceeds the best score seen so far.
func sad(ref, tgt *gray, bx, by, dx, dy, bs int, cutoff float64) float64 {
	sum := 0.0
	for y := 0; y < bs; y++ {
		ro := (by + y) * ref.w
		to := (by + y + dy) * tgt.w
		for x := 0; x < bs; x++ {
			d := float64(ref.pix[ro+bx+x] - tgt.pix[to+bx+x+dx])
			if d < 0 {
				d = -d
			}
			sum += d
		}
		if sum > cutoff {
			return math.Inf(1)
		}
	}
	return sum
}

// parabolicOffset fits a parabola through three equally spaced scores and
// returns the fractional offset of its minimum, clamped to ±0.5.
func parabolicOffset(left, center, right float64) float64 {
	den := left - 2*center + right
	if den <= 0 || math.IsInf(left, 1) || math.IsInf(right, 1) {
		return 0
	}
	off := 0.5 * (left - right) / den
	return clamp(off, -0.5, 0.5)
}

func blockVariance(g *gray, bx, by, bs int) float64 {
	n := float64(bs * bs)
	sum, sumSq := 0.0, 0.0
	for y := 0; y < bs; y++ {
		o := (by + y) * g.w
		for x := 0; x < bs; x++ {
			v := float64(g.pix[o+bx+x])
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := make([]float64, len(v))
	copy(s, v)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
