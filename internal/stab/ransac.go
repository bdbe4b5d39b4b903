package stab

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ransacEstimator fits a homography mapping target-frame coordinates onto
// reference-frame coordinates, robust to a fraction of bad feature matches.
// Sampling is driven by the caller-provided rand source so that repeated
// runs over the same stack are bit-identical.
type ransacEstimator struct {
	cfg Config
	ref []feature
}

func newRANSACEstimator(cfg Config, refImg *gray) *ransacEstimator {
	return &ransacEstimator{cfg: cfg, ref: detectFeatures(refImg, cfg.RANSAC)}
}

func (e *ransacEstimator) name() string { return string(MethodRANSAC) }

// estimate returns the fitted transform and the inlier ratio as confidence.
// On failure the returned confidence still reports the best ratio reached,
// so the caller can record how far the fit got before falling back.
func (e *ransacEstimator) estimate(tgt *gray, rnd *rand.Rand) (Transform, float64, error) {
	rc := e.cfg.RANSAC
	if len(e.ref) < 4 {
		return Identity(), 0, fmt.Errorf("reference has %d usable features, need 4", len(e.ref))
	}
	tgtFeats := detectFeatures(tgt, rc)
	matches := matchFeatures(e.ref, tgtFeats, rc.MatchRatio)
	if len(matches) < 4 {
		return Identity(), 0, fmt.Errorf("%d unambiguous matches, need 4", len(matches))
	}

	threshSq := rc.ReprojThreshold * rc.ReprojThreshold
	bestInliers := 0
	var bestMask []bool

	// Adaptive iteration count: stop once enough samples have been drawn to
	// hit an all-inlier minimal set with the configured confidence.
	maxIters := rc.MaxIterations
	for iter := 0; iter < maxIters; iter++ {
		idx := sampleFour(rnd, len(matches))
		h, ok := solveMinimal(matches, idx)
		if !ok {
			continue
		}
		count, mask := countInliers(matches, h, threshSq)
		if count > bestInliers {
			bestInliers, bestMask = count, mask
			if n := adaptiveIterations(rc.Confidence, float64(count)/float64(len(matches))); n < maxIters {
				maxIters = n
			}
		}
	}

	ratio := float64(bestInliers) / float64(len(matches))
	if bestInliers < rc.MinInliers || ratio < rc.MinInlierRatio {
		return Identity(), ratio, fmt.Errorf("best consensus %d/%d matches (ratio %.2f) below acceptance threshold",
			bestInliers, len(matches), ratio)
	}

	// Least-squares refit over every inlier stabilizes the minimal-sample
	// estimate. A singular system at this point is treated like any other
	// estimation failure.
	h, err := refitHomography(matches, bestMask)
	if err != nil {
		return Identity(), ratio, fmt.Errorf("inlier refit: %w", err)
	}
	t, ok := NewHomography(h)
	if !ok {
		return Identity(), ratio, fmt.Errorf("refit homography not normalizable")
	}
	return t.ClampTranslation(e.cfg.MaxShift), ratio, nil
}

// sampleFour draws four distinct match indices.
func sampleFour(rnd *rand.Rand, n int) [4]int {
	var idx [4]int
	for i := 0; i < 4; {
		c := rnd.Intn(n)
		dup := false
		for j := 0; j < i; j++ {
			if idx[j] == c {
				dup = true
				break
			}
		}
		if !dup {
			idx[i] = c
			i++
		}
	}
	return idx
}

func adaptiveIterations(confidence, inlierFrac float64) int {
	if inlierFrac >= 1 {
		return 1
	}
	w4 := inlierFrac * inlierFrac * inlierFrac * inlierFrac
	if w4 <= 0 {
		return math.MaxInt32
	}
	n := math.Log(1-confidence) / math.Log(1-w4)
	if n < 1 || math.IsNaN(n) {
		return 1
	}
	if n > float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(n))
}

func countInliers(matches []match, h [9]float64, threshSq float64) (int, []bool) {
	mask := make([]bool, len(matches))
	count := 0
	for i, m := range matches {
		px, py := projectH(h, m.tx, m.ty)
		dx, dy := px-m.rx, py-m.ry
		if dx*dx+dy*dy < threshSq {
			mask[i] = true
			count++
		}
	}
	return count, mask
}

func projectH(h [9]float64, x, y float64) (float64, float64) {
	den := h[6]*x + h[7]*y + h[8]
	if math.Abs(den) < 1e-12 {
		return math.Inf(1), math.Inf(1)
	}
	return (h[0]*x + h[1]*y + h[2]) / den, (h[3]*x + h[4]*y + h[5]) / den
}

// solveMinimal fits an exact homography through four point pairs by Gaussian
// elimination with partial pivoting on the 8x8 DLT system (h22 fixed at 1).
func solveMinimal(matches []match, idx [4]int) ([9]float64, bool) {
	var a [8][9]float64 // augmented
	for i, mi := range idx {
		m := matches[mi]
		X, Y := m.tx, m.ty
		x, y := m.rx, m.ry
		r := 2 * i
		a[r] = [9]float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x, x}
		a[r+1] = [9]float64{0, 0, 0, X, Y, 1, -X * y, -Y * y, y}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		maxAbs := math.Abs(a[col][col])
		for r := col + 1; r < 8; r++ {
			if v := math.Abs(a[r][col]); v > maxAbs {
				maxAbs, pivot = v, r
			}
		}
		if maxAbs < 1e-10 {
			return [9]float64{}, false // degenerate sample (collinear points)
		}
		a[col], a[pivot] = a[pivot], a[col]
		div := a[col][col]
		for c := col; c < 9; c++ {
			a[col][c] /= div
		}
		for r := 0; r < 8; r++ {
			if r == col || a[r][col] == 0 {
				continue
			}
			f := a[r][col]
			for c := col; c < 9; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	return [9]float64{a[0][8], a[1][8], a[2][8], a[3][8], a[4][8], a[5][8], a[6][8], a[7][8], 1}, true
}

// refitHomography solves the overdetermined DLT system over all inliers in
// the least-squares sense via QR.
func refitHomography(matches []match, mask []bool) ([9]float64, error) {
	n := 0
	for _, in := range mask {
		if in {
			n++
		}
	}
	if n < 4 {
		return [9]float64{}, fmt.Errorf("%d inliers, need 4", n)
	}

	a := mat.NewDense(2*n, 8, nil)
	b := mat.NewVecDense(2*n, nil)
	r := 0
	for i, m := range matches {
		if !mask[i] {
			continue
		}
		X, Y := m.tx, m.ty
		x, y := m.rx, m.ry
		a.SetRow(r, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x})
		b.SetVec(r, x)
		a.SetRow(r+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y})
		b.SetVec(r+1, y)
		r += 2
	}

	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return [9]float64{}, err
	}
	var h [9]float64
	for i := 0; i < 8; i++ {
		h[i] = sol.AtVec(i)
	}
	h[8] = 1
	return h, nil
}
