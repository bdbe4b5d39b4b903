package stab

import (
	"math"
	"sort"
)

// patchRadius is the descriptor patch radius; descriptors are
// mean/variance-normalized (2r+1)x(2r+1) intensity patches.
const patchRadius = 4

// feature is a distinctive corner with its descriptor.
type feature struct {
	x, y float64
	desc []float32
}

// match pairs a reference feature with a target feature that survived the
// ratio test.
type match struct {
	rx, ry float64
	tx, ty float64
}

// detectFeatures finds corner points by the minimum eigenvalue of the local
// gradient structure tensor (Shi-Tomasi style), applies non-maximum
// suppression with a minimum spacing, and keeps the strongest MaxFeatures.
func detectFeatures(g *gray, cfg RANSACConfig) []feature {
	type candidate struct {
		x, y  int
		score float64
	}

	margin := patchRadius + 2
	if g.w <= 2*margin || g.h <= 2*margin {
		return nil
	}

	// Central-difference gradients.
	ix := make([]float32, g.w*g.h)
	iy := make([]float32, g.w*g.h)
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			i := y*g.w + x
			ix[i] = (g.pix[i+1] - g.pix[i-1]) / 2
			iy[i] = (g.pix[i+g.w] - g.pix[i-g.w]) / 2
		}
	}

	const win = 2 // 5x5 structure tensor window
	var cands []candidate
	maxScore := 0.0
	for y := margin; y < g.h-margin; y++ {
		for x := margin; x < g.w-margin; x++ {
			var sxx, syy, sxy float64
			for dy := -win; dy <= win; dy++ {
				o := (y + dy) * g.w
				for dx := -win; dx <= win; dx++ {
					gx := float64(ix[o+x+dx])
					gy := float64(iy[o+x+dx])
					sxx += gx * gx
					syy += gy * gy
					sxy += gx * gy
				}
			}
			// Smaller eigenvalue of [[sxx,sxy],[sxy,syy]].
			tr := sxx + syy
			d := math.Sqrt((sxx-syy)*(sxx-syy) + 4*sxy*sxy)
			lambda := (tr - d) / 2
			if lambda <= 0 {
				continue
			}
			cands = append(cands, candidate{x: x, y: y, score: lambda})
			if lambda > maxScore {
				maxScore = lambda
			}
		}
	}
	if len(cands) == 0 {
		return nil
	}

	// Relative quality floor, then strongest-first greedy suppression.
	floor := 0.01 * maxScore
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	minDist := cfg.MinFeatureDist
	taken := make([]candidate, 0, cfg.MaxFeatures)
	for _, c := range cands {
		if c.score < floor || len(taken) >= cfg.MaxFeatures {
			break
		}
		ok := true
		for _, t := range taken {
			dx, dy := c.x-t.x, c.y-t.y
			if dx*dx+dy*dy < minDist*minDist {
				ok = false
				break
			}
		}
		if ok {
			taken = append(taken, c)
		}
	}

	feats := make([]feature, 0, len(taken))
	for _, c := range taken {
		if d, ok := describe(g, c.x, c.y); ok {
			feats = append(feats, feature{x: float64(c.x), y: float64(c.y), desc: d})
		}
	}
	return feats
}

// describe builds the normalized patch descriptor around (x, y). Flat
// patches cannot be normalized and are rejected.
func describe(g *gray, x, y int) ([]float32, bool) {
	side := 2*patchRadius + 1
	d := make([]float32, side*side)
	sum, sumSq := 0.0, 0.0
	i := 0
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			v := g.at(x+dx, y+dy)
			d[i] = v
			sum += float64(v)
			sumSq += float64(v) * float64(v)
			i++
		}
	}
	n := float64(len(d))
	mean := sum / n
	std := math.Sqrt(sumSq/n - mean*mean)
	if std < 1e-3 {
		return nil, false
	}
	for i := range d {
		d[i] = (d[i] - float32(mean)) / float32(std)
	}
	return d, true
}

// matchFeatures pairs reference and target features by descriptor distance,
// keeping only matches whose best score clears the best-to-second-best
// ratio test. Ambiguous matches are discarded rather than guessed at.
func matchFeatures(ref, tgt []feature, ratio float64) []match {
	if len(ref) == 0 || len(tgt) == 0 {
		return nil
	}
	r2 := ratio * ratio // descriptor distances are squared
	var out []match
	for _, rf := range ref {
		best, second := math.Inf(1), math.Inf(1)
		bestIdx := -1
		for j, tf := range tgt {
			d := descDist(rf.desc, tf.desc, second)
			if d < best {
				second = best
				best, bestIdx = d, j
			} else if d < second {
				second = d
			}
		}
		if bestIdx < 0 {
			continue
		}
		if best < r2*second {
			out = append(out, match{rx: rf.x, ry: rf.y, tx: tgt[bestIdx].x, ty: tgt[bestIdx].y})
		}
	}
	return out
}

// descDist is the squared L2 distance between descriptors, with an early
// exit once the running sum passes cutoff.
func descDist(a, b []float32, cutoff float64) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
		if sum > cutoff {
			return math.Inf(1)
		}
	}
	return sum
}
