package stab

import (
	"math"
	"math/rand"
	"testing"
)

func flowTestConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxShift = 8 // keep the search window small for test speed
	return cfg.withDefaults()
}

func TestFlowRecoversKnownTranslation(t *testing.T) {
	cfg := flowTestConfig()
	field := newBlobField(11, 160, 120, 70)

	ref := renderFrame(field, 0, 160, 120, nil)
	warp := Translation(5, 3) // frame views the field shifted by (5, 3)
	tgt := renderFrame(field, 1, 160, 120, &warp)

	est := newFlowEstimator(cfg, newGray(&ref, 0, 0, 255))
	tr, conf, err := est.estimate(newGray(&tgt, 0, 0, 255), nil)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	dx, dy, ok := tr.IsTranslation()
	if !ok {
		t.Fatalf("flow produced non-translation %v", tr)
	}
	// Content moved by (-5, -3), so the target->reference correction is the
	// view shift itself.
	if math.Abs(dx-5) > 0.5 || math.Abs(dy-3) > 0.5 {
		t.Fatalf("recovered shift (%.2f, %.2f), want (5, 3)", dx, dy)
	}
	if conf <= 0.2 {
		t.Fatalf("confidence %.3f too low for a clean global shift", conf)
	}
}

func TestFlowSubpixelTranslation(t *testing.T) {
	cfg := flowTestConfig()
	field := newBlobField(12, 160, 120, 70)

	ref := renderFrame(field, 0, 160, 120, nil)
	warp := Translation(2.5, -1.25)
	tgt := renderFrame(field, 1, 160, 120, &warp)

	est := newFlowEstimator(cfg, newGray(&ref, 0, 0, 255))
	tr, _, err := est.estimate(newGray(&tgt, 0, 0, 255), nil)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	dx, dy, _ := tr.IsTranslation()
	if math.Abs(dx-2.5) > 0.35 || math.Abs(dy+1.25) > 0.35 {
		t.Fatalf("recovered shift (%.2f, %.2f), want (2.5, -1.25)", dx, dy)
	}
}

func TestFlowFlatFrameFallsBack(t *testing.T) {
	cfg := flowTestConfig()
	field := newBlobField(13, 160, 120, 70)
	ref := renderFrame(field, 0, 160, 120, nil)

	// A textureless reference yields no usable blocks at all.
	flat := renderFrame(field, 0, 160, 120, nil)
	for i := range flat.Planes[0] {
		flat.Planes[0][i] = 42
	}
	est := newFlowEstimator(cfg, newGray(&flat, 0, 0, 255))
	if _, _, err := est.estimate(newGray(&ref, 0, 0, 255), nil); err == nil {
		t.Fatal("expected low-texture error from flat reference")
	}
}

func TestFlowClampsRunawayShift(t *testing.T) {
	cfg := flowTestConfig()
	cfg.MaxShift = 4
	field := newBlobField(14, 160, 120, 70)
	ref := renderFrame(field, 0, 160, 120, nil)
	warp := Translation(11, 0) // beyond the search window
	tgt := renderFrame(field, 1, 160, 120, &warp)

	est := newFlowEstimator(cfg, newGray(&ref, 0, 0, 255))
	tr, _, err := est.estimate(newGray(&tgt, 0, 0, 255), nil)
	if err != nil {
		// Acceptable: far-shifted content may simply fail to match.
		return
	}
	dx, dy, _ := tr.IsTranslation()
	if math.Abs(dx) > cfg.MaxShift+1e-9 || math.Abs(dy) > cfg.MaxShift+1e-9 {
		t.Fatalf("shift (%.2f, %.2f) exceeds clamp %v", dx, dy, cfg.MaxShift)
	}
}

func TestFlowRecoversShiftAtSearchBound(t *testing.T) {
	cfg := flowTestConfig()
	cfg.MaxShift = 4
	field := newBlobField(16, 160, 120, 70)
	ref := renderFrame(field, 0, 160, 120, nil)
	// Drift of exactly MaxShift on both axes pins the best integer match to
	// the edge of the search window, where no refinement neighbor exists.
	warp := Translation(4, -4)
	tgt := renderFrame(field, 1, 160, 120, &warp)

	est := newFlowEstimator(cfg, newGray(&ref, 0, 0, 255))
	tr, _, err := est.estimate(newGray(&tgt, 0, 0, 255), nil)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	dx, dy, ok := tr.IsTranslation()
	if !ok {
		t.Fatalf("flow produced non-translation %v", tr)
	}
	if math.Abs(dx-4) > 0.5 || math.Abs(dy+4) > 0.5 {
		t.Fatalf("recovered shift (%.2f, %.2f), want (4, -4)", dx, dy)
	}
}

func TestMedianRobustToOutliers(t *testing.T) {
	v := []float64{1, 1.1, 0.9, 1.05, 50, -30, 1}
	if m := median(v); math.Abs(m-1) > 0.06 {
		t.Fatalf("median = %v, want ~1", m)
	}
	if m := median(nil); m != 0 {
		t.Fatalf("median(nil) = %v", m)
	}
}

func TestParabolicOffsetCentersMinimum(t *testing.T) {
	// Symmetric scores: minimum at the center, no offset.
	if off := parabolicOffset(10, 2, 10); off != 0 {
		t.Fatalf("symmetric offset = %v", off)
	}
	// Skewed toward the right neighbor pulls the minimum right.
	if off := parabolicOffset(10, 2, 4); off <= 0 || off > 0.5 {
		t.Fatalf("skewed offset = %v, want in (0, 0.5]", off)
	}
}

// The interface contract: estimate must ignore a nil rand for flow, since
// block matching is fully deterministic.
func TestFlowDeterministicWithoutRand(t *testing.T) {
	cfg := flowTestConfig()
	field := newBlobField(15, 160, 120, 70)
	ref := renderFrame(field, 0, 160, 120, nil)
	warp := Translation(-3, 2)
	tgt := renderFrame(field, 1, 160, 120, &warp)

	est := newFlowEstimator(cfg, newGray(&ref, 0, 0, 255))
	t1, c1, err1 := est.estimate(newGray(&tgt, 0, 0, 255), nil)
	t2, c2, err2 := est.estimate(newGray(&tgt, 0, 0, 255), rand.New(rand.NewSource(99)))
	if err1 != nil || err2 != nil {
		t.Fatalf("estimate errors: %v, %v", err1, err2)
	}
	if t1 != t2 || c1 != c2 {
		t.Fatalf("flow estimates diverged: %v/%v vs %v/%v", t1, c1, t2, c2)
	}
}
