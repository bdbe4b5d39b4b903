package stab

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lookevink/srs-preprocessing/internal/stack"
)

// Alignment pairs a frame index with its fitted transform and a quality
// indicator: the inlier ratio for RANSAC, the inverse displacement-field
// dispersion for optical flow. Fallback marks frames where estimation was
// rejected and identity was applied instead, so callers can flag them.
type Alignment struct {
	Index      int       `json:"index"`
	Transform  Transform `json:"transform"`
	Confidence float64   `json:"confidence"`
	Fallback   bool      `json:"fallback"`
	Note       string    `json:"note,omitempty"`
}

// estimator is the per-run motion estimation capability. Implementations
// are constructed once with the reference frame, precompute whatever
// reference state they need, and must then be safe for concurrent estimate
// calls (each worker brings its own rand source).
type estimator interface {
	name() string
	estimate(tgt *gray, rnd *rand.Rand) (Transform, float64, error)
}

// estimators is the method dispatch table. A tagged table keeps the two
// strategies behind one capability without a type hierarchy.
var estimators = map[Method]func(Config, *gray) estimator{
	MethodOpticalFlow: func(cfg Config, ref *gray) estimator { return newFlowEstimator(cfg, ref) },
	MethodRANSAC:      func(cfg Config, ref *gray) estimator { return newRANSACEstimator(cfg, ref) },
}

// Engine runs stack stabilization. It holds no per-run state: every
// Stabilize call is independent, so concurrent calls over different stacks
// are safe.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// NewEngine builds an engine with the given configuration. Zero-valued
// config fields fall back to DefaultConfig values.
func NewEngine(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg.withDefaults(), log: log}
}

// Stabilize aligns every frame of the stack to frame 0 and returns the
// corrected stack together with the per-frame alignment report.
//
// Frames are aligned to the fixed first frame rather than chained to their
// predecessor: chaining compounds per-step error into drift, while a fixed
// reference keeps per-frame work independent and parallel.
//
// Both the input and output stacks are held in memory for the duration of
// the call, so peak memory is proportional to twice the stack size.
//
// Invalid input (empty stack, mismatched frame shapes, unknown method)
// fails before any per-frame work. Per-frame estimation failures never
// abort the run; the frame passes through under an identity transform with
// its Alignment marked as a fallback.
func (e *Engine) Stabilize(ctx context.Context, in *stack.Stack, method Method) (*stack.Stack, []Alignment, error) {
	if method == "" {
		method = MethodOpticalFlow
	}
	factory, ok := estimators[method]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err := in.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid stack: %w", err)
	}

	start := time.Now()
	n := in.Len()
	out := &stack.Stack{
		Frames:      make([]stack.Frame, n),
		ChannelTags: append([]string(nil), in.ChannelTags...),
		Meta:        make(map[string]string, len(in.Meta)),
		Depth:       in.Depth,
	}
	for k, v := range in.Meta {
		out.Meta[k] = v
	}

	aligns := make([]Alignment, n)
	out.Frames[0] = in.Frames[0].Clone()
	aligns[0] = Alignment{Index: 0, Transform: Identity(), Confidence: 1}

	if n == 1 {
		return out, aligns, nil
	}

	lo, hi := in.MinMax(e.cfg.AlignChannel)
	refGray := newGray(&in.Frames[0], e.cfg.AlignChannel, lo, hi)
	est := factory(e.cfg, refGray)

	// Frames 1..n-1 only depend on the shared immutable reference, so they
	// fan out over a bounded worker pool writing into indexed slots.
	indices := make(chan int)
	var wg sync.WaitGroup
	workers := e.cfg.workers()
	if workers > n-1 {
		workers = n - 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indices {
				if ctx.Err() != nil {
					continue
				}
				out.Frames[idx], aligns[idx] = e.alignFrame(est, in, idx, lo, hi)
			}
		}()
	}
	for i := 1; i < n; i++ {
		indices <- i
	}
	close(indices)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	fallbacks := 0
	for _, a := range aligns {
		if a.Fallback {
			fallbacks++
		}
	}
	e.log.Info("stack stabilized",
		"method", est.name(),
		"frames", n,
		"fallbacks", fallbacks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, aligns, nil
}

// alignFrame estimates and applies the correction for one frame. Every
// failure mode past validation resolves to an identity passthrough with the
// fallback flag set; a single poorly-alignable frame must not block the
// rest of the stack.
func (e *Engine) alignFrame(est estimator, in *stack.Stack, idx int, lo, hi float32) (stack.Frame, Alignment) {
	frame := &in.Frames[idx]
	g := newGray(frame, e.cfg.AlignChannel, lo, hi)

	// Seeding per frame index keeps results identical no matter how the
	// scheduler interleaves workers.
	rnd := rand.New(rand.NewSource(e.cfg.Seed + int64(idx)*1_000_003))

	t, conf, err := est.estimate(g, rnd)
	if err != nil {
		e.log.Warn("estimation fell back to identity",
			"frame", idx, "method", est.name(), "reason", err.Error())
		return frame.Clone(), Alignment{
			Index: idx, Transform: Identity(), Confidence: conf,
			Fallback: true, Note: err.Error(),
		}
	}

	aligned, err := Resample(frame, t, e.cfg.Fill)
	if err != nil {
		// Singular transform slipped past the estimator; same treatment.
		e.log.Warn("resample fell back to identity", "frame", idx, "reason", err.Error())
		return frame.Clone(), Alignment{
			Index: idx, Transform: Identity(), Confidence: conf,
			Fallback: true, Note: err.Error(),
		}
	}
	return aligned, Alignment{Index: idx, Transform: t, Confidence: conf}
}
