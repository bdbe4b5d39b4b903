// Package stack holds the in-memory data model for time-series image
// stacks: ordered frames of one or more float32 channel planes plus the
// acquisition metadata that rides along unmodified.
package stack

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStack is returned when a stack has no frames.
	ErrEmptyStack = errors.New("stack has no frames")
	// ErrShapeMismatch is returned when frames disagree on dimensions or
	// channel layout.
	ErrShapeMismatch = errors.New("stack frames have mismatched shape")
)

// Plane is a single-channel pixel array, row-major, length Width*Height.
// Values keep the source scale (0..255 for 8-bit input, 0..65535 for 16-bit).
type Plane []float32

// FrameMeta carries per-frame acquisition metadata. It is never interpreted
// by the engine, only copied onto the corresponding output frame.
type FrameMeta struct {
	Timestamp   string  `json:"timestamp,omitempty"`
	PixelSizeUM float64 `json:"pixel_size_um,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// Frame is one 2D image of the time series. Frames are treated as immutable
// once loaded; processing steps allocate new frames instead of mutating.
type Frame struct {
	Index  int
	Width  int
	Height int
	Planes []Plane
	Meta   FrameMeta
}

// At returns the value of channel c at (x, y). No bounds checking.
func (f *Frame) At(c, x, y int) float32 {
	return f.Planes[c][y*f.Width+x]
}

// Clone deep-copies the frame, planes included.
func (f *Frame) Clone() Frame {
	out := *f
	out.Planes = make([]Plane, len(f.Planes))
	for i, p := range f.Planes {
		cp := make(Plane, len(p))
		copy(cp, p)
		out.Planes[i] = cp
	}
	return out
}

// NewFrame allocates a zeroed frame with the given shape.
func NewFrame(index, width, height, channels int) Frame {
	planes := make([]Plane, channels)
	for i := range planes {
		planes[i] = make(Plane, width*height)
	}
	return Frame{Index: index, Width: width, Height: height, Planes: planes}
}

// Stack is an ordered sequence of same-shaped frames.
type Stack struct {
	Frames []Frame
	// ChannelTags names the channel layout shared by every frame, e.g.
	// ["CH1","CH2"]. May be empty when the source carries no channel names.
	ChannelTags []string
	// Meta is stack-level metadata re-attached verbatim to the output.
	Meta map[string]string
	// Depth is the source bit depth (8 or 16), used to round-trip encoding.
	Depth int
}

// Len returns the number of frames.
func (s *Stack) Len() int { return len(s.Frames) }

// Width returns the shared frame width. Zero for an empty stack.
func (s *Stack) Width() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].Width
}

// Height returns the shared frame height. Zero for an empty stack.
func (s *Stack) Height() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].Height
}

// Channels returns the shared channel count. Zero for an empty stack.
func (s *Stack) Channels() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return len(s.Frames[0].Planes)
}

// Validate checks the stack invariant: at least one frame, and every frame
// sharing the same width, height and channel count. Violations fail fast
// before any per-frame processing runs.
func (s *Stack) Validate() error {
	if len(s.Frames) == 0 {
		return ErrEmptyStack
	}
	w, h, c := s.Frames[0].Width, s.Frames[0].Height, len(s.Frames[0].Planes)
	if w <= 0 || h <= 0 || c == 0 {
		return fmt.Errorf("%w: frame 0 has shape %dx%dx%d", ErrShapeMismatch, w, h, c)
	}
	for i, f := range s.Frames {
		if f.Width != w || f.Height != h || len(f.Planes) != c {
			return fmt.Errorf("%w: frame %d is %dx%dx%d, want %dx%dx%d",
				ErrShapeMismatch, i, f.Width, f.Height, len(f.Planes), w, h, c)
		}
		for ch, p := range f.Planes {
			if len(p) != w*h {
				return fmt.Errorf("%w: frame %d channel %d has %d pixels, want %d",
					ErrShapeMismatch, i, ch, len(p), w*h)
			}
		}
	}
	return nil
}

// MinMax returns the global minimum and maximum over channel c of all
// frames. Used to normalize intensities before motion estimation, the same
// way the acquisition pipeline scales data before feature work. A channel
// index beyond a frame's layout falls back to channel 0, matching the
// estimators' alignment-channel fallback.
func (s *Stack) MinMax(c int) (float32, float32) {
	lo, hi := float32(0), float32(0)
	first := true
	for _, f := range s.Frames {
		ch := c
		if ch >= len(f.Planes) {
			ch = 0
		}
		if len(f.Planes) == 0 {
			continue
		}
		for _, v := range f.Planes[ch] {
			if first {
				lo, hi = v, v
				first = false
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}
