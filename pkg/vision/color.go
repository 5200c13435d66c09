package vision

import (
	"context"
	"fmt"
	"image"
	"maps"
	"math"
	"slices"
)

// Hues for the labels ColorDetector understands, in degrees.
var colorHues = map[string]float64{
	"red":     0,
	"yellow":  60,
	"green":   120,
	"cyan":    180,
	"blue":    240,
	"magenta": 300,
}

// ColorLabels returns the labels ColorDetector understands, sorted.
func ColorLabels() []string {
	return slices.Sorted(maps.Keys(colorHues))
}

// ColorDetector finds the bounding box of saturated pixels of a named color.
// It needs no model and pairs with the simulated robot's rendered targets.
type ColorDetector struct {
	// HueTolerance is the accepted distance from the label hue, in degrees.
	HueTolerance float64
	// MinPixels is the smallest number of sampled matches that counts as a detection.
	MinPixels int
	// Stride samples every Stride-th pixel in both directions.
	Stride int
}

// NewColorDetector returns a detector with defaults suited to 640×480 frames.
func NewColorDetector() *ColorDetector {
	return &ColorDetector{HueTolerance: 20, MinPixels: 20, Stride: 2}
}

// Detect implements Detector. Confidence is the fraction of the sampled box
// that matched.
func (d *ColorDetector) Detect(ctx context.Context, frame Frame, label string) (Detection, bool, error) {
	hue, ok := colorHues[label]
	if !ok {
		return Detection{}, false, fmt.Errorf("color detector: unknown label %q", label)
	}
	if frame.Image == nil {
		return Detection{}, false, nil
	}

	stride := max(d.Stride, 1)
	b := frame.Image.Bounds()
	r := Rect{X1: math.Inf(1), Y1: math.Inf(1), X2: math.Inf(-1), Y2: math.Inf(-1)}
	matches := 0
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		if y%64 == 0 && ctx.Err() != nil {
			return Detection{}, false, ctx.Err()
		}
		for x := b.Min.X; x < b.Max.X; x += stride {
			if !d.matches(frame.Image, x, y, hue) {
				continue
			}
			matches++
			fx, fy := float64(x-b.Min.X), float64(y-b.Min.Y)
			r.X1 = math.Min(r.X1, fx)
			r.Y1 = math.Min(r.Y1, fy)
			r.X2 = math.Max(r.X2, fx)
			r.Y2 = math.Max(r.Y2, fy)
		}
	}
	if matches < d.MinPixels {
		return Detection{}, false, nil
	}

	sampled := (r.Width()/float64(stride) + 1) * (r.Height()/float64(stride) + 1)
	conf := math.Min(1, float64(matches)/sampled)
	return Detection{Box: r, Confidence: conf, Label: label}, true, nil
}

func (d *ColorDetector) matches(img image.Image, x, y int, hue float64) bool {
	cr, cg, cb, _ := img.At(x, y).RGBA()
	h, s, v := hsv(float64(cr)/0xffff, float64(cg)/0xffff, float64(cb)/0xffff)
	if s < 0.5 || v < 0.25 {
		return false
	}
	diff := math.Abs(h - hue)
	if diff > 180 {
		diff = 360 - diff
	}
	return diff <= d.HueTolerance
}

// hsv converts RGB in [0,1] to hue in degrees and saturation/value in [0,1].
func hsv(r, g, b float64) (h, s, v float64) {
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	v = mx
	delta := mx - mn
	if mx == 0 || delta == 0 {
		return 0, 0, v
	}
	s = delta / mx
	switch mx {
	case r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
