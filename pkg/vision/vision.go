// Package vision defines the perception contracts used by the tracking
// controller: frames, detections, and point trackers.
//
// Model-backed implementations live in pkg/vision/cv and need OpenCV. This
// package only depends on the standard image packages.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
)

// Frame is a decoded camera image together with its encoded form.
type Frame struct {
	JPEG  []byte
	Image image.Image
}

// Size returns the frame dimensions in pixels.
func (f Frame) Size() (w, h int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// DecodeFrame decodes a JPEG into a Frame.
func DecodeFrame(data []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return &Frame{JPEG: data, Image: img}, nil
}

// EncodeJPEG encodes an image at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Point is a pixel coordinate.
type Point struct {
	X, Y float64
}

// In reports whether p lies inside a w×h frame.
func (p Point) In(w, h int) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < float64(w) && p.Y < float64(h) &&
		!math.IsNaN(p.X) && !math.IsNaN(p.Y)
}

// Rect is an axis-aligned box in pixels, corners (X1,Y1) to (X2,Y2).
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the box width.
func (r Rect) Width() float64 { return r.X2 - r.X1 }

// Height returns the box height.
func (r Rect) Height() float64 { return r.Y2 - r.Y1 }

// Area returns the box area, zero for degenerate boxes.
func (r Rect) Area() float64 {
	if r.Width() <= 0 || r.Height() <= 0 {
		return 0
	}
	return r.Width() * r.Height()
}

// Center returns the box center.
func (r Rect) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

// Clip limits the box to a w×h frame.
func (r Rect) Clip(w, h int) Rect {
	return Rect{
		X1: clamp(r.X1, 0, float64(w-1)),
		Y1: clamp(r.Y1, 0, float64(h-1)),
		X2: clamp(r.X2, 0, float64(w-1)),
		Y2: clamp(r.Y2, 0, float64(h-1)),
	}
}

// Detection is a labelled box with a confidence in [0, 1].
type Detection struct {
	Box        Rect
	Confidence float64
	Label      string
}

// Detector finds the best instance of a label in a frame. It returns false
// when nothing matching was found.
type Detector interface {
	Detect(ctx context.Context, frame Frame, label string) (Detection, bool, error)
}

// PointTracker moves points from the previous frame to the current one.
// Points it cannot follow are returned outside the frame.
type PointTracker interface {
	Track(ctx context.Context, prev, cur Frame, points []Point) ([]Point, error)
}

// Camera produces JPEG frames. A nil slice with a nil error means no frame is
// available yet.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
	Close() error
}

// GridPoints seeds an n×n grid of points spread evenly over box, which is
// first clipped to the w×h frame.
func GridPoints(box Rect, n, w, h int) []Point {
	box = box.Clip(w, h)
	if n < 1 {
		n = 1
	}
	pts := make([]Point, 0, n*n)
	for i := 0; i < n; i++ {
		y := lerp(box.Y1, box.Y2, i, n)
		for j := 0; j < n; j++ {
			pts = append(pts, Point{X: lerp(box.X1, box.X2, j, n), Y: y})
		}
	}
	return pts
}

// Envelope returns the bounding box of the points inside the w×h frame and
// those points. It returns false when no point is inside.
func Envelope(points []Point, w, h int) (Rect, []Point, bool) {
	valid := make([]Point, 0, len(points))
	r := Rect{X1: math.Inf(1), Y1: math.Inf(1), X2: math.Inf(-1), Y2: math.Inf(-1)}
	for _, p := range points {
		if !p.In(w, h) {
			continue
		}
		valid = append(valid, p)
		r.X1 = math.Min(r.X1, p.X)
		r.Y1 = math.Min(r.Y1, p.Y)
		r.X2 = math.Max(r.X2, p.X)
		r.Y2 = math.Max(r.Y2, p.Y)
	}
	if len(valid) == 0 {
		return Rect{}, nil, false
	}
	return r, valid, true
}

func lerp(a, b float64, i, n int) float64 {
	if n == 1 {
		return (a + b) / 2
	}
	return a + (b-a)*float64(i)/float64(n-1)
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
