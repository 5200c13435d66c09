package cv

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/gwillem/legbot/pkg/vision"
)

// FlowTracker follows points between frames with pyramidal Lucas-Kanade
// optical flow.
type FlowTracker struct{}

// NewFlowTracker returns a Lucas-Kanade point tracker.
func NewFlowTracker() *FlowTracker {
	return &FlowTracker{}
}

// Track implements vision.PointTracker. Points whose flow was not found are
// returned at (-1, -1).
func (t *FlowTracker) Track(ctx context.Context, prev, cur vision.Frame, points []vision.Point) ([]vision.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}

	prevGray, err := gocv.IMDecode(prev.JPEG, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("decode previous frame: %w", err)
	}
	defer prevGray.Close()
	curGray, err := gocv.IMDecode(cur.JPEG, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("decode current frame: %w", err)
	}
	defer curGray.Close()
	if prevGray.Empty() || curGray.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	in := make([]gocv.Point2f, len(points))
	for i, p := range points {
		in[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	inVec := gocv.NewPoint2fVectorFromPoints(in)
	defer inVec.Close()
	prevPts := gocv.NewMatFromPoint2fVector(inVec, true)
	defer prevPts.Close()

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	gocv.CalcOpticalFlowPyrLK(prevGray, curGray, prevPts, nextPts, &status, &errMat)

	outVec := gocv.NewPoint2fVectorFromMat(nextPts)
	defer outVec.Close()
	moved := outVec.ToPoints()

	out := make([]vision.Point, len(points))
	for i := range points {
		if i >= len(moved) || status.GetUCharAt(i, 0) == 0 {
			out[i] = vision.Point{X: -1, Y: -1}
			continue
		}
		out[i] = vision.Point{X: float64(moved[i].X), Y: float64(moved[i].Y)}
	}
	return out, nil
}
