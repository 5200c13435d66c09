package tracking

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/teleop"
	"github.com/gwillem/legbot/pkg/vision"
)

type fakeDetector struct {
	det   vision.Detection
	found bool
	err   error
	calls int
}

func (d *fakeDetector) Detect(ctx context.Context, frame vision.Frame, label string) (vision.Detection, bool, error) {
	d.calls++
	return d.det, d.found, d.err
}

// shiftTracker moves every point by (dx, dy).
type shiftTracker struct {
	dx, dy float64
	err    error
}

func (s *shiftTracker) Track(ctx context.Context, prev, cur vision.Frame, points []vision.Point) ([]vision.Point, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]vision.Point, len(points))
	for i, p := range points {
		out[i] = vision.Point{X: p.X + s.dx, Y: p.Y + s.dy}
	}
	return out, nil
}

func frame() vision.Frame {
	return vision.Frame{Image: image.NewGray(image.Rect(0, 0, 100, 100))}
}

func detection(x1, y1, x2, y2, conf float64) vision.Detection {
	return vision.Detection{Box: vision.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: conf, Label: "person"}
}

func newTracker(cfg Config, d vision.Detector, p vision.PointTracker) *Tracker {
	return New(cfg, d, p, log.Discard())
}

func TestTracker_SearchesUntilConfidentDetection(t *testing.T) {
	d := &fakeDetector{det: detection(40, 40, 60, 60, 0.5), found: true}
	tr := newTracker(DefaultConfig(), d, &shiftTracker{})

	cmd, res := tr.Step(context.Background(), frame())
	assert.Equal(t, ResultSearching, res)
	assert.True(t, cmd.IsZero())
	assert.Equal(t, Searching, tr.State())
	assert.Nil(t, tr.Session())

	d.det.Confidence = 0.9
	_, res = tr.Step(context.Background(), frame())
	assert.Equal(t, ResultAcquired, res)
	assert.Equal(t, Acquired, tr.State())

	s := tr.Session()
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.True(t, s.Active)
	assert.Len(t, s.Points, 25)
}

func TestTracker_SearchEvery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchEvery = 3
	d := &fakeDetector{}
	tr := newTracker(cfg, d, &shiftTracker{})

	for range 7 {
		tr.Step(context.Background(), frame())
	}
	assert.Equal(t, 3, d.calls)
}

func TestTracker_DetectorErrorKeepsSearching(t *testing.T) {
	d := &fakeDetector{det: detection(40, 40, 60, 60, 0.9), found: true, err: errors.New("model crashed")}
	tr := newTracker(DefaultConfig(), d, &shiftTracker{})

	cmd, res := tr.Step(context.Background(), frame())
	assert.Equal(t, ResultSearching, res)
	assert.True(t, cmd.IsZero())
}

func TestTracker_PointsLeavingFrameStopsExactly(t *testing.T) {
	d := &fakeDetector{det: detection(70, 40, 90, 60, 0.9), found: true}
	shift := &shiftTracker{}
	tr := newTracker(DefaultConfig(), d, shift)
	ctx := context.Background()

	cmd, res := tr.Step(ctx, frame())
	require.Equal(t, ResultAcquired, res)
	require.False(t, cmd.IsZero())

	shift.dx = 200
	cmd, res = tr.Step(ctx, frame())
	assert.Equal(t, ResultLost, res)
	assert.Equal(t, Lost, tr.State())
	assert.Nil(t, tr.Session())
	assert.Equal(t, 0.0, cmd.Vx)
	assert.Equal(t, 0.0, cmd.Vy)
	assert.Equal(t, 0.0, cmd.Vyaw)

	// Lost falls back to searching on the next frame.
	d.found = false
	_, res = tr.Step(ctx, frame())
	assert.Equal(t, ResultSearching, res)
	assert.Equal(t, Searching, tr.State())
}

func TestTracker_TrackerErrorLosesTarget(t *testing.T) {
	d := &fakeDetector{det: detection(40, 40, 60, 60, 0.9), found: true}
	shift := &shiftTracker{}
	tr := newTracker(DefaultConfig(), d, shift)

	tr.Step(context.Background(), frame())
	shift.err = errors.New("flow failed")
	cmd, res := tr.Step(context.Background(), frame())
	assert.Equal(t, ResultLost, res)
	assert.True(t, cmd.IsZero())
}

func TestTracker_EnvelopeFollowsPoints(t *testing.T) {
	d := &fakeDetector{det: detection(20, 20, 40, 40, 0.9), found: true}
	shift := &shiftTracker{dx: 5, dy: -5}
	tr := newTracker(DefaultConfig(), d, shift)

	tr.Step(context.Background(), frame())
	_, res := tr.Step(context.Background(), frame())
	require.Equal(t, ResultTracking, res)

	s := tr.Session()
	require.NotNil(t, s)
	assert.InDelta(t, 25, s.Box.X1, 1e-9)
	assert.InDelta(t, 15, s.Box.Y1, 1e-9)
	assert.InDelta(t, 45, s.Box.X2, 1e-9)
	assert.InDelta(t, 35, s.Box.Y2, 1e-9)
}

func TestTracker_PartiallyVisibleTargetKeepsInFramePoints(t *testing.T) {
	d := &fakeDetector{det: detection(60, 40, 99, 60, 0.9), found: true}
	shift := &shiftTracker{dx: 20}
	tr := newTracker(DefaultConfig(), d, shift)

	tr.Step(context.Background(), frame())
	_, res := tr.Step(context.Background(), frame())
	require.Equal(t, ResultTracking, res)

	s := tr.Session()
	require.NotNil(t, s)
	assert.Less(t, len(s.Points), 25)
	for _, p := range s.Points {
		assert.True(t, p.In(100, 100))
	}
}

func TestTracker_Redetects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedetectEvery = 3
	d := &fakeDetector{det: detection(40, 40, 60, 60, 0.9), found: true}
	tr := newTracker(cfg, d, &shiftTracker{})

	var results []Result
	for range 7 {
		_, res := tr.Step(context.Background(), frame())
		results = append(results, res)
	}
	assert.Equal(t, []Result{
		ResultAcquired,
		ResultTracking, ResultTracking, ResultRedetected,
		ResultTracking, ResultTracking, ResultRedetected,
	}, results)
	assert.Equal(t, 3, d.calls)
}

func TestTracker_ControlDirections(t *testing.T) {
	// A small target right of center: turn right, strafe right, walk forward.
	d := &fakeDetector{det: detection(70, 40, 90, 60, 0.9), found: true}
	tr := newTracker(DefaultConfig(), d, &shiftTracker{})

	cmd, _ := tr.Step(context.Background(), frame())
	assert.Less(t, cmd.Vyaw, 0.0)
	assert.Less(t, cmd.Vy, 0.0)
	assert.Greater(t, cmd.Vx, 0.0)
}

func TestTracker_VerticalLateralAxis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LateralAxis = LateralVertical
	// Centered horizontally, below center.
	d := &fakeDetector{det: detection(40, 70, 60, 90, 0.9), found: true}
	tr := newTracker(cfg, d, &shiftTracker{})

	cmd, _ := tr.Step(context.Background(), frame())
	assert.InDelta(t, 0, cmd.Vyaw, 1e-9)
	assert.Less(t, cmd.Vy, 0.0)
}

func TestTracker_CenteredTargetAtGoalSizeHolds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetArea = 0.04
	d := &fakeDetector{det: detection(40, 40, 60, 60, 0.9), found: true}
	tr := newTracker(cfg, d, &shiftTracker{})

	cmd, _ := tr.Step(context.Background(), frame())
	assert.InDelta(t, 0, cmd.Vx, 1e-9)
	assert.InDelta(t, 0, cmd.Vy, 1e-9)
	assert.InDelta(t, 0, cmd.Vyaw, 1e-9)
}

func TestTracker_OutputClampedToBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Yaw.Kp = 100
	cfg.Yaw.Limits = nil
	cfg.Bounds = protocol.Bounds{Vx: 0.5, Vy: 0.3, Vyaw: 0.2}
	d := &fakeDetector{det: detection(0, 40, 10, 60, 0.9), found: true}
	tr := newTracker(cfg, d, &shiftTracker{})

	cmd, _ := tr.Step(context.Background(), frame())
	assert.Equal(t, 0.2, cmd.Vyaw)
}

type snapshotFeed struct {
	mu   sync.Mutex
	snap teleop.Snapshot
	ok   bool
}

func (f *snapshotFeed) Latest() (teleop.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.ok
}

func (f *snapshotFeed) push(seq uint64, fr *vision.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = teleop.Snapshot{Frame: fr, Seq: seq}
	f.ok = true
}

type sinkRecorder struct {
	mu   sync.Mutex
	cmds []protocol.Command
}

func (s *sinkRecorder) Send(cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *sinkRecorder) all() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.cmds...)
}

func TestLoop_ProcessesEachFrameOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlHz = 200
	d := &fakeDetector{}
	tr := newTracker(cfg, d, &shiftTracker{})
	feed := &snapshotFeed{}
	sink := &sinkRecorder{}
	loop := NewLoop(cfg, tr, feed, sink, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// No image yet: nothing to process.
	feed.push(1, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.all())

	f := frame()
	feed.push(2, &f)
	select {
	case st := <-loop.Status():
		assert.Equal(t, uint64(1), st.Frames)
		assert.Equal(t, ResultSearching, st.Result)
	case <-time.After(time.Second):
		t.Fatal("no status")
	}
	time.Sleep(30 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	cmds := sink.all()
	// One command for seq 2 plus the final stop.
	assert.Len(t, cmds, 2)
	assert.True(t, cmds[len(cmds)-1].IsZero())
}

func TestLoop_StopsOnStaleStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlHz = 200
	cfg.StaleAfter = 50 * time.Millisecond
	d := &fakeDetector{det: detection(70, 40, 90, 60, 0.9), found: true}
	tr := newTracker(cfg, d, &shiftTracker{})
	feed := &snapshotFeed{}
	sink := &sinkRecorder{}
	loop := NewLoop(cfg, tr, feed, sink, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	f := frame()
	feed.push(1, &f)
	require.Eventually(t, func() bool {
		cmds := sink.all()
		return len(cmds) >= 2 && !cmds[0].IsZero() && cmds[len(cmds)-1].IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestLoop_LostTargetEmitsExactStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlHz = 200
	cfg.StaleAfter = 0
	d := &fakeDetector{det: detection(70, 40, 90, 60, 0.9), found: true}
	shift := &shiftTracker{}
	tr := newTracker(cfg, d, shift)
	feed := &snapshotFeed{}
	sink := &sinkRecorder{}
	loop := NewLoop(cfg, tr, feed, sink, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	f := frame()
	feed.push(1, &f)
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, sink.all()[0].IsZero())

	// Every point leaves the frame on the next step.
	shift.dx = 200
	feed.push(2, &f)
	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	cmds := sink.all()
	require.GreaterOrEqual(t, len(cmds), 2)
	assert.Equal(t, 0.0, cmds[1].Vx)
	assert.Equal(t, 0.0, cmds[1].Vy)
	assert.Equal(t, 0.0, cmds[1].Vyaw)
	assert.Equal(t, Lost, tr.State())
}
