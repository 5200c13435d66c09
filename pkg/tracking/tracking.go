// Package tracking follows a visual target with the robot base. A detector
// finds the target, a point tracker follows it between detections, and three
// PID controllers turn its position and size in the frame into velocities.
package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/pkg/pid"
	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/vision"
)

// State is the tracker's position in its search/track cycle.
type State int

const (
	Searching State = iota
	Acquired
	Lost
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Acquired:
		return "acquired"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Result describes what a Step did.
type Result int

const (
	// ResultSearching means no target is held and the command is zero.
	ResultSearching Result = iota
	// ResultAcquired means a detection started a new session.
	ResultAcquired
	// ResultRedetected means a periodic detection re-seeded the session.
	ResultRedetected
	// ResultTracking means the points were advanced from the previous frame.
	ResultTracking
	// ResultLost means every point left the frame. The command is zero.
	ResultLost
)

func (r Result) String() string {
	switch r {
	case ResultSearching:
		return "searching"
	case ResultAcquired:
		return "acquired"
	case ResultRedetected:
		return "redetected"
	case ResultTracking:
		return "tracking"
	case ResultLost:
		return "lost"
	default:
		return "unknown"
	}
}

// LateralAxis selects which image offset drives sideways motion.
type LateralAxis string

const (
	LateralHorizontal LateralAxis = "horizontal"
	LateralVertical   LateralAxis = "vertical"
)

// Config tunes detection, tracking and control.
type Config struct {
	Label               string  `yaml:"label"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// SearchEvery runs detection on every Nth frame while searching.
	SearchEvery int `yaml:"search_every"`
	// RedetectEvery re-runs detection every Nth frame while tracking.
	RedetectEvery int `yaml:"redetect_every"`
	GridSize      int `yaml:"grid_size"`

	// TargetArea is the fraction of the frame the target should cover.
	TargetArea  float64     `yaml:"target_area"`
	LateralAxis LateralAxis `yaml:"lateral_axis"`
	// Speed scales all controller outputs, in [0, 1].
	Speed float64 `yaml:"speed"`

	Yaw     pid.Config      `yaml:"yaw"`
	Forward pid.Config      `yaml:"forward"`
	Lateral pid.Config      `yaml:"lateral"`
	Bounds  protocol.Bounds `yaml:"bounds"`

	// ControlHz is the rate of the tracking loop. It should match 1/Dt of the
	// controllers.
	ControlHz float64 `yaml:"control_hz"`
	// StaleAfter stops the robot when no new frame arrived for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultConfig tracks a person at 10 Hz.
func DefaultConfig() Config {
	return Config{
		Label:               "person",
		ConfidenceThreshold: 0.5,
		SearchEvery:         1,
		RedetectEvery:       30,
		GridSize:            5,
		TargetArea:          0.2,
		LateralAxis:         LateralHorizontal,
		Speed:               1,
		Yaw:                 pid.Config{Kp: 0.5, Ki: 0.05, Kd: 0.05, Dt: 0.1, Limits: &pid.Limits{Min: -0.8, Max: 0.8}},
		Forward:             pid.Config{Kp: 1.5, Ki: 0.1, Kd: 0.1, Dt: 0.1, Limits: &pid.Limits{Min: -0.5, Max: 0.5}},
		Lateral:             pid.Config{Kp: 0.2, Dt: 0.1, Limits: &pid.Limits{Min: -0.3, Max: 0.3}},
		Bounds:              protocol.DefaultBounds(),
		ControlHz:           10,
		StaleAfter:          time.Second,
	}
}

// Session is one continuous hold on the target.
type Session struct {
	ID     string
	Label  string
	Box    vision.Rect
	Points []vision.Point
	Active bool
}

// Tracker is the per-frame state machine. It is owned by one loop and is not
// safe for concurrent use.
type Tracker struct {
	cfg      Config
	detector vision.Detector
	points   vision.PointTracker
	log      *slog.Logger

	state       State
	session     *Session
	prev        vision.Frame
	frames      int
	sinceDetect int

	yaw, forward, lateral *pid.Controller

	errWarn rate.Sometimes
}

// New creates a tracker in the Searching state.
func New(cfg Config, detector vision.Detector, points vision.PointTracker, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.SearchEvery < 1 {
		cfg.SearchEvery = def.SearchEvery
	}
	if cfg.RedetectEvery < 1 {
		cfg.RedetectEvery = def.RedetectEvery
	}
	if cfg.GridSize < 1 {
		cfg.GridSize = def.GridSize
	}
	if cfg.Speed <= 0 || cfg.Speed > 1 {
		cfg.Speed = 1
	}
	if cfg.LateralAxis == "" {
		cfg.LateralAxis = LateralHorizontal
	}
	return &Tracker{
		cfg:      cfg,
		detector: detector,
		points:   points,
		log:      logger.With("component", "tracker", "label", cfg.Label),
		yaw:      pid.New(cfg.Yaw),
		forward:  pid.New(cfg.Forward),
		lateral:  pid.New(cfg.Lateral),
		errWarn:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Session returns a copy of the active session, or nil while searching.
func (t *Tracker) Session() *Session {
	if t.session == nil {
		return nil
	}
	s := *t.session
	s.Points = append([]vision.Point(nil), t.session.Points...)
	return &s
}

// Step processes one frame and returns the command to send.
func (t *Tracker) Step(ctx context.Context, frame vision.Frame) (protocol.Command, Result) {
	n := t.frames
	t.frames++

	if t.state != Acquired {
		t.state = Searching
		if n%t.cfg.SearchEvery != 0 {
			return protocol.Stop(), ResultSearching
		}
		det, ok := t.detect(ctx, frame)
		if !ok {
			return protocol.Stop(), ResultSearching
		}
		t.acquire(frame, det)
		return t.control(frame), ResultAcquired
	}

	t.sinceDetect++
	if t.sinceDetect >= t.cfg.RedetectEvery {
		t.sinceDetect = 0
		if det, ok := t.detect(ctx, frame); ok {
			t.seed(frame, det)
			return t.control(frame), ResultRedetected
		}
	}

	w, h := frame.Size()
	tracked, err := t.points.Track(ctx, t.prev, frame, t.session.Points)
	if err != nil {
		t.errWarn.Do(func() { t.log.Warn("point tracking failed", "error", err) })
		return t.lose()
	}
	box, inFrame, ok := vision.Envelope(tracked, w, h)
	if !ok {
		return t.lose()
	}
	t.session.Box = box
	t.session.Points = inFrame
	t.prev = frame
	return t.control(frame), ResultTracking
}

// detect runs the detector and applies the confidence threshold. Detector
// errors count as no detection.
func (t *Tracker) detect(ctx context.Context, frame vision.Frame) (vision.Detection, bool) {
	det, ok, err := t.detector.Detect(ctx, frame, t.cfg.Label)
	if err != nil {
		t.errWarn.Do(func() { t.log.Warn("detection failed", "error", err) })
		return vision.Detection{}, false
	}
	if !ok || det.Confidence <= t.cfg.ConfidenceThreshold {
		return vision.Detection{}, false
	}
	return det, true
}

func (t *Tracker) acquire(frame vision.Frame, det vision.Detection) {
	t.yaw.Reset()
	t.forward.Reset()
	t.lateral.Reset()
	t.session = &Session{ID: uuid.NewString(), Label: t.cfg.Label, Active: true}
	t.state = Acquired
	t.sinceDetect = 0
	t.seed(frame, det)
	t.log.Info("target acquired", "session", t.session.ID, "confidence", det.Confidence)
}

func (t *Tracker) seed(frame vision.Frame, det vision.Detection) {
	w, h := frame.Size()
	t.session.Box = det.Box.Clip(w, h)
	t.session.Points = vision.GridPoints(det.Box, t.cfg.GridSize, w, h)
	t.prev = frame
}

// lose ends the session and returns an exact zero command.
func (t *Tracker) lose() (protocol.Command, Result) {
	if t.session != nil {
		t.log.Info("target lost", "session", t.session.ID)
	}
	t.session = nil
	t.prev = vision.Frame{}
	t.state = Lost
	t.yaw.Reset()
	t.forward.Reset()
	t.lateral.Reset()
	return protocol.Stop(), ResultLost
}

// control feeds the session box into the controllers.
func (t *Tracker) control(frame vision.Frame) protocol.Command {
	w, h := frame.Size()
	if w == 0 || h == 0 {
		return protocol.Stop()
	}
	halfW, halfH := float64(w)/2, float64(h)/2
	c := t.session.Box.Center()
	ex := (c.X - halfW) / halfW
	ey := (c.Y - halfH) / halfH
	area := t.session.Box.Area() / float64(w*h)

	lateralErr := -ex
	if t.cfg.LateralAxis == LateralVertical {
		lateralErr = -ey
	}

	vyaw := t.yaw.Update(-ex)
	vx := t.forward.Update(t.cfg.TargetArea - area)
	vy := t.lateral.Update(lateralErr)

	s := t.cfg.Speed
	return protocol.NewCommand(vx*s, vy*s, vyaw*s).Clamp(t.cfg.Bounds)
}
