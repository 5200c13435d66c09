package robot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gwillem/legbot/pkg/protocol"
)

// SimTarget is a colored box standing in the simulated world.
type SimTarget struct {
	Color string  `yaml:"color"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Size  float64 `yaml:"size"`
}

// SimConfig configures the simulated robot.
type SimConfig struct {
	// PhysicsHz is the integration rate.
	PhysicsHz float64 `yaml:"physics_hz"`
	// VelocityTau is the time constant of the first-order response to commands.
	VelocityTau time.Duration `yaml:"velocity_tau"`
	// CommandTimeout stops the base when no command arrived for this long.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Latency delays every command, DropRate discards a fraction of them.
	Latency  time.Duration `yaml:"latency"`
	DropRate float64       `yaml:"drop_rate"`

	CameraHz     float64   `yaml:"camera_hz"`
	CameraWidth  int       `yaml:"camera_width"`
	CameraHeight int       `yaml:"camera_height"`
	CameraFOV    float64   `yaml:"camera_fov"`
	JPEGQuality  int       `yaml:"jpeg_quality"`
	Target       SimTarget `yaml:"target"`
}

// DefaultSimConfig returns a simulation with a red target two meters ahead.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		PhysicsHz:      50,
		VelocityTau:    200 * time.Millisecond,
		CommandTimeout: 500 * time.Millisecond,
		CameraHz:       15,
		CameraWidth:    640,
		CameraHeight:   480,
		CameraFOV:      90,
		JPEGQuality:    80,
		Target:         SimTarget{Color: "red", X: 2, Y: 0.3, Size: 0.5},
	}
}

// Sim is a kinematic legged base with a synthetic front camera. It mimics a
// robot reached over a lossy link through configurable latency and drop rate.
type Sim struct {
	cfg SimConfig
	log *slog.Logger

	mu          sync.Mutex
	running     bool
	x, y, yaw   float64
	vel         [3]float64
	cmd         [3]float64
	lastCommand time.Time
	frame       []byte
	mode        string
	dropped     uint64

	updates chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewSim creates a stopped simulation.
func NewSim(cfg SimConfig, logger *slog.Logger) *Sim {
	def := DefaultSimConfig()
	if cfg.PhysicsHz <= 0 {
		cfg.PhysicsHz = def.PhysicsHz
	}
	if cfg.CameraHz <= 0 {
		cfg.CameraHz = def.CameraHz
	}
	if cfg.CameraWidth <= 0 || cfg.CameraHeight <= 0 {
		cfg.CameraWidth, cfg.CameraHeight = def.CameraWidth, def.CameraHeight
	}
	if cfg.CameraFOV <= 0 {
		cfg.CameraFOV = def.CameraFOV
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.Target.Size <= 0 {
		cfg.Target.Size = def.Target.Size
	}
	return &Sim{
		cfg:     cfg,
		log:     logger.With("component", "sim"),
		mode:    "idle",
		updates: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Initialize starts the physics and camera loop.
func (s *Sim) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.mode = "stand"
	s.lastCommand = s.now()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(loopCtx)

	s.log.Info("simulation started", "target", s.cfg.Target.Color)
	return nil
}

// Shutdown stops the simulation loop.
func (s *Sim) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mode = "damp"
	s.cmd = [3]float64{}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("simulation stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Move applies a velocity command after the configured latency, unless the
// simulated link drops it.
func (s *Sim) Move(ctx context.Context, vx, vy, vyaw float64) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return &CommandError{Op: "move", Err: errors.New("simulation not running")}
	}

	if s.cfg.DropRate > 0 && rand.Float64() < s.cfg.DropRate {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return nil
	}

	apply := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running {
			return
		}
		s.cmd = [3]float64{vx, vy, vyaw}
		s.lastCommand = s.now()
		s.mode = "walk"
	}
	if s.cfg.Latency > 0 {
		time.AfterFunc(s.cfg.Latency, apply)
	} else {
		apply()
	}
	return nil
}

// Observe returns the base state and the latest rendered frame.
func (s *Sim) Observe(ctx context.Context) (protocol.Observation, error) {
	s.mu.Lock()
	st := protocol.BaseState{
		Position: [3]float64{s.x, s.y, 0},
		Yaw:      s.yaw,
		Velocity: s.vel,
		Mode:     s.mode,
	}
	frame := s.frame
	s.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return protocol.Observation{}, err
	}
	return protocol.Observation{State: data, FrontImage: frame}, nil
}

// StateUpdates implements StateNotifier.
func (s *Sim) StateUpdates() <-chan struct{} {
	return s.updates
}

// Pose returns the simulated position and heading.
func (s *Sim) Pose() (x, y, yaw float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, s.yaw
}

// Dropped returns how many commands the simulated link discarded.
func (s *Sim) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sim) run(ctx context.Context) {
	defer s.wg.Done()

	dt := 1 / s.cfg.PhysicsHz
	physics := time.NewTicker(time.Duration(float64(time.Second) * dt))
	defer physics.Stop()
	camera := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.CameraHz))
	defer camera.Stop()

	s.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-physics.C:
			s.step(dt)
			select {
			case s.updates <- struct{}{}:
			default:
			}
		case <-camera.C:
			s.render()
		}
	}
}

// step integrates the base pose over dt seconds.
func (s *Sim) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.cmd
	if s.cfg.CommandTimeout > 0 && s.now().Sub(s.lastCommand) > s.cfg.CommandTimeout {
		target = [3]float64{}
		if s.mode == "walk" {
			s.mode = "stand"
		}
	}

	alpha := 1.0
	if tau := s.cfg.VelocityTau.Seconds(); tau > 0 {
		alpha = 1 - math.Exp(-dt/tau)
	}
	for i := range s.vel {
		s.vel[i] += (target[i] - s.vel[i]) * alpha
	}

	sin, cos := math.Sincos(s.yaw)
	s.x += (s.vel[0]*cos - s.vel[1]*sin) * dt
	s.y += (s.vel[0]*sin + s.vel[1]*cos) * dt
	s.yaw = wrapAngle(s.yaw + s.vel[2]*dt)
}

func (s *Sim) render() {
	s.mu.Lock()
	x, y, yaw := s.x, s.y, s.yaw
	s.mu.Unlock()

	data, err := renderView(s.cfg, x, y, yaw)
	if err != nil {
		s.log.Warn("render failed", "error", err)
		return
	}

	s.mu.Lock()
	s.frame = data
	s.mu.Unlock()
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
