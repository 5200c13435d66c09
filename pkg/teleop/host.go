package teleop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/robot"
	"github.com/gwillem/legbot/pkg/transport"
	"github.com/gwillem/legbot/pkg/vision"
)

// CommandSource yields the most recent command without blocking.
type CommandSource interface {
	Latest() (protocol.Command, bool)
}

// ObservationSink accepts observations without blocking.
type ObservationSink interface {
	Send(protocol.Observation) error
}

// HostConfig tunes the host loops.
type HostConfig struct {
	// PublishHz caps the observation rate.
	PublishHz float64 `yaml:"publish_hz"`
	// DispatchInterval is the command polling period.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	// ShutdownTimeout bounds how long Run waits for its loops on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultHostConfig returns 10 Hz publishing and 10 ms command polling.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		PublishHz:        10,
		DispatchInterval: 10 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
	}
}

// HostStats are counters for the host loops.
type HostStats struct {
	Dispatched    uint64            `json:"dispatched"`
	MoveErrors    uint64            `json:"move_errors"`
	Published     uint64            `json:"published"`
	PublishErrors uint64            `json:"publish_errors"`
	LastCommand   *protocol.Command `json:"last_command"`
}

// Host runs on the robot. It relays the latest client command to the motion
// backend and publishes observations back.
type Host struct {
	cfg          HostConfig
	robot        robot.Robot
	commands     CommandSource
	observations ObservationSink
	camera       vision.Camera
	log          *slog.Logger

	lastCommand   transport.Slot[protocol.Command]
	lastFrame     transport.Slot[[]byte]
	dispatched    atomic.Uint64
	moveErrors    atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64

	moveWarn    rate.Sometimes
	observeWarn rate.Sometimes
}

// HostOption configures optional host collaborators.
type HostOption func(*Host)

// WithCamera publishes frames from cam instead of the backend's own camera.
func WithCamera(cam vision.Camera) HostOption {
	return func(h *Host) { h.camera = cam }
}

// NewHost wires a backend to its command source and observation sink.
func NewHost(cfg HostConfig, r robot.Robot, commands CommandSource, observations ObservationSink, logger *slog.Logger, opts ...HostOption) *Host {
	def := DefaultHostConfig()
	if cfg.PublishHz <= 0 {
		cfg.PublishHz = def.PublishHz
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	h := &Host{
		cfg:          cfg,
		robot:        r,
		commands:     commands,
		observations: observations,
		log:          logger.With("component", "host"),
		moveWarn:     rate.Sometimes{Interval: 5 * time.Second},
		observeWarn:  rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run initializes the backend, runs the dispatch and publish loops until ctx
// is done, then stops the robot and shuts the backend down.
func (h *Host) Run(ctx context.Context) error {
	if err := h.robot.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize robot: %w", err)
	}
	h.log.Info("host started", "publish_hz", h.cfg.PublishHz, "dispatch_interval", h.cfg.DispatchInterval)

	sup := NewSupervisor(ctx, h.log)
	sup.Go("dispatch", h.dispatchLoop)
	sup.Go("publish", h.publishLoop)

	<-sup.Context().Done()
	err := sup.Stop(h.cfg.ShutdownTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()
	if moveErr := h.robot.Move(stopCtx, 0, 0, 0); moveErr != nil {
		h.log.Warn("final stop failed", "error", moveErr)
	}
	if shutErr := h.robot.Shutdown(stopCtx); shutErr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown robot: %w", shutErr))
	}
	h.log.Info("host stopped")
	return err
}

// dispatchLoop re-issues the latest command on every poll. When the command
// stream goes away it sends one stop.
func (h *Host) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.DispatchInterval)
	defer ticker.Stop()

	active := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cmd, ok := h.commands.Latest()
			if !ok {
				if active {
					h.log.Info("command stream lost, stopping")
					h.stop(ctx)
					active = false
				}
				continue
			}
			active = true
			h.dispatch(ctx, cmd)
		}
	}
}

func (h *Host) dispatch(ctx context.Context, cmd protocol.Command) {
	h.dispatched.Add(1)
	h.lastCommand.Store(cmd)

	err := h.robot.Move(ctx, cmd.Vx, cmd.Vy, cmd.Vyaw)
	if err == nil {
		return
	}
	h.moveErrors.Add(1)
	h.moveWarn.Do(func() {
		h.log.Warn("move failed", "command", cmd.String(), "error", err, "total", h.moveErrors.Load())
	})
	h.stop(ctx)
}

func (h *Host) stop(ctx context.Context) {
	if err := h.robot.Move(ctx, 0, 0, 0); err != nil {
		h.log.Debug("safety stop failed", "error", err)
	}
}

// publishLoop follows the backend's state notifications when it has them and
// a fixed timer otherwise. Either way the rate is capped at PublishHz.
func (h *Host) publishLoop(ctx context.Context) error {
	if n, ok := h.robot.(robot.StateNotifier); ok {
		limiter := rate.NewLimiter(rate.Limit(h.cfg.PublishHz), 1)
		updates := n.StateUpdates()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-updates:
				if limiter.Allow() {
					h.publish(ctx)
				}
			}
		}
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / h.cfg.PublishHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.publish(ctx)
		}
	}
}

func (h *Host) publish(ctx context.Context) {
	obs, err := h.robot.Observe(ctx)
	if err != nil {
		h.publishErrors.Add(1)
		h.observeWarn.Do(func() {
			h.log.Warn("observe failed", "error", &transport.TransientError{Op: "observe", Err: err})
		})
		return
	}

	if h.camera != nil {
		frame, err := h.camera.Capture(ctx)
		if err != nil {
			h.observeWarn.Do(func() { h.log.Warn("camera capture failed", "error", err) })
		}
		obs.FrontImage = frame
	}

	if len(obs.FrontImage) > 0 {
		h.lastFrame.Store(obs.FrontImage)
	}
	obs.Timestamp = protocol.Now()
	if err := h.observations.Send(obs); err != nil {
		h.publishErrors.Add(1)
		h.log.Debug("publish failed", "error", err)
		return
	}
	h.published.Add(1)
}

// LastFrame returns the most recently published camera frame.
func (h *Host) LastFrame() ([]byte, bool) {
	return h.lastFrame.Load()
}

// Stats returns a snapshot of the host counters.
func (h *Host) Stats() HostStats {
	s := HostStats{
		Dispatched:    h.dispatched.Load(),
		MoveErrors:    h.moveErrors.Load(),
		Published:     h.published.Load(),
		PublishErrors: h.publishErrors.Load(),
	}
	if cmd, ok := h.lastCommand.Load(); ok {
		s.LastCommand = &cmd
	}
	return s
}
