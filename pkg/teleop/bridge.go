package teleop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/pkg/robot"
	"github.com/gwillem/legbot/pkg/transport"
)

// BridgeConfig tunes ServeBridge.
type BridgeConfig struct {
	robot.Go2Config `yaml:",inline"`
	// Bind is the listen address; the Go2 host field is only used by dialers.
	Bind      string        `yaml:"bind"`
	PublishHz float64       `yaml:"publish_hz"`
	PollEvery time.Duration `yaml:"poll_every"`
	// CommandTimeout stops the backend once when no command arrived for this
	// long.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultBridgeConfig serves the Go2 bridge ports on all interfaces.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Go2Config:      robot.DefaultGo2Config(),
		PublishHz:      20,
		PollEvery:      10 * time.Millisecond,
		CommandTimeout: 500 * time.Millisecond,
	}
}

// Bridge speaks the Go2 sport bridge protocol on behalf of another backend,
// so the Go2 adapter can be exercised without the real robot: it subscribes
// to velocity commands and publishes state and camera frames.
type Bridge struct {
	cmd   zmq4.Socket
	state zmq4.Socket
	image zmq4.Socket

	cfg    BridgeConfig
	robot  robot.Robot
	log    *slog.Logger
	cancel context.CancelFunc
	closed sync.Once

	latest   transport.Slot[robot.BridgeCommand]
	recvWarn rate.Sometimes
}

// ListenBridge binds the three bridge ports. Port 0 picks a free port.
func ListenBridge(ctx context.Context, cfg BridgeConfig, r robot.Robot, logger *slog.Logger) (*Bridge, error) {
	def := DefaultBridgeConfig()
	if cfg.PublishHz <= 0 {
		cfg.PublishHz = def.PublishHz
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = def.PollEvery
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	bind := cfg.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cmd:      zmq4.NewSub(sockCtx),
		state:    zmq4.NewPub(sockCtx),
		image:    zmq4.NewPub(sockCtx),
		cfg:      cfg,
		robot:    r,
		log:      logger.With("component", "bridge"),
		cancel:   cancel,
		recvWarn: rate.Sometimes{Interval: 5 * time.Second},
	}

	for _, l := range []struct {
		name string
		sock zmq4.Socket
		port int
	}{
		{"command", b.cmd, cfg.CommandPort},
		{"state", b.state, cfg.StatePort},
		{"image", b.image, cfg.ImagePort},
	} {
		if err := l.sock.Listen(robot.ZMQEndpoint(bind, l.port)); err != nil {
			b.close()
			return nil, fmt.Errorf("listen bridge %s: %w", l.name, err)
		}
	}
	if err := b.cmd.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		b.close()
		return nil, fmt.Errorf("subscribe bridge commands: %w", err)
	}
	return b, nil
}

// Ports returns the bound command, state and image ports.
func (b *Bridge) Ports() (command, state, image int) {
	return socketPort(b.cmd), socketPort(b.state), socketPort(b.image)
}

// Run initializes the backend and serves until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.close()

	if err := b.robot.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize robot: %w", err)
	}
	cmdPort, statePort, imagePort := b.Ports()
	b.log.Info("bridge serving", "command_port", cmdPort, "state_port", statePort, "image_port", imagePort)

	sup := NewSupervisor(ctx, b.log)
	sup.Go("bridge-receive", b.receiveLoop)
	sup.Go("bridge-command", b.commandLoop)
	sup.Go("bridge-publish", b.publishLoop)
	<-sup.Context().Done()
	// Unblock the receiver.
	b.close()
	err := sup.Stop(b.cfg.ShutdownTimeout + time.Second)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if shutErr := b.robot.Shutdown(stopCtx); shutErr != nil && err == nil {
		err = fmt.Errorf("shutdown robot: %w", shutErr)
	}
	return err
}

// receiveLoop decodes commands into the latest-value slot.
func (b *Bridge) receiveLoop(ctx context.Context) error {
	for {
		msg, err := b.cmd.Recv()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.recvWarn.Do(func() { b.log.Warn("bridge receive failed", "error", err) })
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.cfg.PollEvery):
			}
			continue
		}
		var cmd robot.BridgeCommand
		if err := json.Unmarshal(msg.Bytes(), &cmd); err != nil {
			b.recvWarn.Do(func() { b.log.Warn("dropping malformed bridge command", "error", err) })
			continue
		}
		b.latest.Store(cmd)
	}
}

// commandLoop re-applies the newest command every poll. When commands stop
// arriving for CommandTimeout the backend is stopped once.
func (b *Bridge) commandLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollEvery)
	defer ticker.Stop()

	var lastSeq uint64
	lastArrival := time.Now()
	active := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cmd, seq, ok := b.latest.LoadSeq()
		if ok && seq != lastSeq {
			lastSeq = seq
			lastArrival = time.Now()
			active = true
		}
		if !active {
			continue
		}
		if time.Since(lastArrival) > b.cfg.CommandTimeout {
			b.log.Info("bridge commands stopped, stopping robot")
			b.latest.Clear()
			b.move(ctx, robot.BridgeCommand{})
			active = false
			continue
		}
		b.move(ctx, cmd)
	}
}

func (b *Bridge) move(ctx context.Context, cmd robot.BridgeCommand) {
	if err := b.robot.Move(ctx, cmd.Vx, cmd.Vy, cmd.Vyaw); err != nil {
		b.log.Debug("bridge move failed", "error", err)
	}
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / b.cfg.PublishHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		obs, err := b.robot.Observe(ctx)
		if err != nil {
			continue
		}
		if obs.State != nil {
			b.state.Send(zmq4.NewMsg(obs.State))
		}
		if len(obs.FrontImage) > 0 {
			b.image.Send(zmq4.NewMsg(obs.FrontImage))
		}
	}
}

func (b *Bridge) close() {
	b.closed.Do(func() {
		b.cancel()
		for _, sock := range []zmq4.Socket{b.cmd, b.state, b.image} {
			sock.Close()
		}
	})
}

// ServeBridge listens on the bridge ports and serves r until ctx is done.
func ServeBridge(ctx context.Context, cfg BridgeConfig, r robot.Robot, logger *slog.Logger) error {
	b, err := ListenBridge(ctx, cfg, r, logger)
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

func socketPort(sock zmq4.Socket) int {
	addr := sock.Addr()
	if addr == nil {
		return 0
	}
	return portOf(addr.String())
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
