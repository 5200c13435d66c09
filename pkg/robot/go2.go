package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/transport"
)

// BridgeCommand is the velocity message the Go2 sport bridge subscribes to on
// its command port. An all-zero command stops the robot.
type BridgeCommand struct {
	Vx   float64 `json:"vx"`
	Vy   float64 `json:"vy"`
	Vyaw float64 `json:"vyaw"`
}

// Go2Config addresses the sport bridge running on the robot's onboard computer.
type Go2Config struct {
	Host            string        `yaml:"host"`
	CommandPort     int           `yaml:"command_port"`
	ImagePort       int           `yaml:"image_port"`
	StatePort       int           `yaml:"state_port"`
	DialAttempts    int           `yaml:"dial_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultGo2Config returns the bridge's default addressing.
func DefaultGo2Config() Go2Config {
	return Go2Config{
		Host:            "192.168.123.18",
		CommandPort:     5555,
		ImagePort:       5556,
		StatePort:       5557,
		DialAttempts:    5,
		RetryInterval:   time.Second,
		ShutdownTimeout: time.Second,
	}
}

// ZMQEndpoint formats a tcp endpoint for zmq4 Dial and Listen.
func ZMQEndpoint(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

var errNotInitialized = errors.New("not initialized")

// Go2 drives a Unitree Go2 through its ZeroMQ sport bridge. Velocity commands
// are published as JSON on the command port; the bridge publishes JSON state
// and front camera JPEGs on two other ports, of which only the newest is kept.
type Go2 struct {
	cfg Go2Config
	log *slog.Logger

	mu     sync.Mutex
	cmd    zmq4.Socket
	subs   []zmq4.Socket
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state transport.Slot[json.RawMessage]
	image transport.Slot[[]byte]

	recvWarn rate.Sometimes
}

// NewGo2 creates an unconnected Go2 backend.
func NewGo2(cfg Go2Config, logger *slog.Logger) *Go2 {
	return &Go2{
		cfg:      cfg,
		log:      logger.With("component", "go2"),
		recvWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (g *Go2) options() []zmq4.Option {
	retry := g.cfg.RetryInterval
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	return []zmq4.Option{
		zmq4.WithDialerRetry(retry),
		zmq4.WithDialerMaxRetries(max(g.cfg.DialAttempts-1, 0)),
		zmq4.WithAutomaticReconnect(true),
	}
}

// Initialize connects the command publisher and the state and image
// subscribers.
func (g *Go2) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cmd != nil {
		return nil
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	cmd := zmq4.NewPub(sockCtx, g.options()...)
	if err := cmd.Dial(ZMQEndpoint(g.cfg.Host, g.cfg.CommandPort)); err != nil {
		cancel()
		cmd.Close()
		return fmt.Errorf("connect go2 command socket: %w: %w", transport.ErrConnection, err)
	}

	state, err := g.subscribe(sockCtx, g.cfg.StatePort)
	if err != nil {
		cancel()
		cmd.Close()
		return fmt.Errorf("connect go2 state socket: %w", err)
	}
	image, err := g.subscribe(sockCtx, g.cfg.ImagePort)
	if err != nil {
		cancel()
		cmd.Close()
		state.Close()
		return fmt.Errorf("connect go2 image socket: %w", err)
	}

	g.cmd, g.subs, g.cancel = cmd, []zmq4.Socket{state, image}, cancel
	g.wg.Add(2)
	go g.receive(sockCtx, "state", state, func(data []byte) {
		if !json.Valid(data) {
			g.recvWarn.Do(func() { g.log.Warn("dropping malformed state", "bytes", len(data)) })
			return
		}
		g.state.Store(json.RawMessage(data))
	})
	go g.receive(sockCtx, "image", image, func(data []byte) {
		g.image.Store(data)
	})

	g.log.Info("connected to sport bridge", "host", g.cfg.Host)
	return nil
}

func (g *Go2) subscribe(ctx context.Context, port int) (zmq4.Socket, error) {
	sub := zmq4.NewSub(ctx, g.options()...)
	if err := sub.Dial(ZMQEndpoint(g.cfg.Host, port)); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// receive copies messages from sub into store until ctx is done. Multipart
// messages use their last frame.
func (g *Go2) receive(ctx context.Context, name string, sub zmq4.Socket, store func([]byte)) {
	defer g.wg.Done()
	for {
		msg, err := sub.Recv()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			g.recvWarn.Do(func() { g.log.Warn("bridge receive failed", "socket", name, "error", err) })
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}
		store(msg.Frames[len(msg.Frames)-1])
	}
}

// Move publishes a velocity command.
func (g *Go2) Move(ctx context.Context, vx, vy, vyaw float64) error {
	if err := g.publish(BridgeCommand{Vx: vx, Vy: vy, Vyaw: vyaw}); err != nil {
		return &CommandError{Op: "move", Err: err}
	}
	return nil
}

func (g *Go2) publish(cmd BridgeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cmd == nil {
		return errNotInitialized
	}
	return g.cmd.Send(zmq4.NewMsg(data))
}

// Observe returns the latest bridge state and front camera frame. Either may be
// nil when the bridge has not published one yet.
func (g *Go2) Observe(ctx context.Context) (protocol.Observation, error) {
	g.mu.Lock()
	connected := g.cmd != nil
	g.mu.Unlock()
	if !connected {
		return protocol.Observation{}, errNotInitialized
	}

	var obs protocol.Observation
	if s, ok := g.state.Load(); ok {
		obs.State = s
	}
	if img, ok := g.image.Load(); ok {
		obs.FrontImage = img
	}
	return obs, nil
}

// Shutdown publishes a final stop and closes the bridge sockets.
func (g *Go2) Shutdown(ctx context.Context) error {
	if err := g.publish(BridgeCommand{}); errors.Is(err, errNotInitialized) {
		return nil
	} else if err != nil {
		g.log.Warn("final stop not sent", "error", err)
	}

	g.mu.Lock()
	cmd, subs, cancel := g.cmd, g.subs, g.cancel
	g.cmd, g.subs, g.cancel = nil, nil, nil
	g.mu.Unlock()
	if cmd == nil {
		return nil
	}

	cancel()
	for _, sock := range append(subs, cmd) {
		if err := sock.Close(); err != nil {
			g.log.Debug("close bridge socket", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(g.cfg.ShutdownTimeout):
		g.log.Warn("bridge receivers did not stop", "timeout", g.cfg.ShutdownTimeout)
	}

	g.state.Clear()
	g.image.Clear()
	g.log.Info("disconnected from sport bridge")
	return nil
}
