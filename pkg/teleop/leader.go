package teleop

import (
	"context"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/robot"
)

// PositionReader reads normalized joint positions in [-100, 100].
type PositionReader interface {
	ReadPositions(ctx context.Context) (map[robot.MotorName]float64, error)
}

// CommandSink accepts commands without blocking.
type CommandSink interface {
	Send(protocol.Command) error
}

// LeaderMapping turns leader arm joint deflections into velocities. The arm is
// held near its calibrated center; deflecting shoulder_lift drives forward,
// wrist_roll strafes and shoulder_pan turns.
type LeaderMapping struct {
	// DeadZone is the deflection, in normalized units, that maps to zero.
	DeadZone float64         `yaml:"dead_zone"`
	Bounds   protocol.Bounds `yaml:"bounds"`
}

// DefaultLeaderMapping returns a 10 unit dead zone and the default bounds.
func DefaultLeaderMapping() LeaderMapping {
	return LeaderMapping{DeadZone: 10, Bounds: protocol.DefaultBounds()}
}

// Command maps positions to a command. Missing joints read as centered.
func (m LeaderMapping) Command(positions map[robot.MotorName]float64) protocol.Command {
	return protocol.NewCommand(
		m.axis(positions[robot.ShoulderLift], m.Bounds.Vx),
		m.axis(-positions[robot.WristRoll], m.Bounds.Vy),
		m.axis(-positions[robot.ShoulderPan], m.Bounds.Vyaw),
	)
}

// axis rescales the deflection beyond the dead zone to [-limit, limit].
func (m LeaderMapping) axis(v, limit float64) float64 {
	dz := min(max(m.DeadZone, 0), 99)
	mag := math.Abs(v)
	if mag <= dz {
		return 0
	}
	scaled := min((mag-dz)/(100-dz), 1) * limit
	return math.Copysign(scaled, v)
}

// LeaderInput polls a leader arm and forwards the mapped commands.
type LeaderInput struct {
	reader  PositionReader
	sink    CommandSink
	mapping LeaderMapping
	hz      float64
	log     *slog.Logger

	commands chan protocol.Command
	readWarn rate.Sometimes
}

// NewLeaderInput creates an input that polls reader at hz.
func NewLeaderInput(reader PositionReader, sink CommandSink, mapping LeaderMapping, hz float64, logger *slog.Logger) *LeaderInput {
	if hz <= 0 {
		hz = 30
	}
	return &LeaderInput{
		reader:   reader,
		sink:     sink,
		mapping:  mapping,
		hz:       hz,
		log:      logger.With("component", "leader"),
		commands: make(chan protocol.Command, 1),
		readWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Commands delivers the most recent mapped command for display.
func (l *LeaderInput) Commands() <-chan protocol.Command {
	return l.commands
}

// Run polls until ctx is done. A failed read sends a stop.
func (l *LeaderInput) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / l.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.step(ctx)
		}
	}
}

func (l *LeaderInput) step(ctx context.Context) {
	cmd := protocol.Stop()
	positions, err := l.reader.ReadPositions(ctx)
	if err != nil {
		l.readWarn.Do(func() { l.log.Warn("leader read failed, sending stop", "error", err) })
	} else {
		cmd = l.mapping.Command(positions)
	}

	if err := l.sink.Send(cmd); err != nil {
		l.log.Debug("send failed", "error", err)
	}

	select {
	case l.commands <- cmd:
	default:
		select {
		case <-l.commands:
		default:
		}
		select {
		case l.commands <- cmd:
		default:
		}
	}
}
