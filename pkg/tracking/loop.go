package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/teleop"
)

// SnapshotSource yields the newest decoded observation without blocking.
type SnapshotSource interface {
	Latest() (teleop.Snapshot, bool)
}

// Status is what the loop reports after each processed frame.
type Status struct {
	State   State
	Result  Result
	Command protocol.Command
	Session *Session
	Frames  uint64
}

// Loop drives a Tracker from the client's observation stream at a fixed rate
// and sends its commands.
type Loop struct {
	tracker *Tracker
	source  SnapshotSource
	sink    teleop.CommandSink
	hz      float64
	stale   time.Duration
	log     *slog.Logger

	status chan Status
	frames uint64
}

// NewLoop wires a tracker between an observation source and a command sink.
func NewLoop(cfg Config, tracker *Tracker, source SnapshotSource, sink teleop.CommandSink, logger *slog.Logger) *Loop {
	hz := cfg.ControlHz
	if hz <= 0 {
		hz = DefaultConfig().ControlHz
	}
	return &Loop{
		tracker: tracker,
		source:  source,
		sink:    sink,
		hz:      hz,
		stale:   cfg.StaleAfter,
		log:     logger.With("component", "tracking-loop"),
		status:  make(chan Status, 1),
	}
}

// Status delivers the newest loop status for display.
func (l *Loop) Status() <-chan Status {
	return l.status
}

// Run processes each new frame once until ctx is done. Frames without an
// image are skipped. When the stream goes quiet for longer than StaleAfter the
// robot is stopped once.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / l.hz))
	defer ticker.Stop()

	var lastSeq uint64
	lastFrame := time.Now()
	moving := false
	for {
		select {
		case <-ctx.Done():
			l.send(protocol.Stop())
			return nil
		case <-ticker.C:
		}

		snap, ok := l.source.Latest()
		if !ok || snap.Frame == nil || snap.Seq == lastSeq {
			if moving && l.stale > 0 && time.Since(lastFrame) > l.stale {
				l.log.Warn("observation stream stale, stopping", "after", l.stale)
				l.send(protocol.Stop())
				moving = false
			}
			continue
		}
		lastSeq = snap.Seq
		lastFrame = time.Now()

		cmd, res := l.tracker.Step(ctx, *snap.Frame)
		l.send(cmd)
		moving = !cmd.IsZero()
		l.frames++
		l.report(Status{
			State:   l.tracker.State(),
			Result:  res,
			Command: cmd,
			Session: l.tracker.Session(),
			Frames:  l.frames,
		})
	}
}

func (l *Loop) send(cmd protocol.Command) {
	if err := l.sink.Send(cmd); err != nil {
		l.log.Debug("send failed", "error", err)
	}
}

func (l *Loop) report(s Status) {
	select {
	case l.status <- s:
	default:
		select {
		case <-l.status:
		default:
		}
		select {
		case l.status <- s:
		default:
		}
	}
}
