// Package teleop connects a remote operator to a legged robot: the host side
// relays commands to the motion backend and streams observations back, the
// client side sends commands and decodes observations.
package teleop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/transport"
	"github.com/gwillem/legbot/pkg/vision"
)

// Snapshot is a decoded observation. Frame is nil when the host sent no image
// or the image could not be decoded.
type Snapshot struct {
	State     json.RawMessage
	Frame     *vision.Frame
	Timestamp float64
	Seq       uint64
}

// Client is the operator side of a teleoperation session.
type Client struct {
	commands     *transport.Channel[protocol.Command]
	observations *transport.Channel[Snapshot]
	log          *slog.Logger

	updates chan Snapshot
	seq     atomic.Uint64
}

// Connect dials the host's command and observation channels.
func Connect(ctx context.Context, cfg ChannelConfig, logger *slog.Logger) (*Client, error) {
	log := logger.With("component", "client")

	commands, err := transport.Dial[protocol.Command](ctx, cfg.endpoint("commands", cfg.Host, cfg.CommandPort, logger), transport.JSONCodec[protocol.Command]{})
	if err != nil {
		return nil, fmt.Errorf("connect command channel: %w", err)
	}

	codec := &snapshotCodec{log: log, warn: rate.Sometimes{Interval: 5 * time.Second}}
	observations, err := transport.Dial[Snapshot](ctx, cfg.endpoint("observations", cfg.Host, cfg.ObservationPort, logger), codec)
	if err != nil {
		commands.Close(time.Second)
		return nil, fmt.Errorf("connect observation channel: %w", err)
	}

	c := &Client{
		commands:     commands,
		observations: observations,
		log:          log,
		updates:      make(chan Snapshot, 1),
	}
	observations.OnReceive(c.notify)
	log.Info("connected to host", "host", cfg.Host)
	return c, nil
}

// Send transmits a command. It never blocks.
func (c *Client) Send(cmd protocol.Command) error {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = protocol.Now()
	}
	return c.commands.Send(cmd)
}

// Latest returns the newest observation, or false before the first one.
func (c *Client) Latest() (Snapshot, bool) {
	s, seq, ok := c.observations.LatestSeq()
	s.Seq = seq
	return s, ok
}

// Updates delivers observations as they arrive. Only the newest pending one
// is kept, so slow readers skip frames instead of falling behind.
func (c *Client) Updates() <-chan Snapshot {
	return c.updates
}

func (c *Client) notify(s Snapshot) {
	s.Seq = c.seq.Add(1)
	select {
	case c.updates <- s:
	default:
		// Replace the stale pending snapshot.
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- s:
		default:
		}
	}
}

// Stats returns the counters of the command and observation channels.
func (c *Client) Stats() (commands, observations transport.Stats) {
	return c.commands.Stats(), c.observations.Stats()
}

// Close sends a final stop and closes both channels.
func (c *Client) Close(timeout time.Duration) error {
	if err := c.commands.Send(protocol.Stop()); err == nil {
		// Let the writer flush the stop before the socket goes away.
		time.Sleep(50 * time.Millisecond)
	}
	err1 := c.commands.Close(timeout)
	err2 := c.observations.Close(timeout)
	if err1 != nil {
		return err1
	}
	return err2
}

// snapshotCodec decodes observations and their JPEG frames on the receive
// goroutine. A bad image degrades to a nil frame.
type snapshotCodec struct {
	log  *slog.Logger
	warn rate.Sometimes
}

func (c *snapshotCodec) Encode(s Snapshot) ([]byte, error) {
	o := protocol.Observation{State: s.State, Timestamp: s.Timestamp}
	if s.Frame != nil {
		o.FrontImage = s.Frame.JPEG
	}
	return protocol.MarshalObservation(o)
}

func (c *snapshotCodec) Decode(data []byte) (Snapshot, error) {
	o, err := protocol.UnmarshalObservation(data)
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{State: o.State, Timestamp: o.Timestamp}
	if len(o.FrontImage) > 0 {
		frame, err := vision.DecodeFrame(o.FrontImage)
		if err != nil {
			c.warn.Do(func() { c.log.Warn("dropping undecodable frame", "error", err) })
		} else {
			s.Frame = frame
		}
	}
	return s, nil
}
