// Package protocol defines the messages exchanged between the teleoperation
// client and the host: velocity commands one way, observations the other.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Command is a body-frame velocity command. Linear velocities are in m/s,
// yaw rate in rad/s. A command is superseded by the next one.
type Command struct {
	Vx        float64 `json:"vx"`
	Vy        float64 `json:"vy"`
	Vyaw      float64 `json:"vyaw"`
	Timestamp float64 `json:"timestamp"`
}

// NewCommand returns a command stamped with the current time.
func NewCommand(vx, vy, vyaw float64) Command {
	return Command{Vx: vx, Vy: vy, Vyaw: vyaw, Timestamp: Now()}
}

// Stop returns a zero-velocity command stamped with the current time.
func Stop() Command {
	return NewCommand(0, 0, 0)
}

// IsZero reports whether all velocity components are zero.
func (c Command) IsZero() bool {
	return c.Vx == 0 && c.Vy == 0 && c.Vyaw == 0
}

// Clamp limits each axis to the symmetric bounds. A zero bound leaves the axis
// unconstrained.
func (c Command) Clamp(b Bounds) Command {
	c.Vx = clampAbs(c.Vx, b.Vx)
	c.Vy = clampAbs(c.Vy, b.Vy)
	c.Vyaw = clampAbs(c.Vyaw, b.Vyaw)
	return c
}

func (c Command) String() string {
	return fmt.Sprintf("vx=%+.2f vy=%+.2f vyaw=%+.2f", c.Vx, c.Vy, c.Vyaw)
}

// Bounds holds symmetric per-axis velocity limits.
type Bounds struct {
	Vx   float64 `yaml:"vx" json:"vx"`
	Vy   float64 `yaml:"vy" json:"vy"`
	Vyaw float64 `yaml:"vyaw" json:"vyaw"`
}

// DefaultBounds are safe limits for autonomous control of a Go2.
func DefaultBounds() Bounds {
	return Bounds{Vx: 0.5, Vy: 0.3, Vyaw: 0.8}
}

// Observation is a sensor snapshot published by the host. State is an opaque
// JSON object from the robot backend; FrontImage holds JPEG bytes and travels
// base64 encoded. Either may be nil.
type Observation struct {
	State      json.RawMessage `json:"state"`
	FrontImage []byte          `json:"front_image"`
	Timestamp  float64         `json:"timestamp"`
}

// MarshalObservation encodes an observation to its wire form.
func MarshalObservation(o Observation) ([]byte, error) {
	if len(o.State) == 0 {
		o.State = nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return data, nil
}

// UnmarshalObservation decodes an observation from its wire form. A JSON null
// state decodes to a nil State.
func UnmarshalObservation(data []byte) (Observation, error) {
	var o Observation
	if err := json.Unmarshal(data, &o); err != nil {
		return Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	if isNull(o.State) {
		o.State = nil
	}
	return o, nil
}

// BaseState is the state object published by the simulated backend.
type BaseState struct {
	Position [3]float64 `json:"position"`
	Yaw      float64    `json:"yaw"`
	Velocity [3]float64 `json:"velocity"`
	Mode     string     `json:"mode"`
}

// Now returns the current time as Unix seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func clampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
