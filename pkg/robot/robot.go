// Package robot provides the motion backends the host drives and the leader
// arm used as a teleoperation input device.
package robot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
)

// Robot is a legged base that accepts velocity commands and reports state.
// Move is called from a single goroutine; Observe may run concurrently with it.
type Robot interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Move(ctx context.Context, vx, vy, vyaw float64) error
	// Observe returns the current state and, when available, the latest
	// camera frame as JPEG. Timestamp is left for the caller to set.
	Observe(ctx context.Context) (protocol.Observation, error)
}

// StateNotifier is implemented by backends that push state updates. The
// channel receives a value whenever new state is available; sends never block.
type StateNotifier interface {
	StateUpdates() <-chan struct{}
}

// CommandError reports a motion command the hardware rejected or could not
// deliver.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("robot %s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Kind selects a backend.
type Kind string

const (
	KindGo2 Kind = "go2"
	KindSim Kind = "sim"
)

// Config selects and configures the backend.
type Config struct {
	Kind Kind      `yaml:"kind"`
	Go2  Go2Config `yaml:"go2"`
	Sim  SimConfig `yaml:"sim"`
}

// DefaultConfig returns a configuration for the simulated backend.
func DefaultConfig() Config {
	return Config{
		Kind: KindSim,
		Go2:  DefaultGo2Config(),
		Sim:  DefaultSimConfig(),
	}
}

// New builds the backend named by cfg.Kind. It does not initialize it.
func New(cfg Config, logger *slog.Logger) (Robot, error) {
	if logger == nil {
		logger = log.L()
	}
	switch cfg.Kind {
	case KindGo2:
		return NewGo2(cfg.Go2, logger), nil
	case KindSim, "":
		return NewSim(cfg.Sim, logger), nil
	default:
		return nil, fmt.Errorf("unknown robot kind %q (want %s or %s)", cfg.Kind, KindGo2, KindSim)
	}
}
