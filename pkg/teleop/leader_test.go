package teleop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/robot"
)

func TestLeaderMapping_Command(t *testing.T) {
	m := DefaultLeaderMapping()

	tests := []struct {
		name         string
		positions    map[robot.MotorName]float64
		vx, vy, vyaw float64
	}{
		{"centered", map[robot.MotorName]float64{}, 0, 0, 0},
		{"inside dead zone", map[robot.MotorName]float64{robot.ShoulderLift: 9, robot.ShoulderPan: -10}, 0, 0, 0},
		{"full forward", map[robot.MotorName]float64{robot.ShoulderLift: 100}, 0.5, 0, 0},
		{"half back", map[robot.MotorName]float64{robot.ShoulderLift: -55}, -0.25, 0, 0},
		{"turn left", map[robot.MotorName]float64{robot.ShoulderPan: -100}, 0, 0, 0.8},
		{"strafe right", map[robot.MotorName]float64{robot.WristRoll: 100}, 0, -0.3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := m.Command(tt.positions)
			assert.InDelta(t, tt.vx, cmd.Vx, 1e-9)
			assert.InDelta(t, tt.vy, cmd.Vy, 1e-9)
			assert.InDelta(t, tt.vyaw, cmd.Vyaw, 1e-9)
		})
	}
}

type fakeReader struct {
	mu        sync.Mutex
	positions map[robot.MotorName]float64
	err       error
}

func (r *fakeReader) ReadPositions(ctx context.Context) (map[robot.MotorName]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions, r.err
}

func (r *fakeReader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type commandRecorder struct {
	mu   sync.Mutex
	last protocol.Command
	n    int
}

func (c *commandRecorder) Send(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = cmd
	c.n++
	return nil
}

func (c *commandRecorder) Last() (protocol.Command, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.n
}

func TestLeaderInput_ForwardsAndStopsOnReadError(t *testing.T) {
	reader := &fakeReader{positions: map[robot.MotorName]float64{robot.ShoulderLift: 100}}
	sink := &commandRecorder{}
	in := NewLeaderInput(reader, sink, DefaultLeaderMapping(), 200, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	require.Eventually(t, func() bool {
		cmd, _ := sink.Last()
		return cmd.Vx == 0.5
	}, time.Second, time.Millisecond)

	select {
	case cmd := <-in.Commands():
		assert.Equal(t, 0.5, cmd.Vx)
	case <-time.After(time.Second):
		t.Fatal("no command for display")
	}

	reader.fail(errors.New("bus timeout"))
	require.Eventually(t, func() bool {
		cmd, _ := sink.Last()
		return cmd.IsZero()
	}, time.Second, time.Millisecond)
}
