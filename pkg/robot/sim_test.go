package robot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/vision"
)

func newTestSim(t *testing.T, mod func(*SimConfig)) *Sim {
	t.Helper()
	cfg := DefaultSimConfig()
	cfg.PhysicsHz = 100
	// Small frames keep rendering cheap under the race detector.
	cfg.CameraWidth, cfg.CameraHeight = 64, 48
	if mod != nil {
		mod(&cfg)
	}
	s := NewSim(cfg, log.Discard())
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestSim_MoveBeforeInitialize(t *testing.T) {
	s := NewSim(DefaultSimConfig(), log.Discard())
	err := s.Move(context.Background(), 0.1, 0, 0)

	var cmdErr *CommandError
	assert.True(t, errors.As(err, &cmdErr))
}

func TestSim_DrivesForward(t *testing.T) {
	s := newTestSim(t, nil)

	require.Eventually(t, func() bool {
		s.Move(context.Background(), 0.5, 0, 0)
		x, y, _ := s.Pose()
		return x > 0.05 && y < 0.01 && y > -0.01
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSim_StopsWithoutCommands(t *testing.T) {
	s := newTestSim(t, func(c *SimConfig) { c.CommandTimeout = 50 * time.Millisecond })
	require.NoError(t, s.Move(context.Background(), 0, 0, 0.8))

	time.Sleep(600 * time.Millisecond)
	_, _, yaw1 := s.Pose()
	time.Sleep(300 * time.Millisecond)
	_, _, yaw2 := s.Pose()
	assert.InDelta(t, yaw1, yaw2, 0.01)
}

func TestSim_DropRateDiscardsCommands(t *testing.T) {
	s := newTestSim(t, func(c *SimConfig) { c.DropRate = 1 })
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Move(context.Background(), 0.5, 0, 0))
	}
	assert.Equal(t, uint64(10), s.Dropped())
}

func TestSim_ObserveAndNotify(t *testing.T) {
	s := newTestSim(t, nil)

	select {
	case <-s.StateUpdates():
	case <-time.After(time.Second):
		t.Fatal("no state update")
	}

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, obs.FrontImage)

	var st protocol.BaseState
	require.NoError(t, json.Unmarshal(obs.State, &st))
	assert.Equal(t, "stand", st.Mode)
}

func TestProjectTarget(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Target = SimTarget{Color: "red", X: 2, Y: 0, Size: 0.5}

	r, ok := projectTarget(cfg, 0, 0, 0)
	require.True(t, ok)
	assert.InDelta(t, cfg.CameraWidth/2, (r.Min.X+r.Max.X)/2, 1)

	cfg.Target.Y = 0.5
	left, ok := projectTarget(cfg, 0, 0, 0)
	require.True(t, ok)
	assert.Less(t, left.Min.X, r.Min.X, "target to the left should move left in the image")

	_, ok = projectTarget(cfg, 0, 0, 3.14)
	assert.False(t, ok, "target behind the robot should not be visible")
}

func TestRenderView_DetectableTarget(t *testing.T) {
	cfg := DefaultSimConfig()
	data, err := renderView(cfg, 0, 0, 0)
	require.NoError(t, err)

	frame, err := vision.DecodeFrame(data)
	require.NoError(t, err)

	det, ok, err := vision.NewColorDetector().Detect(context.Background(), *frame, cfg.Target.Color)
	require.NoError(t, err)
	require.True(t, ok)

	want, _ := projectTarget(cfg, 0, 0, 0)
	c := det.Box.Center()
	assert.InDelta(t, float64(want.Min.X+want.Max.X)/2, c.X, 6)
	assert.InDelta(t, float64(want.Min.Y+want.Max.Y)/2, c.Y, 6)
}

func TestNew_SelectsBackend(t *testing.T) {
	r, err := New(Config{Kind: KindSim, Sim: DefaultSimConfig()}, log.Discard())
	require.NoError(t, err)
	assert.IsType(t, &Sim{}, r)

	r, err = New(Config{Kind: KindGo2, Go2: DefaultGo2Config()}, log.Discard())
	require.NoError(t, err)
	assert.IsType(t, &Go2{}, r)

	_, err = New(Config{Kind: "spot"}, log.Discard())
	assert.Error(t, err)
}
