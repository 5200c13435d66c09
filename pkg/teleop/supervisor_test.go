package teleop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/legbot/internal/log"
)

func TestSupervisor_StopJoinsTasks(t *testing.T) {
	sup := NewSupervisor(context.Background(), log.Discard())
	sup.Go("a", func(ctx context.Context) error { <-ctx.Done(); return nil })
	sup.Go("b", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })

	require.Eventually(t, func() bool { return len(sup.Running()) == 2 }, time.Second, time.Millisecond)
	assert.NoError(t, sup.Stop(time.Second))
	assert.Empty(t, sup.Running())
}

func TestSupervisor_FailureCancelsOthers(t *testing.T) {
	sup := NewSupervisor(context.Background(), log.Discard())
	boom := errors.New("boom")

	sup.Go("waiter", func(ctx context.Context) error { <-ctx.Done(); return nil })
	sup.Go("failer", func(ctx context.Context) error { return boom })

	err := sup.Wait()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failer")
}

func TestSupervisor_StopAbandonsStuckTask(t *testing.T) {
	sup := NewSupervisor(context.Background(), log.Discard())
	release := make(chan struct{})
	defer close(release)

	sup.Go("stuck", func(ctx context.Context) error { <-release; return nil })

	start := time.Now()
	err := sup.Stop(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.Less(t, time.Since(start), time.Second)
}
