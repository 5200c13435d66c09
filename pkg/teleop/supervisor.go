package teleop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs a set of named long-lived tasks under one cancellation
// scope. A task returning an error cancels the others.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	log    *slog.Logger

	mu      sync.Mutex
	running map[string]int
}

// NewSupervisor creates a supervisor whose tasks stop when parent is done or
// Stop is called.
func NewSupervisor(parent context.Context, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		log:     logger,
		running: make(map[string]int),
	}
}

// Context returns the context handed to tasks.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go starts fn as a task. fn must return when its context is done.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.running[name]++
	s.mu.Unlock()

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			if s.running[name]--; s.running[name] <= 0 {
				delete(s.running, name)
			}
			s.mu.Unlock()
		}()

		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("task failed", "task", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Wait blocks until every task has returned and reports the first failure.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Stop cancels all tasks and waits up to timeout for them to return. Tasks
// still running afterwards are abandoned and named in the returned error.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		stuck := s.Running()
		s.log.Warn("abandoning tasks", "tasks", stuck, "timeout", timeout)
		return fmt.Errorf("tasks still running after %s: %v", timeout, stuck)
	}
}

// Running returns the names of tasks that have not returned yet.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
