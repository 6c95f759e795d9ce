// Package supervisor runs fire-and-forget background tasks with panic recovery.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Supervisor launches tasks on their own goroutines. Errors and panics are
// logged and counted; callers never wait on a task unless they call Wait.
type Supervisor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timeout time.Duration

	failures atomic.Int64
	panics   atomic.Int64
}

// New creates a supervisor whose tasks inherit parent's cancellation.
// A positive timeout bounds every task.
func New(parent context.Context, timeout time.Duration) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, timeout: timeout}
}

// Go starts a named task. It returns immediately.
func (s *Supervisor) Go(name string, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, task); err != nil {
			s.failures.Add(1)
			log.Error().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
}

func (s *Supervisor) run(name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error().
				Str("task", name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Background task panicked")
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := task(ctx); err != nil {
		return err
	}
	log.Debug().Str("task", name).Dur("duration", time.Since(start)).Msg("Background task finished")
	return nil
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels running tasks and waits for them, up to ctx's deadline.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the number of tasks that returned an error or panicked.
func (s *Supervisor) Failures() int64 {
	return s.failures.Load()
}

// Panics returns the number of tasks that panicked.
func (s *Supervisor) Panics() int64 {
	return s.panics.Load()
}
