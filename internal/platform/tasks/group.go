// Package tasks runs fire-and-forget background work that the server waits
// for on shutdown.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Go after Shutdown has begun.
var ErrClosed = errors.New("tasks: group is shutting down")

// DefaultCancelGrace is how long Shutdown waits for cancelled tasks to return.
const DefaultCancelGrace = time.Second

// Group tracks background goroutines. Each task gets a context that is
// cancelled when the Shutdown deadline passes.
type Group struct {
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGroup creates a Group whose tasks log through logger.
func NewGroup(logger zerolog.Logger) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{logger: logger, ctx: ctx, cancel: cancel, grace: DefaultCancelGrace}
}

// Go starts fn in a new goroutine. Panics in fn are recovered and logged.
func (g *Group) Go(name string, fn func(ctx context.Context)) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Warn().Str("task", name).Msg("task rejected after shutdown")
		return ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				g.logger.Error().
					Str("task", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered in background task")
			}
		}()
		fn(g.ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones. If ctx ends
// first, running tasks are cancelled and given DefaultCancelGrace to return;
// ctx.Err() is returned either way. Tasks that ignore cancellation are left
// running.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		t := time.NewTimer(g.grace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			g.logger.Warn().Dur("grace", g.grace).Msg("background tasks still running after cancellation")
		}
		return ctx.Err()
	}
}
