package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/taproom/internal/protocol"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task is a unit of work run on the pool.
type Task func(ctx context.Context) (protocol.Outcome, error)

// Handle delivers exactly one Result when its task finishes.
type Handle = <-chan protocol.Result

// Pool runs at most size tasks at a time. Submit never blocks; excess tasks
// wait for a slot.
type Pool struct {
	name     string
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	inFlight atomic.Int64
	logger   *slog.Logger
}

// NewPool creates a pool with size workers.
func NewPool(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		sem:    make(chan struct{}, size),
		logger: logger.With("component", "pool", "pool", name),
	}
}

// InFlight returns the number of submitted tasks that have not finished.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Submit schedules task and returns its completion handle.
func (p *Pool) Submit(ctx context.Context, task Task) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.Unlock()

	done := make(chan protocol.Result, 1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)

		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		done <- p.run(ctx, task)
	}()
	return done, nil
}

func (p *Pool) run(ctx context.Context, task Task) (res protocol.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = protocol.Result{Err: protocol.Fatal(&protocol.PanicError{Value: r, Stack: debug.Stack()})}
		}
	}()
	out, err := task(ctx)
	return protocol.Result{Outcome: out, Err: err}
}

// Shutdown stops accepting tasks and waits for in-flight ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
