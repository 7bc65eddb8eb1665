package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"escrowchain/core/types"
	"escrowchain/native/escrow"
	"escrowchain/observability/metrics"
)

// ErrExecutorStopped is returned for work submitted after shutdown began.
var ErrExecutorStopped = errors.New("escrowd: executor stopped")

// Executor funnels every engine access through one goroutine so operations
// apply in a single total order and never interleave.
type Executor struct {
	dispatcher *escrow.Dispatcher
	jobs       chan func()
	quit       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	startOnce  sync.Once
}

// NewExecutor returns an executor with a queue of the given depth.
func NewExecutor(dispatcher *escrow.Dispatcher, queue int) *Executor {
	if queue <= 0 {
		queue = 128
	}
	return &Executor{
		dispatcher: dispatcher,
		jobs:       make(chan func(), queue),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start launches the worker. It stops when ctx is cancelled or Stop is called.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.loop(ctx)
	})
}

func (e *Executor) loop(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-ctx.Done():
			e.drain()
			return
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case job := <-e.jobs:
			job()
		default:
			return
		}
	}
}

// Stop ends the worker after running the jobs already queued.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	<-e.stopped
}

// do runs fn on the worker and waits for it to finish.
func (e *Executor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrExecutorStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		// The job may have been queued after the final drain.
		select {
		case <-done:
			return nil
		default:
			return ErrExecutorStopped
		}
	}
}

// Execute applies a signed call.
func (e *Executor) Execute(ctx context.Context, call *types.Call) (*escrow.Receipt, error) {
	var (
		receipt *escrow.Receipt
		execErr error
	)
	callType := "unknown"
	if call != nil {
		callType = call.Type.String()
	}
	err := e.do(ctx, func() {
		start := time.Now()
		receipt, execErr = e.dispatcher.Execute(call)
		metrics.Escrow().ObserveCall(callType, errorKind(execErr), time.Since(start))
	})
	if err != nil {
		return nil, err
	}
	return receipt, execErr
}

// Read runs fn against the engine on the worker, so it never observes a
// half-applied call.
func (e *Executor) Read(ctx context.Context, fn func(*escrow.Engine) error) error {
	var readErr error
	if err := e.do(ctx, func() { readErr = fn(e.dispatcher.Engine()) }); err != nil {
		return err
	}
	return readErr
}
