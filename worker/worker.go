// Package worker runs a repeated unit of work on a dedicated goroutine that
// can be paused, resumed and stopped from the outside.
//
// Control calls flip an atomic state word and post a command on a buffered
// channel; the worker goroutine is the only consumer of that channel and
// re-reads the state word on every wake-up. Stop is cooperative: an iteration
// that is already running always completes before the goroutine exits.
// Pause is synchronous with respect to iterations: once it returns, no
// iteration is running and none starts until Resume.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-gasrig/internal/pool"
	"github.com/arloliu/go-gasrig/logger"
)

// Func is one iteration of a worker loop.
type Func func(ctx context.Context) error

var (
	ErrNilFunc        = errors.New("worker: nil iteration function")
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrStopped        = errors.New("worker: stopped")
	ErrNotRunning     = errors.New("worker: not running")
	ErrNotPaused      = errors.New("worker: not paused")
)

// PanicError is recorded when an iteration or the setup hook panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: panic: %v", e.Value)
}

type command uint8

const (
	cmdPause command = iota + 1
	cmdResume
	cmdStop
)

func (c command) String() string {
	switch c {
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdStop:
		return "stop"
	default:
		return "unknown"
	}
}

const commandQueueSize = 8

// Worker repeatedly calls its Func until stopped.
type Worker struct {
	name    string
	fn      Func
	opts    options
	logger  logger.Logger
	state   atomicState
	cmds    chan command
	done    chan struct{}
	once    sync.Once
	metrics Metrics

	// runMu is held by the loop from the Running check through the end of
	// an iteration, and by Pause across the Running to Paused transition.
	runMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// New creates a worker in the Created state. Nothing runs until Start.
func New(name string, fn Func, opts ...Option) (*Worker, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}

	o := options{ctx: context.Background(), logger: logger.GetLogger()}
	for _, opt := range opts {
		if err := opt.apply(&o); err != nil {
			return nil, err
		}
	}

	return &Worker{
		name:   name,
		fn:     fn,
		opts:   o,
		logger: o.logger.With("worker", name),
		cmds:   make(chan command, commandQueueSize),
		done:   make(chan struct{}),
	}, nil
}

func (w *Worker) Name() string {
	return w.name
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state.Get()
}

// Metrics returns the worker's counters.
func (w *Worker) Metrics() *Metrics {
	return &w.metrics
}

// Start launches the worker goroutine.
//
// It returns ErrAlreadyStarted when the worker is running or paused and
// ErrStopped once it has been stopped.
func (w *Worker) Start() error {
	if !w.state.toRunning() {
		if w.state.Get() == StoppedState {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	w.logger.Debug("worker started")
	go w.loop()

	return nil
}

// Pause keeps the worker from starting new iterations until Resume.
// An iteration already in progress runs to completion and Pause returns
// after it. Pause must not be called from the worker's own Func.
func (w *Worker) Pause() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if !w.state.toPaused() {
		return w.transitionErr(ErrNotRunning)
	}
	w.post(cmdPause)

	return nil
}

// Resume continues a paused worker.
func (w *Worker) Resume() error {
	if !w.state.toResumed() {
		return w.transitionErr(ErrNotPaused)
	}
	w.post(cmdResume)

	return nil
}

// Stop ends the worker. It wakes a paused or sleeping loop and returns
// without waiting; use Done or Wait to observe the exit. Stopping a worker
// that never started releases it immediately. Calling Stop more than once is safe.
func (w *Worker) Stop() {
	prev, ok := w.state.toStopped()
	if !ok {
		return
	}

	if prev == CreatedState {
		w.finish()
		return
	}
	w.post(cmdStop)
}

// Done returns a channel closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker exits or ctx is done, and returns Err in the first case.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that stopped the worker, if any.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()

	return w.err
}

func (w *Worker) transitionErr(def error) error {
	if w.state.Get() == StoppedState {
		return ErrStopped
	}

	return def
}

// post wakes the loop. A full queue already holds a pending wake-up, so the
// command can be dropped: the loop always re-reads the state word.
func (w *Worker) post(cmd command) {
	select {
	case w.cmds <- cmd:
	default:
		w.logger.Debug("worker command queue full", "command", cmd.String())
	}
}

func (w *Worker) finish() {
	w.once.Do(func() { close(w.done) })
}

func (w *Worker) setErr(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
}

func (w *Worker) loop() {
	defer w.finish()
	defer func() { _, _ = w.state.toStopped() }()

	ctx := w.opts.ctx

	var deadline <-chan time.Time
	if w.opts.runDuration > 0 {
		t := pool.GetTimer(w.opts.runDuration)
		defer pool.PutTimer(t)
		deadline = t.C
	}

	if w.opts.setup != nil {
		if err := w.call(ctx, w.opts.setup); err != nil {
			w.logger.Error("worker setup failed", "error", err)
			w.setErr(err)

			return
		}
	}

	for {
		switch w.state.Get() {
		case StoppedState:
			w.logger.Debug("worker stopped")
			return
		case PausedState:
			if !w.wait(ctx, deadline, nil) {
				return
			}
			continue
		}

		select {
		case cmd := <-w.cmds:
			w.logger.Debug("worker command", "command", cmd.String())
			continue
		case <-ctx.Done():
			w.logger.Debug("worker context done", "error", ctx.Err())
			return
		case <-deadline:
			w.logger.Debug("worker run duration elapsed")
			return
		default:
		}

		w.runMu.Lock()
		if w.state.Get() != RunningState {
			w.runMu.Unlock()
			continue
		}
		ok := w.iterate(ctx)
		w.runMu.Unlock()
		if !ok {
			return
		}

		if w.opts.delay > 0 && w.state.Get() == RunningState {
			t := pool.GetTimer(w.opts.delay)
			ok := w.wait(ctx, deadline, t.C)
			pool.PutTimer(t)
			if !ok {
				return
			}
		}
	}
}

// wait blocks until a command, the timer, the deadline or ctx fires.
// It returns false when the loop has to exit.
func (w *Worker) wait(ctx context.Context, deadline <-chan time.Time, timer <-chan time.Time) bool {
	select {
	case cmd := <-w.cmds:
		w.logger.Debug("worker command", "command", cmd.String())
		return true
	case <-timer:
		return true
	case <-ctx.Done():
		w.logger.Debug("worker context done", "error", ctx.Err())
		return false
	case <-deadline:
		w.logger.Debug("worker run duration elapsed")
		return false
	}
}

// iterate runs one iteration and reports whether the loop continues.
func (w *Worker) iterate(ctx context.Context) bool {
	err := w.call(ctx, w.fn)
	w.metrics.Iterations.Add(1)
	if err == nil {
		return true
	}

	w.metrics.Failures.Add(1)
	if w.opts.onError != nil && w.opts.onError(err) {
		return true
	}

	w.logger.Error("worker iteration failed", "error", err)
	w.setErr(err)

	return false
}

func (w *Worker) call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	return fn(ctx)
}
