// Package promise provides the continuation primitive used to sequence rig
// procedures.
//
// A Promise wraps one fallible unit of work. The work function receives a
// resolve and a reject callback; whichever is called first settles the
// promise and every later call is ignored. Continuations registered with
// Then, Map, Catch, Recover or Finally run inline on the goroutine that
// settles the promise, or immediately on the registering goroutine when the
// promise is already settled.
//
//	p := promise.Then(closeValve(), func(promise.Void) *promise.Promise[promise.Void] {
//	    return openValve()
//	})
//	p.Catch(func(err error) { report(err) })
//
// A rejection skips every success continuation down the chain and is handed to
// the nearest Catch or Recover. The primitive never times out on its own;
// timeouts come from the work itself, usually the transport.
package promise

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-gasrig/logger"
)

// State is the settlement state of a Promise.
type State uint32

const (
	Pending State = iota
	Fulfilled
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Fulfilled:
		return "Fulfilled"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Void is the value type of promises that only signal completion.
type Void = struct{}

var (
	// ErrNilPromise is the rejection reason when a continuation returns a nil promise.
	ErrNilPromise = errors.New("promise: continuation returned nil promise")
	// ErrNilReason replaces a nil error passed to reject.
	ErrNilReason = errors.New("promise: rejected without reason")
	// ErrPending is returned by Result while the promise is not settled.
	ErrPending = errors.New("promise: pending")
)

// PanicError is the rejection reason when work or a continuation panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("promise: panic: %v", e.Value)
}

// Promise is a single-assignment container for the eventual outcome of a unit of work.
type Promise[T any] struct {
	mu       sync.Mutex
	state    State
	value    T
	err      error
	handlers []func()
	done     chan struct{}

	// observed is set once anything subscribes to or reads the outcome.
	observed atomic.Bool
}

func newPending[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// New creates a pending promise and runs work inline with its settle callbacks.
//
// work may settle synchronously or hand the callbacks to another goroutine.
// A panic inside work rejects the promise with a *PanicError.
func New[T any](work func(resolve func(T), reject func(error))) *Promise[T] {
	p := newPending[T]()

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.reject(&PanicError{Value: r})
			}
		}()
		work(func(v T) { p.resolve(v) }, func(err error) { p.reject(err) })
	}()

	return p
}

// Resolve returns a promise already fulfilled with v.
func Resolve[T any](v T) *Promise[T] {
	p := newPending[T]()
	p.resolve(v)

	return p
}

// Reject returns a promise already rejected with err.
func Reject[T any](err error) *Promise[T] {
	p := newPending[T]()
	p.reject(err)

	return p
}

// Do runs fn inline and settles the returned promise with its outcome.
func Do[T any](fn func() (T, error)) *Promise[T] {
	return New(func(resolve func(T), reject func(error)) {
		v, err := fn()
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	})
}

// Go runs fn on a new goroutine and settles the returned promise with its outcome.
func Go[T any](fn func() (T, error)) *Promise[T] {
	p := newPending[T]()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.reject(&PanicError{Value: r})
			}
		}()

		v, err := fn()
		if err != nil {
			p.reject(err)
			return
		}
		p.resolve(v)
	}()

	return p
}

// State returns the current settlement state.
func (p *Promise[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Done returns a channel closed when the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled outcome, or ErrPending while the promise is pending.
func (p *Promise[T]) Result() (T, error) {
	p.observed.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Pending {
		var zero T
		return zero, ErrPending
	}

	return p.value, p.err
}

// Await blocks until the promise settles or ctx is done.
// Cancelling ctx only releases the waiter; the promise itself keeps running.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	p.observed.Store(true)

	select {
	case <-p.done:
		v, err := p.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Catch registers a failure continuation and returns p.
//
// onRejected runs exactly once if p rejects and never if it fulfills.
func (p *Promise[T]) Catch(onRejected func(error)) *Promise[T] {
	p.subscribe(func() {
		if _, err := p.Result(); err != nil {
			onRejected(err)
		}
	})

	return p
}

// Finally registers fn to run after p settles either way and returns p.
func (p *Promise[T]) Finally(fn func()) *Promise[T] {
	p.subscribe(fn)

	return p
}

// Then registers a success continuation returning the next unit of work.
//
// The returned promise settles with the promise produced by onFulfilled.
// When p rejects, onFulfilled is skipped and the rejection propagates.
func Then[T, U any](p *Promise[T], onFulfilled func(T) *Promise[U]) *Promise[U] {
	next := newPending[U]()

	p.subscribe(func() {
		v, err := p.Result()
		if err != nil {
			next.reject(err)
			return
		}

		inner, perr := callContinuation(func() *Promise[U] { return onFulfilled(v) })
		if perr != nil {
			next.reject(perr)
			return
		}
		next.follow(inner)
	})

	return next
}

// Map registers a synchronous success step.
func Map[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	return Then(p, func(v T) *Promise[U] {
		return Do(func() (U, error) { return fn(v) })
	})
}

// Recover registers a failure continuation producing a replacement outcome.
//
// On fulfilment the value passes through untouched.
func Recover[T any](p *Promise[T], onRejected func(error) *Promise[T]) *Promise[T] {
	next := newPending[T]()

	p.subscribe(func() {
		v, err := p.Result()
		if err == nil {
			next.resolve(v)
			return
		}

		inner, perr := callContinuation(func() *Promise[T] { return onRejected(err) })
		if perr != nil {
			next.reject(perr)
			return
		}
		next.follow(inner)
	})

	return next
}

// Chain runs steps strictly one after another, each only after the previous
// one fulfilled. The first rejection ends the chain.
func Chain(steps ...func() *Promise[Void]) *Promise[Void] {
	p := Resolve(Void{})
	for _, step := range steps {
		p = Then(p, func(Void) *Promise[Void] { return step() })
	}

	return p
}

// follow settles p with the outcome of src.
func (p *Promise[T]) follow(src *Promise[T]) {
	src.subscribe(func() {
		v, err := src.Result()
		if err != nil {
			p.reject(err)
			return
		}
		p.resolve(v)
	})
}

func (p *Promise[T]) resolve(v T) bool {
	return p.settle(Fulfilled, v, nil)
}

func (p *Promise[T]) reject(err error) bool {
	if err == nil {
		err = ErrNilReason
	}

	var zero T
	return p.settle(Rejected, zero, err)
}

func (p *Promise[T]) settle(state State, v T, err error) bool {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return false
	}

	p.state = state
	p.value = v
	p.err = err
	handlers := p.handlers
	p.handlers = nil
	close(p.done)
	p.mu.Unlock()

	if state == Rejected && len(handlers) == 0 && !p.observed.Load() {
		trackUnobserved(p)
	}

	for _, h := range handlers {
		h()
	}

	return true
}

// subscribe runs h after settlement, immediately if already settled.
func (p *Promise[T]) subscribe(h func()) {
	p.observed.Store(true)

	p.mu.Lock()
	if p.state == Pending {
		p.handlers = append(p.handlers, h)
		p.mu.Unlock()

		return
	}
	p.mu.Unlock()

	h()
}

func callContinuation[U any](fn func() *Promise[U]) (inner *Promise[U], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	inner = fn()
	if inner == nil {
		return nil, ErrNilPromise
	}

	return inner, nil
}

var unhandledHandler atomic.Pointer[func(error)]

func init() {
	OnUnhandledRejection(func(err error) {
		logger.Error("promise: rejection was never observed", "error", err)
	})
}

// OnUnhandledRejection installs fn to receive the reason of every rejected
// promise that is garbage-collected without anything having observed it.
// Passing nil removes the handler.
func OnUnhandledRejection(fn func(error)) {
	if fn == nil {
		unhandledHandler.Store(nil)
		return
	}
	unhandledHandler.Store(&fn)
}

func trackUnobserved[T any](p *Promise[T]) {
	if unhandledHandler.Load() == nil {
		return
	}

	runtime.SetFinalizer(p, func(p *Promise[T]) {
		if p.observed.Load() {
			return
		}
		if fn := unhandledHandler.Load(); fn != nil {
			(*fn)(p.err)
		}
	})
}
