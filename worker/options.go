package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-gasrig/logger"
)

// Option is a functional option for configuring a Worker.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

type options struct {
	ctx         context.Context
	setup       Func
	delay       time.Duration
	runDuration time.Duration
	onError     func(error) bool
	logger      logger.Logger
}

// WithSetup registers a hook run once on the worker goroutine before the first iteration.
// A setup error stops the worker before any iteration runs.
func WithSetup(fn Func) Option {
	return optFunc(func(o *options) error {
		o.setup = fn
		return nil
	})
}

// WithDelay sets the sleep between two iterations. Must not be negative.
func WithDelay(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d < 0 {
			return fmt.Errorf("worker: negative delay %v", d)
		}
		o.delay = d

		return nil
	})
}

// WithRunDuration stops the worker by itself once d has elapsed since Start.
// Zero means run until stopped.
func WithRunDuration(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d < 0 {
			return fmt.Errorf("worker: negative run duration %v", d)
		}
		o.runDuration = d

		return nil
	})
}

// WithErrorHandler sets the handler called with every iteration error.
// The handler returns true to keep looping and false to stop the worker.
func WithErrorHandler(fn func(error) bool) Option {
	return optFunc(func(o *options) error {
		o.onError = fn
		return nil
	})
}

func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) error {
		if l != nil {
			o.logger = l
		}

		return nil
	})
}

// WithContext sets the context handed to setup and every iteration.
// The worker stops once it is done.
func WithContext(ctx context.Context) Option {
	return optFunc(func(o *options) error {
		if ctx == nil {
			return fmt.Errorf("worker: nil context")
		}
		o.ctx = ctx

		return nil
	})
}
