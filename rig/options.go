package rig

import (
	"context"
	"errors"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/status"
)

// Option configures a Rig.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

type options struct {
	settings *config.Settings
	reporter *status.Reporter
	logger   logger.Logger
	ctx      context.Context
}

// WithSettings makes the rig read its runtime settings from s instead of a
// fresh set seeded from the configuration.
func WithSettings(s *config.Settings) Option {
	return optFunc(func(o *options) error {
		if s == nil {
			return errors.New("rig: nil settings")
		}
		o.settings = s

		return nil
	})
}

// WithReporter sets the status reporter every procedure reports progress to.
func WithReporter(r *status.Reporter) Option {
	return optFunc(func(o *options) error {
		o.reporter = r
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

// WithContext sets the context every exchange and worker of the rig runs
// under. Cancelling it aborts pending exchanges and stops the run loops.
func WithContext(ctx context.Context) Option {
	return optFunc(func(o *options) error {
		if ctx == nil {
			return errors.New("rig: nil context")
		}
		o.ctx = ctx

		return nil
	})
}
