package calibration

import (
	"github.com/arloliu/go-gasrig/journal"
	"github.com/arloliu/go-gasrig/logger"
)

// Option configures a Calibrator.
type Option interface {
	apply(*options)
}

type optFunc func(*options)

func (f optFunc) apply(o *options) { f(o) }

type options struct {
	journal *journal.Store
	restore bool
	logger  logger.Logger
}

// WithJournal persists every finished or failed run in s.
func WithJournal(s *journal.Store) Option {
	return optFunc(func(o *options) { o.journal = s })
}

// WithoutRestore leaves the gas path as it is when a procedure fails
// midway, instead of closing the calibration gas and reopening the sample valve.
func WithoutRestore() Option {
	return optFunc(func(o *options) { o.restore = false })
}

func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) {
		if l != nil {
			o.logger = l
		}
	})
}
