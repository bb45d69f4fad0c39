// Package calibration runs the zero-point and span procedures of the rig's
// analyzers.
//
// Both procedures switch the gas path to a reference gas, sample until the
// readings settle, record the reference values and switch back to the
// sample gas. Each invocation keeps its readings in its own state, so
// procedures never see each other's values.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/go-gasrig/journal"
	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/promise"
	"github.com/arloliu/go-gasrig/rig"
)

// ErrNoPort rejects a procedure started while no communication port is selected.
var ErrNoPort = rig.ErrNoPort

// ErrNilRig is returned by New without a rig.
var ErrNilRig = errors.New("calibration: nil rig")

// Kind names a calibration procedure.
type Kind string

const (
	Zero Kind = "zero"
	Span Kind = "span"
)

// ParseKind maps a procedure name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case Zero, Span:
		return Kind(name), nil
	default:
		return "", fmt.Errorf("calibration: unknown procedure %q", name)
	}
}

// Result is the outcome of one completed procedure.
type Result struct {
	RunID      string
	Kind       Kind
	StartedAt  time.Time
	FinishedAt time.Time
	// CO2Zero, O2Zero and O2Span are set by the procedures that measure them.
	CO2Zero *float64
	O2Zero  *float64
	O2Span  *float64
	// Reads counts the sensor reads taken while sampling.
	Reads int
}

// Calibrator runs calibration procedures on a rig.
type Calibrator struct {
	rig     *rig.Rig
	journal *journal.Store
	restore bool
	logger  logger.Logger
	now     func() time.Time
}

func New(r *rig.Rig, opts ...Option) (*Calibrator, error) {
	if r == nil {
		return nil, ErrNilRig
	}

	o := options{restore: true, logger: r.Logger()}
	for _, opt := range opts {
		opt.apply(&o)
	}

	return &Calibrator{
		rig:     r,
		journal: o.journal,
		restore: o.restore,
		logger:  o.logger.With("component", "calibration"),
		now:     time.Now,
	}, nil
}

// Run starts the procedure named by kind.
func (c *Calibrator) Run(ctx context.Context, kind Kind) *promise.Promise[Result] {
	switch kind {
	case Zero:
		return c.ZeroPoint(ctx)
	case Span:
		return c.Span(ctx)
	default:
		return promise.Reject[Result](fmt.Errorf("calibration: unknown procedure %q", kind))
	}
}

// ZeroPoint closes the sample valve, opens the zero gas, samples CO2 and O2
// until both settle, latches the CO2 zero, records the O2 zero and switches
// back to the sample gas.
//
// ctx bounds the sampling; valve switching runs under the rig context.
func (c *Calibrator) ZeroPoint(ctx context.Context) *promise.Promise[Result] {
	if _, err := c.rig.Port(); err != nil {
		return promise.Reject[Result](err)
	}
	if !c.rig.CO2().HasZeroRegister() {
		return promise.Reject[Result](fmt.Errorf("%w: CO2 zero", rig.ErrNoRegister))
	}

	st := c.begin(ctx, Zero)
	flow := c.rig.Flow()

	steps := promise.Chain(
		func() *promise.Promise[promise.Void] { return flow.CloseValve(rig.SampleValve) },
		func() *promise.Promise[promise.Void] { return flow.OpenValve(rig.ZeroGasValve) },
		st.samplePair,
		c.rig.CO2().WriteZero,
		st.recordOxygenZero,
		func() *promise.Promise[promise.Void] { return flow.CloseValve(rig.ZeroGasValve) },
		func() *promise.Promise[promise.Void] { return flow.OpenValve(rig.SampleValve) },
	)

	return c.finish(st, steps, rig.ZeroGasValve)
}

// Span closes the sample valve, opens the span gas, samples O2 until it
// settles, records the O2 span and switches back to the sample gas. The span
// is written to the analyzer when it has a span register.
//
// ctx bounds the sampling; valve switching runs under the rig context.
func (c *Calibrator) Span(ctx context.Context) *promise.Promise[Result] {
	if _, err := c.rig.Port(); err != nil {
		return promise.Reject[Result](err)
	}

	st := c.begin(ctx, Span)
	flow := c.rig.Flow()

	steps := promise.Chain(
		func() *promise.Promise[promise.Void] { return flow.CloseValve(rig.SampleValve) },
		func() *promise.Promise[promise.Void] { return flow.OpenValve(rig.SpanGasValve) },
		st.recordOxygenSpan,
		func() *promise.Promise[promise.Void] { return flow.CloseValve(rig.SpanGasValve) },
		func() *promise.Promise[promise.Void] { return flow.OpenValve(rig.SampleValve) },
	)

	return c.finish(st, steps, rig.SpanGasValve)
}

func (c *Calibrator) begin(ctx context.Context, kind Kind) *state {
	st := &state{
		c:   c,
		ctx: ctx,
		res: Result{RunID: uuid.NewString(), Kind: kind, StartedAt: c.now()},
	}
	c.rig.Status().Emitf("%s calibration started (run %s)", title(kind), st.res.RunID)
	c.logger.Info("calibration started", "kind", string(kind), "run_id", st.res.RunID)

	return st
}

// finish restores the gas path after a failure, then persists and reports the run.
func (c *Calibrator) finish(st *state, steps *promise.Promise[promise.Void], gas rig.Valve) *promise.Promise[Result] {
	if c.restore {
		steps = promise.Recover(steps, func(err error) *promise.Promise[promise.Void] {
			return c.restoreGasPath(gas, err)
		})
	}

	done := promise.Map(steps, func(promise.Void) (Result, error) {
		st.res.FinishedAt = c.now()
		c.save(st, nil)
		c.rig.Status().Emitf("%s calibration finished", title(st.res.Kind))
		c.logger.Info("calibration finished", "kind", string(st.res.Kind), "run_id", st.res.RunID, "reads", st.res.Reads)

		return st.res, nil
	})

	return promise.Recover(done, func(err error) *promise.Promise[Result] {
		st.res.FinishedAt = c.now()
		c.save(st, err)
		c.rig.Status().Emitf("%s calibration failed: %v", title(st.res.Kind), err)
		c.logger.Error("calibration failed", "kind", string(st.res.Kind), "run_id", st.res.RunID, "error", err)

		return promise.Reject[Result](err)
	})
}

// restoreGasPath closes the calibration gas valve and reopens the sample
// valve, attempting both. The returned promise rejects with cause joined
// with any restore failure.
func (c *Calibrator) restoreGasPath(gas rig.Valve, cause error) *promise.Promise[promise.Void] {
	flow := c.rig.Flow()
	errs := []error{cause}

	swallow := func(what string) func(error) *promise.Promise[promise.Void] {
		return func(err error) *promise.Promise[promise.Void] {
			errs = append(errs, fmt.Errorf("calibration: restore: %s: %w", what, err))
			return promise.Resolve(promise.Void{})
		}
	}

	c.rig.Status().Emit("Restoring gas path")
	closed := promise.Recover(flow.CloseValve(gas), swallow("close "+gas.String()+" valve"))
	reopened := promise.Then(closed, func(promise.Void) *promise.Promise[promise.Void] {
		return promise.Recover(flow.OpenValve(rig.SampleValve), swallow("open sample valve"))
	})

	return promise.Then(reopened, func(promise.Void) *promise.Promise[promise.Void] {
		return promise.Reject[promise.Void](errors.Join(errs...))
	})
}

func (c *Calibrator) save(st *state, runErr error) {
	if c.journal == nil {
		return
	}

	rec := journal.Calibration{
		RunID:      st.res.RunID,
		Kind:       string(st.res.Kind),
		StartedAt:  st.res.StartedAt,
		FinishedAt: st.res.FinishedAt,
		CO2Zero:    st.res.CO2Zero,
		O2Zero:     st.res.O2Zero,
		O2Span:     st.res.O2Span,
		Reads:      st.res.Reads,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	if err := c.journal.SaveCalibration(context.WithoutCancel(st.ctx), rec); err != nil {
		c.logger.Error("failed to save calibration", "run_id", st.res.RunID, "error", err)
	}
}

func title(k Kind) string {
	switch k {
	case Zero:
		return "Zero"
	case Span:
		return "Span"
	default:
		return string(k)
	}
}
