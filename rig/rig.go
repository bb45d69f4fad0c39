// Package rig drives the three subsystems of the gas-analysis rig: the flow
// controller that switches the gas path between cages and calibration gases,
// and the CO2 and O2 analyzers. All of them share one serial line.
//
// Every Start, Run and Stop returns a promise. Start and Stop are fixed
// sequences of exchanges, each gated on the previous one; the first failure
// rejects the promise and leaves the hardware where it stopped. Run launches
// a worker polling the subsystem until it is stopped.
package rig

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/promise"
	"github.com/arloliu/go-gasrig/status"
	"github.com/arloliu/go-gasrig/transport"
	"github.com/arloliu/go-gasrig/worker"
)

var (
	// ErrNoPort rejects every operation while no communication port is selected.
	ErrNoPort = errors.New("rig: no communication port configured")
	// ErrNotConverged is returned when cyclic sampling hits its read cap.
	ErrNotConverged = errors.New("rig: readings did not converge")
	ErrAlreadyRunning = errors.New("rig: subsystem already running")
	ErrNotReady       = errors.New("rig: analyzer not ready")
	ErrValveMismatch  = errors.New("rig: valve state mismatch")
	ErrNoRegister     = errors.New("rig: register not configured")
	ErrUnknownCage    = errors.New("rig: unknown cage")
	ErrNilTransport   = errors.New("rig: nil transport")
	ErrNilConfig      = errors.New("rig: nil config")
)

// Subsystem is one independently addressable unit of the rig.
type Subsystem interface {
	Name() string
	// Start brings the hardware into its operating state.
	Start() *promise.Promise[promise.Void]
	// Run launches the polling worker. It settles once the worker started.
	Run() *promise.Promise[promise.Void]
	// Stop halts the worker, waits for it to exit and tears the hardware down.
	Stop() *promise.Promise[promise.Void]
	Pause() error
	Resume() error
	// Worker returns the worker of the latest Run, or nil.
	Worker() *worker.Worker
}

// Rig bundles the collaborators shared by the subsystems.
type Rig struct {
	transport transport.Transport
	cfg       config.Config
	settings  *config.Settings
	status    *status.Reporter
	logger    logger.Logger
	ctx       context.Context
	session   Session

	flow *FlowController
	co2  *CO2Analyzer
	o2   *O2Analyzer
}

// New builds a rig talking through t and configured by cfg, which must have
// been validated and normalized.
func New(t transport.Transport, cfg *config.Config, opts ...Option) (*Rig, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	if cfg == nil {
		return nil, ErrNilConfig
	}

	o := options{ctx: context.Background(), logger: logger.GetLogger()}
	for _, opt := range opts {
		if err := opt.apply(&o); err != nil {
			return nil, err
		}
	}
	if o.settings == nil {
		o.settings = config.NewSettings(cfg)
	}
	if o.reporter == nil {
		o.reporter = status.NewReporter(status.LogSink(o.logger))
	}

	r := &Rig{
		transport: t,
		cfg:       *cfg,
		settings:  o.settings,
		status:    o.reporter,
		logger:    o.logger,
		ctx:       o.ctx,
	}

	var err error
	if r.flow, err = newFlowController(r, cfg.Flow); err != nil {
		return nil, err
	}

	co2, err := newAnalyzer(r, CO2, cfg.CO2)
	if err != nil {
		return nil, err
	}
	r.co2 = &CO2Analyzer{co2}

	o2, err := newAnalyzer(r, O2, cfg.O2)
	if err != nil {
		return nil, err
	}
	r.o2 = &O2Analyzer{o2}

	return r, nil
}

func (r *Rig) Flow() *FlowController { return r.flow }

func (r *Rig) CO2() *CO2Analyzer { return r.co2 }

func (r *Rig) O2() *O2Analyzer { return r.o2 }

// Subsystems returns the subsystems in start order.
func (r *Rig) Subsystems() []Subsystem {
	return []Subsystem{r.flow, r.co2, r.o2}
}

func (r *Rig) Session() *Session { return &r.session }

func (r *Rig) Settings() *config.Settings { return r.settings }

func (r *Rig) Status() *status.Reporter { return r.status }

func (r *Rig) Logger() logger.Logger { return r.logger }

func (r *Rig) Context() context.Context { return r.ctx }

// Port returns the selected communication port, or ErrNoPort.
func (r *Rig) Port() (string, error) {
	port := r.settings.String(config.KeyPort, "")
	if port == "" {
		return "", ErrNoPort
	}

	return port, nil
}

// RunAll starts and runs the flow controller, then the CO2 and the O2
// analyzer, as one chain.
func (r *Rig) RunAll() *promise.Promise[promise.Void] {
	r.status.Emit("Starting rig")

	return promise.Chain(
		r.flow.Start, r.flow.Run,
		r.co2.Start, r.co2.Run,
		r.o2.Start, r.o2.Run,
	)
}

// StopAll stops the analyzers, then the flow controller, as one chain.
func (r *Rig) StopAll() *promise.Promise[promise.Void] {
	r.status.Emit("Stopping rig")

	return promise.Chain(r.o2.Stop, r.co2.Stop, r.flow.Stop)
}

func (r *Rig) timeout() time.Duration {
	return time.Duration(r.cfg.Line.TimeoutMs) * time.Millisecond
}

// send performs one exchange with the configured request timeout.
func (r *Rig) send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if req.Timeout == 0 {
		req.Timeout = r.timeout()
	}

	return r.transport.Send(ctx, req)
}

func (r *Rig) exchange(req transport.Request) *promise.Promise[*transport.Response] {
	if req.Timeout == 0 {
		req.Timeout = r.timeout()
	}

	return transport.Exchange(r.ctx, r.transport, req)
}

func (r *Rig) writeCoil(port string, id uint8, addr uint16, on bool) *promise.Promise[promise.Void] {
	return promise.Map(r.exchange(transport.WriteCoil(port, id, addr, on)),
		func(*transport.Response) (promise.Void, error) { return promise.Void{}, nil })
}

// withPort rejects with ErrNoPort before fn issues any exchange.
func (r *Rig) withPort(fn func(port string) *promise.Promise[promise.Void]) *promise.Promise[promise.Void] {
	port, err := r.Port()
	if err != nil {
		return promise.Reject[promise.Void](err)
	}

	return fn(port)
}

// newWorker builds a subsystem worker timed by the settings under runKey and delayKey.
func (r *Rig) newWorker(name string, fn worker.Func, runKey, delayKey string) (*worker.Worker, error) {
	return worker.New(name, fn,
		worker.WithContext(r.ctx),
		worker.WithDelay(r.settings.Duration(delayKey, 0)),
		worker.WithRunDuration(r.settings.Duration(runKey, 0)),
		worker.WithErrorHandler(func(err error) bool { return r.iterationFailed(name, err) }),
		worker.WithLogger(r.logger),
	)
}

// iterationFailed reports a failed poll. Transport failures keep the loop
// polling; anything else stops it.
func (r *Rig) iterationFailed(name string, err error) bool {
	r.status.Emitf("%s error: %v", name, err)
	r.logger.Warn("poll failed", "subsystem", name, "error", err)

	var exc *transport.ExceptionError
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, transport.ErrCommunication), errors.As(err, &exc):
		return true
	default:
		return false
	}
}

// runner owns the worker of one subsystem.
type runner struct {
	mu sync.Mutex
	w  *worker.Worker
}

func (rn *runner) Worker() *worker.Worker {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	return rn.w
}

func (rn *runner) Pause() error {
	w := rn.Worker()
	if w == nil {
		return worker.ErrNotRunning
	}

	return w.Pause()
}

func (rn *runner) Resume() error {
	w := rn.Worker()
	if w == nil {
		return worker.ErrNotRunning
	}

	return w.Resume()
}

// launch starts w unless the previous worker is still alive.
func (rn *runner) launch(w *worker.Worker) error {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	if rn.w != nil {
		switch rn.w.State() {
		case worker.RunningState, worker.PausedState:
			return ErrAlreadyRunning
		}
	}
	if err := w.Start(); err != nil {
		return err
	}
	rn.w = w

	return nil
}

// halt stops the current worker. The returned promise settles once the
// worker goroutine exited, after any in-flight iteration.
func (rn *runner) halt() *promise.Promise[promise.Void] {
	w := rn.Worker()
	if w == nil {
		return promise.Resolve(promise.Void{})
	}

	w.Stop()

	return promise.Go(func() (promise.Void, error) {
		<-w.Done()
		return promise.Void{}, nil
	})
}

// reported emits the formatted message once p fulfilled.
func (r *Rig) reported(p *promise.Promise[promise.Void], format string, args ...any) *promise.Promise[promise.Void] {
	return promise.Map(p, func(v promise.Void) (promise.Void, error) {
		r.status.Emitf(format, args...)
		return v, nil
	})
}

// failed reports the rejection of p under the operation name op and returns p.
func (r *Rig) failed(op string, p *promise.Promise[promise.Void]) *promise.Promise[promise.Void] {
	return p.Catch(func(err error) {
		r.status.Emitf("%s failed: %v", op, err)
		r.logger.Error("operation failed", "op", op, "error", err)
	})
}
