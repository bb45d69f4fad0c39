package rig

import (
	"context"
	"fmt"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/promise"
	"github.com/arloliu/go-gasrig/transport"
)

// Valve is one of the fixed valves of the gas path.
type Valve uint8

const (
	ZeroGasValve Valve = iota + 1
	SpanGasValve
	SampleValve
)

func (v Valve) String() string {
	switch v {
	case ZeroGasValve:
		return "zero gas"
	case SpanGasValve:
		return "span gas"
	case SampleValve:
		return "sample"
	default:
		return "unknown"
	}
}

type cage struct {
	number int
	coil   uint16
}

type valveState struct {
	name string
	coil uint16
	open bool
}

// FlowController switches the gas path and rotates through the selected cages.
type FlowController struct {
	runner

	rig   *Rig
	id    uint8
	coils map[Valve]uint16
	cages map[int]uint16
	flow  register
}

var _ Subsystem = (*FlowController)(nil)

func newFlowController(r *Rig, cfg config.FlowConfig) (*FlowController, error) {
	flow, err := newRegister(cfg.DeviceID, "flow", cfg.FlowRegister)
	if err != nil {
		return nil, err
	}

	f := &FlowController{
		rig: r,
		id:  cfg.DeviceID,
		coils: map[Valve]uint16{
			ZeroGasValve: cfg.ZeroCoil,
			SpanGasValve: cfg.SpanCoil,
			SampleValve:  cfg.SampleCoil,
		},
		cages: make(map[int]uint16, len(cfg.Cages)),
		flow:  flow,
	}
	for _, c := range cfg.Cages {
		f.cages[c.Number] = c.Coil
	}

	return f, nil
}

func (f *FlowController) Name() string { return "flow" }

// Start closes the zero and span gas valves, opens the sample valve and the
// first selected cage, then reads the coils back to confirm the valve states.
func (f *FlowController) Start() *promise.Promise[promise.Void] {
	return f.rig.failed("Flow controller start", f.rig.withPort(func(port string) *promise.Promise[promise.Void] {
		cages, err := f.selected()
		if err != nil {
			return promise.Reject[promise.Void](err)
		}
		f.rig.session.setCageIndex(0)

		steps := []func() *promise.Promise[promise.Void]{
			func() *promise.Promise[promise.Void] { return f.setValve(port, ZeroGasValve, false) },
			func() *promise.Promise[promise.Void] { return f.setValve(port, SpanGasValve, false) },
			func() *promise.Promise[promise.Void] { return f.setValve(port, SampleValve, true) },
		}
		expect := []valveState{
			{name: ZeroGasValve.String(), coil: f.coils[ZeroGasValve]},
			{name: SpanGasValve.String(), coil: f.coils[SpanGasValve]},
			{name: SampleValve.String(), coil: f.coils[SampleValve], open: true},
		}
		if len(cages) > 0 {
			first := cages[0]
			steps = append(steps, func() *promise.Promise[promise.Void] { return f.setCage(port, first, true) })
			expect = append(expect, valveState{name: fmt.Sprintf("cage %d", first.number), coil: first.coil, open: true})
		}
		steps = append(steps, func() *promise.Promise[promise.Void] { return f.confirm(port, expect) })

		return f.rig.reported(promise.Chain(steps...), "Flow controller started")
	}))
}

// Run launches the flow polling worker.
func (f *FlowController) Run() *promise.Promise[promise.Void] {
	return f.rig.failed("Flow controller run", f.rig.withPort(func(string) *promise.Promise[promise.Void] {
		w, err := f.rig.newWorker(f.Name(), f.poll, config.KeyFlowRunDuration, config.KeyFlowPollDelay)
		if err != nil {
			return promise.Reject[promise.Void](err)
		}
		if err := f.launch(w); err != nil {
			return promise.Reject[promise.Void](err)
		}
		f.rig.status.Emit("Flow controller running")

		return promise.Resolve(promise.Void{})
	}))
}

// Stop halts the worker, closes every selected cage valve in list order and
// closes the sample valve.
func (f *FlowController) Stop() *promise.Promise[promise.Void] {
	teardown := func(port string) *promise.Promise[promise.Void] {
		cages, err := f.selected()
		if err != nil {
			return promise.Reject[promise.Void](err)
		}

		steps := make([]func() *promise.Promise[promise.Void], 0, len(cages)+1)
		for _, c := range cages {
			steps = append(steps, func() *promise.Promise[promise.Void] { return f.setCage(port, c, false) })
		}
		steps = append(steps, func() *promise.Promise[promise.Void] { return f.setValve(port, SampleValve, false) })

		return f.rig.reported(promise.Chain(steps...), "Flow controller stopped")
	}

	return f.rig.failed("Flow controller stop", promise.Then(f.halt(), func(promise.Void) *promise.Promise[promise.Void] {
		return f.rig.withPort(teardown)
	}))
}

// OpenValve opens v.
func (f *FlowController) OpenValve(v Valve) *promise.Promise[promise.Void] {
	return f.rig.withPort(func(port string) *promise.Promise[promise.Void] { return f.setValve(port, v, true) })
}

// CloseValve closes v.
func (f *FlowController) CloseValve(v Valve) *promise.Promise[promise.Void] {
	return f.rig.withPort(func(port string) *promise.Promise[promise.Void] { return f.setValve(port, v, false) })
}

// ReadFlow performs one flow reading.
func (f *FlowController) ReadFlow(ctx context.Context) (float64, error) {
	port, err := f.rig.Port()
	if err != nil {
		return 0, err
	}

	return f.flow.read(ctx, f.rig, port)
}

func (f *FlowController) setValve(port string, v Valve, open bool) *promise.Promise[promise.Void] {
	coil, ok := f.coils[v]
	if !ok {
		return promise.Reject[promise.Void](fmt.Errorf("rig: unknown valve %d", v))
	}

	return f.rig.reported(f.rig.writeCoil(port, f.id, coil, open), "%s %s valve", verb(open), v)
}

func (f *FlowController) setCage(port string, c cage, open bool) *promise.Promise[promise.Void] {
	return f.rig.reported(f.rig.writeCoil(port, f.id, c.coil, open), "%s cage %d valve", verb(open), c.number)
}

// confirm reads the coils of expect in one exchange and checks their states.
func (f *FlowController) confirm(port string, expect []valveState) *promise.Promise[promise.Void] {
	lo, hi := expect[0].coil, expect[0].coil
	for _, v := range expect {
		lo, hi = min(lo, v.coil), max(hi, v.coil)
	}

	layout := make([]transport.Field, 0, len(expect))
	for _, v := range expect {
		layout = append(layout, transport.Field{Description: v.name, Offset: v.coil - lo, Format: transport.Bool})
	}

	req := transport.ReadCoils(port, f.id, lo, hi-lo+1, layout...)

	return promise.Map(f.rig.exchange(req), func(resp *transport.Response) (promise.Void, error) {
		for _, v := range expect {
			got, err := resp.Require(v.name)
			if err != nil {
				return promise.Void{}, err
			}
			if (got != 0) != v.open {
				return promise.Void{}, fmt.Errorf("%w: %s valve (coil %d) should be %s", ErrValveMismatch, v.name, v.coil, state(v.open))
			}
		}
		f.rig.status.Emit("Valve states confirmed")

		return promise.Void{}, nil
	})
}

// poll reads the flow of the active cage, flags low flow and rotates to the
// next selected cage.
func (f *FlowController) poll(ctx context.Context) error {
	port, err := f.rig.Port()
	if err != nil {
		return err
	}
	cages, err := f.selected()
	if err != nil {
		return err
	}

	v, err := f.flow.read(ctx, f.rig, port)
	if err != nil {
		return err
	}

	if len(cages) == 0 {
		f.rig.status.Emitf("Flow: %.2f", v)
		return nil
	}

	idx := f.rig.session.CageIndex() % len(cages)
	current := cages[idx]
	f.rig.status.Emitf("Flow cage %d: %.2f", current.number, v)

	if limit := f.rig.settings.Float(config.KeyFlowMinFlow, 0); v < limit {
		f.rig.status.Emitf("Flow fault on cage %d: %.2f below %.2f", current.number, v, limit)
		f.rig.logger.Warn("low flow", "cage", current.number, "flow", v, "min", limit)
	}

	if len(cages) == 1 {
		return nil
	}

	next := (idx + 1) % len(cages)
	if _, err := f.rig.send(ctx, transport.WriteCoil(port, f.id, current.coil, false)); err != nil {
		return err
	}
	if _, err := f.rig.send(ctx, transport.WriteCoil(port, f.id, cages[next].coil, true)); err != nil {
		return err
	}
	f.rig.session.setCageIndex(next)
	f.rig.status.Emitf("Switched to cage %d", cages[next].number)

	return nil
}

// selected maps the selected cage numbers to their valve coils.
func (f *FlowController) selected() ([]cage, error) {
	numbers := f.rig.settings.Ints(config.KeyCages)
	out := make([]cage, 0, len(numbers))
	for _, n := range numbers {
		coil, ok := f.cages[n]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownCage, n)
		}
		out = append(out, cage{number: n, coil: coil})
	}

	return out, nil
}

func verb(open bool) string {
	if open {
		return "Opened"
	}

	return "Closed"
}

func state(open bool) string {
	if open {
		return "open"
	}

	return "closed"
}
