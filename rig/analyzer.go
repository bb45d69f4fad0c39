package rig

import (
	"context"
	"fmt"
	"math"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/promise"
	"github.com/arloliu/go-gasrig/transport"
)

// analyzer is the behaviour shared by the CO2 and O2 analyzers.
type analyzer struct {
	runner

	rig    *Rig
	gas    Gas
	name   string
	id     uint8
	pump   uint16
	ready  float64
	status register
	conc   register
	zero   *uint16
	span   *uint16

	runKey, delayKey, thresholdKey string
}

// CO2Analyzer measures carbon dioxide.
type CO2Analyzer struct{ *analyzer }

// O2Analyzer measures oxygen.
type O2Analyzer struct{ *analyzer }

var (
	_ Subsystem = (*CO2Analyzer)(nil)
	_ Subsystem = (*O2Analyzer)(nil)
)

func newAnalyzer(r *Rig, gas Gas, cfg config.AnalyzerConfig) (*analyzer, error) {
	a := &analyzer{
		rig:   r,
		gas:   gas,
		id:    cfg.DeviceID,
		pump:  cfg.PumpCoil,
		ready: cfg.ReadyValue,
		zero:  cfg.ZeroRegister,
		span:  cfg.SpanRegister,
	}

	switch gas {
	case CO2:
		a.name = "co2"
		a.runKey, a.delayKey, a.thresholdKey = config.KeyCO2RunDuration, config.KeyCO2PollDelay, config.KeyCO2Threshold
	case O2:
		a.name = "o2"
		a.runKey, a.delayKey, a.thresholdKey = config.KeyO2RunDuration, config.KeyO2PollDelay, config.KeyO2Threshold
	default:
		return nil, fmt.Errorf("rig: unknown gas %d", gas)
	}

	var err error
	if a.status, err = newRegister(cfg.DeviceID, a.name+"_status", cfg.Status); err != nil {
		return nil, err
	}
	if a.conc, err = newRegister(cfg.DeviceID, a.name, cfg.Concentration); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *analyzer) Name() string { return a.name }

// Gas returns the measured gas.
func (a *analyzer) Gas() Gas { return a.gas }

// Threshold returns the current stabilisation band for cyclic sampling.
func (a *analyzer) Threshold() float64 {
	return a.rig.settings.Float(a.thresholdKey, config.DefaultThreshold)
}

// Start switches the sample pump on and waits for the status register to
// report ready.
func (a *analyzer) Start() *promise.Promise[promise.Void] {
	return a.rig.failed(a.gas.String()+" analyzer start", a.rig.withPort(func(port string) *promise.Promise[promise.Void] {
		pumpOn := a.rig.reported(a.rig.writeCoil(port, a.id, a.pump, true), "%s pump on", a.gas)

		ready := promise.Then(pumpOn, func(promise.Void) *promise.Promise[*transport.Response] {
			return a.rig.exchange(a.status.request(port))
		})

		confirmed := promise.Map(ready, func(resp *transport.Response) (promise.Void, error) {
			v, err := resp.Require(a.status.field.Description)
			if err != nil {
				return promise.Void{}, err
			}
			if v != a.ready {
				return promise.Void{}, fmt.Errorf("%w: %s status %v", ErrNotReady, a.gas, v)
			}

			return promise.Void{}, nil
		})

		return a.rig.reported(confirmed, "%s analyzer started", a.gas)
	}))
}

// Run launches the concentration polling worker.
func (a *analyzer) Run() *promise.Promise[promise.Void] {
	return a.rig.failed(a.gas.String()+" analyzer run", a.rig.withPort(func(string) *promise.Promise[promise.Void] {
		w, err := a.rig.newWorker(a.name, a.poll, a.runKey, a.delayKey)
		if err != nil {
			return promise.Reject[promise.Void](err)
		}
		if err := a.launch(w); err != nil {
			return promise.Reject[promise.Void](err)
		}
		a.rig.status.Emitf("%s analyzer running", a.gas)

		return promise.Resolve(promise.Void{})
	}))
}

// Stop halts the worker and switches the sample pump off.
func (a *analyzer) Stop() *promise.Promise[promise.Void] {
	stopped := promise.Then(a.halt(), func(promise.Void) *promise.Promise[promise.Void] {
		return a.rig.withPort(func(port string) *promise.Promise[promise.Void] {
			pumpOff := a.rig.reported(a.rig.writeCoil(port, a.id, a.pump, false), "%s pump off", a.gas)
			return a.rig.reported(pumpOff, "%s analyzer stopped", a.gas)
		})
	})

	return a.rig.failed(a.gas.String()+" analyzer stop", stopped)
}

// Read performs one concentration reading.
func (a *analyzer) Read(ctx context.Context) (float64, error) {
	port, err := a.rig.Port()
	if err != nil {
		return 0, err
	}

	return a.conc.read(ctx, a.rig, port)
}

// ReadAsync performs one concentration reading as a chainable step.
func (a *analyzer) ReadAsync() *promise.Promise[float64] {
	port, err := a.rig.Port()
	if err != nil {
		return promise.Reject[float64](err)
	}

	return promise.Map(a.rig.exchange(a.conc.request(port)), func(resp *transport.Response) (float64, error) {
		return resp.Require(a.conc.field.Description)
	})
}

// WriteZero latches the current reading as the analyzer's zero point.
func (a *analyzer) WriteZero() *promise.Promise[promise.Void] {
	return a.rig.withPort(func(port string) *promise.Promise[promise.Void] {
		if a.zero == nil {
			return promise.Reject[promise.Void](fmt.Errorf("%w: %s zero", ErrNoRegister, a.gas))
		}
		addr := *a.zero

		written := promise.Map(a.rig.exchange(transport.WriteRegister(port, a.id, addr, 1)),
			func(*transport.Response) (promise.Void, error) { return promise.Void{}, nil })

		return a.rig.reported(written, "%s zero written", a.gas)
	})
}

// WriteSpan stores value as the analyzer's span reference.
func (a *analyzer) WriteSpan(value float64) *promise.Promise[promise.Void] {
	return a.rig.withPort(func(port string) *promise.Promise[promise.Void] {
		if a.span == nil {
			return promise.Reject[promise.Void](fmt.Errorf("%w: %s span", ErrNoRegister, a.gas))
		}
		addr := *a.span

		req := transport.WriteRegisters(port, a.id, addr, transport.Float32Registers(float32(value)))
		written := promise.Map(a.rig.exchange(req),
			func(*transport.Response) (promise.Void, error) { return promise.Void{}, nil })

		return a.rig.reported(written, "%s span %.3f written", a.gas, value)
	})
}

// HasZeroRegister reports whether a zero register is configured.
func (a *analyzer) HasZeroRegister() bool { return a.zero != nil }

// HasSpanRegister reports whether a span register is configured.
func (a *analyzer) HasSpanRegister() bool { return a.span != nil }

// poll stores one reading in the session and flags a sensor fault when it
// jumped further than the fault threshold from the previous one.
func (a *analyzer) poll(ctx context.Context) error {
	v, err := a.Read(ctx)
	if err != nil {
		return err
	}

	prev, had := a.rig.session.record(a.gas, v)
	a.rig.status.Emitf("%s concentration: %.3f", a.gas, v)

	limit := a.rig.settings.Float(config.KeyFaultThreshold, 0)
	if had && limit > 0 && math.Abs(v-prev) > limit {
		a.rig.status.Emitf("%s sensor fault: reading jumped from %.3f to %.3f", a.gas, prev, v)
		a.rig.logger.Warn("sensor fault", "gas", a.gas.String(), "previous", prev, "current", v)
	}

	return nil
}
