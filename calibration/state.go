package calibration

import (
	"context"

	"github.com/arloliu/go-gasrig/promise"
	"github.com/arloliu/go-gasrig/rig"
)

// state belongs to one procedure invocation.
type state struct {
	c   *Calibrator
	ctx context.Context
	res Result
}

// samplePair samples CO2 and O2 together until both settle.
func (st *state) samplePair() *promise.Promise[promise.Void] {
	r := st.c.rig

	return promise.Go(func() (promise.Void, error) {
		carbon, oxygen, err := rig.CyclicSamplePair(st.ctx,
			r.CO2().Read, r.O2().Read,
			r.CO2().Threshold(), r.O2().Threshold(),
			r.SamplePolicy())
		st.res.Reads += carbon.Reads
		if err != nil {
			return promise.Void{}, err
		}

		v := carbon.Value
		st.res.CO2Zero = &v
		r.Status().Emitf("Zero gas stable after %d reads: CO2 %.3f, O2 %.3f", carbon.Reads, carbon.Value, oxygen.Value)

		return promise.Void{}, nil
	})
}

// recordOxygenZero samples O2 once more and records the settled value.
func (st *state) recordOxygenZero() *promise.Promise[promise.Void] {
	return promise.Go(func() (promise.Void, error) {
		v, err := st.sampleOxygen()
		if err != nil {
			return promise.Void{}, err
		}
		st.res.O2Zero = &v
		st.c.rig.Status().Emitf("O2 zero recorded: %.3f", v)

		return promise.Void{}, nil
	})
}

// recordOxygenSpan samples O2 until it settles, records the span and writes
// it to the analyzer when a span register is configured.
func (st *state) recordOxygenSpan() *promise.Promise[promise.Void] {
	sampled := promise.Go(func() (float64, error) {
		v, err := st.sampleOxygen()
		if err != nil {
			return 0, err
		}
		st.res.O2Span = &v
		st.c.rig.Status().Emitf("O2 span recorded: %.3f", v)

		return v, nil
	})

	return promise.Then(sampled, func(v float64) *promise.Promise[promise.Void] {
		o2 := st.c.rig.O2()
		if !o2.HasSpanRegister() {
			return promise.Resolve(promise.Void{})
		}

		return o2.WriteSpan(v)
	})
}

func (st *state) sampleOxygen() (float64, error) {
	r := st.c.rig

	s, err := rig.CyclicSample(st.ctx, r.O2().Read, r.O2().Threshold(), r.SamplePolicy())
	st.res.Reads += s.Reads
	if err != nil {
		return 0, err
	}

	return s.Value, nil
}
