package rig

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/internal/pool"
)

// ReadFunc performs one sensor reading.
type ReadFunc func(ctx context.Context) (float64, error)

// SamplePolicy bounds cyclic sampling.
type SamplePolicy struct {
	// MaxReads stops sampling with ErrNotConverged after that many reads.
	// Zero samples until the readings converge or ctx is done.
	MaxReads int
	// Delay is the pause between two reads.
	Delay time.Duration
}

// SamplePolicy returns the sampling bounds currently configured.
func (r *Rig) SamplePolicy() SamplePolicy {
	return SamplePolicy{
		MaxReads: r.settings.Int(config.KeySamplingMax, 0),
		Delay:    r.settings.Duration(config.KeySamplingDelay, 0),
	}
}

// Sample is the outcome of cyclic sampling on one channel.
type Sample struct {
	Value    float64
	Previous float64
	// Reads is the number of reads taken.
	Reads int
}

// channel tracks the last two readings of one sensor.
type channel struct {
	read      ReadFunc
	threshold float64
	prev, cur float64
	n         int
}

func (c *channel) sample(ctx context.Context) error {
	v, err := c.read(ctx)
	if err != nil {
		return err
	}
	c.prev, c.cur = c.cur, v
	c.n++

	return nil
}

// settled reports whether both readings are set and within the threshold.
func (c *channel) settled() bool {
	return c.n >= 2 && math.Abs(c.cur-c.prev) <= c.threshold
}

func (c *channel) result() Sample {
	return Sample{Value: c.cur, Previous: c.prev, Reads: c.n}
}

// CyclicSample reads until two consecutive readings differ by at most
// threshold and returns the last one.
func CyclicSample(ctx context.Context, read ReadFunc, threshold float64, policy SamplePolicy) (Sample, error) {
	c := &channel{read: read, threshold: threshold}
	err := cycle(ctx, policy, []*channel{c})

	return c.result(), err
}

// CyclicSamplePair reads both channels once per round until each has
// settled within its threshold. A read error on either ends sampling.
func CyclicSamplePair(ctx context.Context, a, b ReadFunc, ta, tb float64, policy SamplePolicy) (Sample, Sample, error) {
	ca := &channel{read: a, threshold: ta}
	cb := &channel{read: b, threshold: tb}
	err := cycle(ctx, policy, []*channel{ca, cb})

	return ca.result(), cb.result(), err
}

func cycle(ctx context.Context, policy SamplePolicy, chans []*channel) error {
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, c := range chans {
			if err := c.sample(ctx); err != nil {
				return err
			}
		}

		if allSettled(chans) {
			return nil
		}
		if policy.MaxReads > 0 && round >= policy.MaxReads {
			return fmt.Errorf("%w after %d reads", ErrNotConverged, round)
		}

		if err := pool.Sleep(ctx, policy.Delay); err != nil {
			return err
		}
	}
}

func allSettled(chans []*channel) bool {
	for _, c := range chans {
		if !c.settled() {
			return false
		}
	}

	return true
}
