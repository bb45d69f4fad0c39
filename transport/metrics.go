package transport

import (
	"context"
	"errors"
	"sync/atomic"
)

// Metrics contains atomic counters for exchanges on a transport.
// They can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// RequestCount is the number of exchanges started.
	RequestCount atomic.Uint64
	// ResponseCount is the number of exchanges that returned a response.
	ResponseCount atomic.Uint64
	// TimeoutCount is the number of exchanges that timed out.
	TimeoutCount atomic.Uint64
	// ExceptionCount is the number of device exception replies.
	ExceptionCount atomic.Uint64
	// ErrorCount is the number of exchanges that failed for any reason.
	ErrorCount atomic.Uint64
	// InflightCount is the number of exchanges waiting for a reply.
	InflightCount atomic.Int64
}

type instrumented struct {
	next    Transport
	metrics *Metrics
}

// Instrument wraps t so every exchange is counted in m.
func Instrument(t Transport, m *Metrics) Transport {
	return &instrumented{next: t, metrics: m}
}

func (i *instrumented) Send(ctx context.Context, req Request) (*Response, error) {
	m := i.metrics
	m.RequestCount.Add(1)
	m.InflightCount.Add(1)
	defer m.InflightCount.Add(-1)

	resp, err := i.next.Send(ctx, req)
	if err != nil {
		m.ErrorCount.Add(1)

		var exc *ExceptionError
		switch {
		case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			m.TimeoutCount.Add(1)
		case errors.As(err, &exc):
			m.ExceptionCount.Add(1)
		}

		return nil, err
	}
	m.ResponseCount.Add(1)

	return resp, nil
}
