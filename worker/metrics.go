package worker

import "sync/atomic"

// Metrics contains atomic counters for a Worker.
// They can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// Iterations is the number of completed iterations, failed ones included.
	Iterations atomic.Uint64
	// Failures is the number of iterations that returned an error or panicked.
	Failures atomic.Uint64
}
