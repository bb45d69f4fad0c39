package transport

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type serialized struct {
	next  Transport
	lines *xsync.MapOf[string, chan struct{}]
}

// Serialize wraps t so at most one exchange is in flight per port.
//
// A caller waiting for the line gives up when its context is done.
func Serialize(t Transport) Transport {
	return &serialized{
		next:  t,
		lines: xsync.NewMapOf[string, chan struct{}](),
	}
}

func (s *serialized) Send(ctx context.Context, req Request) (*Response, error) {
	line, _ := s.lines.LoadOrCompute(req.Port, func() chan struct{} {
		return make(chan struct{}, 1)
	})

	select {
	case line <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-line }()

	return s.next.Send(ctx, req)
}
