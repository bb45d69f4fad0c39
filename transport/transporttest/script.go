// Package transporttest provides a scripted Transport for tests.
//
// Replies are queued per device, function and start address. Each exchange
// takes the next queued reply; the last reply repeats once the queue runs dry.
// Unscripted writes are acknowledged with an echo and unscripted reads fail
// with ErrUnscripted.
//
//	s := transporttest.New()
//	s.On(2, transport.ReadInputRegistersFunc, 0).Sequence(21.0, 20.5, 20.05)
//	s.On(1, transport.WriteSingleCoilFunc, 3).Fail(transport.ErrTimeout)
package transporttest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-gasrig/transport"
)

// ErrUnscripted is returned for reads nothing was scripted for.
var ErrUnscripted = errors.New("transporttest: unscripted read")

// Key selects the exchanges an Expectation answers.
type Key struct {
	TargetID uint8
	Function transport.FunctionCode
	Address  uint16
}

func (k Key) String() string {
	return fmt.Sprintf("id=%d fc=%s addr=%d", k.TargetID, k.Function, k.Address)
}

type reply struct {
	values []float64
	err    error
}

// Script is a Transport answering from scripted replies. It is safe for
// concurrent use.
type Script struct {
	mu       sync.Mutex
	queues   map[Key][]reply
	requests []transport.Request
	latency  time.Duration
}

var _ transport.Transport = (*Script)(nil)

func New() *Script {
	return &Script{queues: make(map[Key][]reply)}
}

// SetLatency makes every exchange block for d, or until its context is done.
func (s *Script) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Expectation queues replies for one Key.
type Expectation struct {
	s   *Script
	key Key
}

// On returns the expectation for exchanges matching id, fc and addr.
func (s *Script) On(id uint8, fc transport.FunctionCode, addr uint16) *Expectation {
	return &Expectation{s: s, key: Key{TargetID: id, Function: fc, Address: addr}}
}

// Return queues one reply. values map onto the request layout in order;
// a layout field without a value is left out of the response.
func (e *Expectation) Return(values ...float64) *Expectation {
	e.push(reply{values: values})
	return e
}

// Sequence queues one single-value reply per value.
func (e *Expectation) Sequence(values ...float64) *Expectation {
	for _, v := range values {
		e.push(reply{values: []float64{v}})
	}

	return e
}

// Fail queues one failed exchange.
func (e *Expectation) Fail(err error) *Expectation {
	e.push(reply{err: err})
	return e
}

func (e *Expectation) push(r reply) {
	e.s.mu.Lock()
	e.s.queues[e.key] = append(e.s.queues[e.key], r)
	e.s.mu.Unlock()
}

// Send records req and answers it from the script.
func (s *Script) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	addr, _, err := transport.AddressQuantity(req.Payload)
	if err != nil {
		return nil, err
	}
	key := Key{TargetID: req.TargetID, Function: req.Function, Address: addr}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	latency := s.latency
	r, scripted := s.next(key)
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	switch {
	case scripted && r.err != nil:
		return nil, r.err
	case scripted && req.Function.IsRead():
		return readResponse(req, r.values), nil
	case req.Function.IsRead():
		return nil, fmt.Errorf("%w: %s", ErrUnscripted, key)
	default:
		return transport.NewResponse(req.Function, req.Payload[:4], nil)
	}
}

func (s *Script) next(key Key) (reply, bool) {
	q := s.queues[key]
	if len(q) == 0 {
		return reply{}, false
	}
	r := q[0]
	if len(q) > 1 {
		s.queues[key] = q[1:]
	}

	return r, true
}

func readResponse(req transport.Request, values []float64) *transport.Response {
	resp := &transport.Response{Raw: hex.EncodeToString([]byte{byte(req.Function)})}

	if len(req.Layout) == 0 {
		for i, v := range values {
			resp.Records = append(resp.Records, transport.Record{Description: fmt.Sprintf("register_%d", i), Value: v})
		}

		return resp
	}

	for i, f := range req.Layout {
		if i >= len(values) {
			break
		}
		resp.Records = append(resp.Records, transport.Record{Description: f.Description, Value: values[i]})
	}

	return resp
}

// Requests returns a copy of every request seen so far, in order.
func (s *Script) Requests() []transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transport.Request, len(s.requests))
	copy(out, s.requests)

	return out
}

// Count returns how many requests were seen.
func (s *Script) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.requests)
}

// CountOf returns how many requests matched id, fc and addr.
func (s *Script) CountOf(id uint8, fc transport.FunctionCode, addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, req := range s.requests {
		a, _, err := transport.AddressQuantity(req.Payload)
		if err == nil && req.TargetID == id && req.Function == fc && a == addr {
			n++
		}
	}

	return n
}

// Writes returns the single coil and register writes seen so far, in order,
// formatted as "id/coil/addr=on|off" or "id/reg/addr=value".
func (s *Script) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, req := range s.requests {
		addr, v, err := transport.AddressQuantity(req.Payload)
		if err != nil {
			continue
		}

		switch req.Function {
		case transport.WriteSingleCoilFunc:
			state := "off"
			if v == 0xFF00 {
				state = "on"
			}
			out = append(out, fmt.Sprintf("%d/coil/%d=%s", req.TargetID, addr, state))
		case transport.WriteSingleRegisterFunc:
			out = append(out, fmt.Sprintf("%d/reg/%d=%d", req.TargetID, addr, v))
		}
	}

	return out
}

// Reset drops recorded requests and queued replies.
func (s *Script) Reset() {
	s.mu.Lock()
	s.queues = make(map[Key][]reply)
	s.requests = nil
	s.mu.Unlock()
}
