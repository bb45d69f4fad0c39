package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(ctx context.Context, req Request) (*Response, error) {
	return NewResponse(req.Function, req.Payload[:4], nil)
}

func TestRequestBuilders(t *testing.T) {
	req := ReadInputs("/dev/ttyUSB0", 2, 0x10, 2, Field{Description: "co2", Format: Float32BE})
	assert.Equal(t, ReadInputRegistersFunc, req.Function)
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x02}, req.Payload)
	assert.Equal(t, uint8(2), req.TargetID)
	require.Len(t, req.Layout, 1)

	on := WriteCoil("p", 1, 3, true)
	assert.Equal(t, []byte{0x00, 0x03, 0xFF, 0x00}, on.Payload)
	off := WriteCoil("p", 1, 3, false)
	assert.Equal(t, []byte{0x00, 0x03, 0x00, 0x00}, off.Payload)

	multi := WriteRegisters("p", 3, 0x20, []uint16{0x4120, 0x0000})
	assert.Equal(t, []byte{0x00, 0x20, 0x00, 0x02, 0x04, 0x41, 0x20, 0x00, 0x00}, multi.Payload)

	addr, qty, err := AddressQuantity(ReadHoldings("p", 1, 7, 9).Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), addr)
	assert.Equal(t, uint16(9), qty)

	_, _, err = AddressQuantity([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResponse_Require(t *testing.T) {
	resp := &Response{Records: []Record{{Description: "o2", Value: 20.9}}}

	v, err := resp.Require("o2")
	require.NoError(t, err)
	assert.Equal(t, 20.9, v)

	_, err = resp.Require("co2")
	require.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), `"co2"`)

	var nilResp *Response
	_, ok := nilResp.Value("o2")
	assert.False(t, ok)
}

func TestExceptionError(t *testing.T) {
	err := &ExceptionError{Function: ReadInputRegistersFunc, Exception: 2}
	assert.Equal(t, uint16(0x0402), err.Code())
	assert.Contains(t, err.Error(), "illegal data address")
}

func TestExchange(t *testing.T) {
	p := Exchange(context.Background(), Func(echo), WriteRegister("p", 1, 5, 9))
	resp, err := p.Result()
	require.NoError(t, err)
	v, _ := resp.Value("value")
	assert.Equal(t, 9.0, v)

	failing := Func(func(context.Context, Request) (*Response, error) { return nil, ErrTimeout })
	_, err = Exchange(context.Background(), failing, WriteRegister("p", 1, 5, 9)).Result()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerialize_OneExchangePerPort(t *testing.T) {
	var inflight, peak atomic.Int32
	slow := Func(func(ctx context.Context, req Request) (*Response, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)

		return echo(ctx, req)
	})

	s := Serialize(slow)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Send(context.Background(), WriteCoil("/dev/ttyS0", 1, 1, true))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestSerialize_PortsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	blocking := Func(func(ctx context.Context, req Request) (*Response, error) {
		if req.Port == "a" {
			<-release
		}
		return echo(ctx, req)
	})
	s := Serialize(blocking)

	go func() { _, _ = s.Send(context.Background(), WriteCoil("a", 1, 1, true)) }()
	time.Sleep(5 * time.Millisecond)

	_, err := s.Send(context.Background(), WriteCoil("b", 1, 1, true))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Send(ctx, WriteCoil("a", 1, 1, true))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestInstrument(t *testing.T) {
	calls := 0
	errs := []error{nil, ErrTimeout, &ExceptionError{Function: WriteSingleCoilFunc, Exception: 1}, errors.New("line down")}
	flaky := Func(func(ctx context.Context, req Request) (*Response, error) {
		err := errs[calls%len(errs)]
		calls++
		if err != nil {
			return nil, err
		}
		return echo(ctx, req)
	})

	var m Metrics
	tr := Instrument(flaky, &m)
	for range errs {
		_, _ = tr.Send(context.Background(), WriteCoil("p", 1, 1, false))
	}

	assert.Equal(t, uint64(4), m.RequestCount.Load())
	assert.Equal(t, uint64(1), m.ResponseCount.Load())
	assert.Equal(t, uint64(3), m.ErrorCount.Load())
	assert.Equal(t, uint64(1), m.TimeoutCount.Load())
	assert.Equal(t, uint64(1), m.ExceptionCount.Load())
	assert.Equal(t, int64(0), m.InflightCount.Load())
}
