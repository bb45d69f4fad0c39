// Package mbrtu implements transport.Transport on top of the goburrow Modbus
// RTU client, one serial handler per port.
package mbrtu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gasrig/internal/pool"
	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/transport"
)

const (
	DefaultBaudRate = 9600
	DefaultTimeout  = time.Second
)

// Config holds the serial line parameters shared by every port.
type Config struct {
	BaudRate int
	DataBits int
	StopBits int
	// Parity is "N", "E" or "O".
	Parity string
	// Timeout bounds each exchange when the request carries none.
	Timeout time.Duration
	// IdleTimeout closes a port left unused this long. Zero keeps the goburrow default.
	IdleTimeout time.Duration
	Logger      logger.Logger
}

func (c *Config) normalize() {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.GetLogger()
	}
}

// client is the part of modbus.Client the transport drives.
type client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// line is one opened port. The handler's SlaveId is mutated per request,
// so every exchange holds mu.
type line struct {
	mu       sync.Mutex
	client   client
	setSlave func(id uint8)
	close    func() error
}

type dialFunc func(port string, cfg Config) (*line, error)

// Transport sends requests through goburrow RTU handlers opened lazily per port.
type Transport struct {
	cfg    Config
	logger logger.Logger
	lines  *xsync.MapOf[string, *line]
	dial   dialFunc
	mu     sync.Mutex // serializes dialing
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	cfg.normalize()

	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With("transport", "mbrtu"),
		lines:  xsync.NewMapOf[string, *line](),
		dial:   dialRTU,
	}
}

func dialRTU(port string, cfg Config) (*line, error) {
	h := modbus.NewRTUClientHandler(port)
	h.BaudRate = cfg.BaudRate
	h.DataBits = cfg.DataBits
	h.StopBits = cfg.StopBits
	h.Parity = cfg.Parity
	h.Timeout = cfg.Timeout
	if cfg.IdleTimeout > 0 {
		h.IdleTimeout = cfg.IdleTimeout
	}

	if err := h.Connect(); err != nil {
		return nil, err
	}

	return &line{
		client:   modbus.NewClient(h),
		setSlave: func(id uint8) { h.SlaveId = id },
		close:    h.Close,
	}, nil
}

// Send performs req on its port. When the request timeout or ctx fires first
// the caller is released with an error while the exchange itself finishes in
// the background under the handler's own timeout.
func (t *Transport) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if req.Port == "" {
		return nil, fmt.Errorf("%w: empty port", transport.ErrInvalidRequest)
	}

	l, err := t.open(req.Port)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}

	type result struct {
		resp *transport.Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		if ctx.Err() != nil {
			done <- result{err: ctx.Err()}
			return
		}
		l.setSlave(req.TargetID)
		resp, err := exchange(l.client, req)
		done <- result{resp: resp, err: err}
	}()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case r := <-done:
		if r.err != nil {
			t.logger.Debug("exchange failed", "port", req.Port, "id", req.TargetID,
				"function", req.Function.String(), "error", r.err)
		}
		return r.resp, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s id=%d after %v", transport.ErrTimeout, req.Function, req.TargetID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes every opened port.
func (t *Transport) Close() error {
	var errs []error
	t.lines.Range(func(port string, l *line) bool {
		l.mu.Lock()
		if err := l.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", port, err))
		}
		l.mu.Unlock()
		t.lines.Delete(port)

		return true
	})

	return errors.Join(errs...)
}

func (t *Transport) open(port string) (*line, error) {
	if l, ok := t.lines.Load(port); ok {
		return l, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.lines.Load(port); ok {
		return l, nil
	}

	l, err := t.dial(port, t.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", transport.ErrCommunication, port, err)
	}
	t.lines.Store(port, l)
	t.logger.Info("serial port opened", "port", port, "baud", t.cfg.BaudRate)

	return l, nil
}

func exchange(c client, req transport.Request) (*transport.Response, error) {
	addr, second, err := transport.AddressQuantity(req.Payload)
	if err != nil {
		return nil, err
	}

	var results []byte
	switch req.Function {
	case transport.ReadCoilsFunc:
		results, err = c.ReadCoils(addr, second)
	case transport.ReadDiscreteInputsFunc:
		results, err = c.ReadDiscreteInputs(addr, second)
	case transport.ReadInputRegistersFunc:
		results, err = c.ReadInputRegisters(addr, second)
	case transport.ReadHoldingRegistersFunc:
		results, err = c.ReadHoldingRegisters(addr, second)
	case transport.WriteSingleCoilFunc:
		results, err = c.WriteSingleCoil(addr, second)
	case transport.WriteSingleRegisterFunc:
		results, err = c.WriteSingleRegister(addr, second)
	case transport.WriteMultipleCoilsFunc, transport.WriteMultipleRegistersFunc:
		values, verr := multiValues(req.Payload)
		if verr != nil {
			return nil, verr
		}
		if req.Function == transport.WriteMultipleCoilsFunc {
			results, err = c.WriteMultipleCoils(addr, second, values)
		} else {
			results, err = c.WriteMultipleRegisters(addr, second, values)
		}
	default:
		return nil, fmt.Errorf("%w: %s", transport.ErrUnsupportedFunction, req.Function)
	}
	if err != nil {
		return nil, mapError(req.Function, err)
	}

	// goburrow strips the byte count of reads and the address of write echoes.
	var pdu []byte
	if req.Function.IsRead() {
		pdu = append([]byte{byte(len(results))}, results...)
	} else {
		pdu = binary.BigEndian.AppendUint16(nil, addr)
		pdu = append(pdu, results...)
	}

	return transport.NewResponse(req.Function, pdu, req.Layout)
}

func multiValues(payload []byte) ([]byte, error) {
	if len(payload) < 5 || int(payload[4]) != len(payload)-5 {
		return nil, fmt.Errorf("%w: multiple write payload of %d bytes", transport.ErrInvalidRequest, len(payload))
	}

	return payload[5:], nil
}

func mapError(fc transport.FunctionCode, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &transport.ExceptionError{Function: fc, Exception: mbErr.ExceptionCode}
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", transport.ErrCommunication, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
