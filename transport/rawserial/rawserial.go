// Package rawserial implements transport.Transport by framing Modbus RTU
// ADUs itself over a jacobsa/go-serial port.
//
// Ports are opened on first use and kept open. A timeout or a malformed
// reply closes the port so the next exchange starts on a clean line.
package rawserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/transport"
)

const (
	DefaultBaudRate = 9600
	DefaultTimeout  = time.Second
	// DefaultInterCharTimeout is the read poll granularity; go-serial needs
	// at least 100ms when reads may return empty.
	DefaultInterCharTimeout = 100 * time.Millisecond
)

// Config holds the serial line parameters shared by every port.
type Config struct {
	BaudRate uint
	DataBits uint
	StopBits uint
	// Parity is "N", "E" or "O".
	Parity string
	// Timeout bounds each exchange when the request carries none.
	Timeout          time.Duration
	InterCharTimeout time.Duration
	Logger           logger.Logger
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
	if c.InterCharTimeout < DefaultInterCharTimeout {
		c.InterCharTimeout = DefaultInterCharTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.GetLogger()
	}
}

func (c *Config) openOptions(port string) (serial.OpenOptions, error) {
	opts := serial.OpenOptions{
		PortName:              port,
		BaudRate:              c.BaudRate,
		DataBits:              c.DataBits,
		StopBits:              c.StopBits,
		InterCharacterTimeout: uint(c.InterCharTimeout / time.Millisecond),
		MinimumReadSize:       0,
	}

	switch c.Parity {
	case "N":
		opts.ParityMode = serial.PARITY_NONE
	case "E":
		opts.ParityMode = serial.PARITY_EVEN
	case "O":
		opts.ParityMode = serial.PARITY_ODD
	default:
		return opts, fmt.Errorf("rawserial: unknown parity %q", c.Parity)
	}

	return opts, nil
}

// OpenFunc opens the named port.
type OpenFunc func(port string, cfg Config) (io.ReadWriteCloser, error)

func openSerial(port string, cfg Config) (io.ReadWriteCloser, error) {
	opts, err := cfg.openOptions(port)
	if err != nil {
		return nil, err
	}

	return serial.Open(opts)
}

type line struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
}

// Transport exchanges RTU frames over raw serial ports.
type Transport struct {
	cfg    Config
	logger logger.Logger
	open   OpenFunc
	lines  *xsync.MapOf[string, *line]
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport opening ports with go-serial.
func New(cfg Config) *Transport {
	return NewWithOpener(cfg, openSerial)
}

// NewWithOpener creates a transport opening ports with open.
func NewWithOpener(cfg Config, open OpenFunc) *Transport {
	cfg.normalize()

	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With("transport", "rawserial"),
		open:   open,
		lines:  xsync.NewMapOf[string, *line](),
	}
}

// Send writes the request frame and reads the reply. The exchange holds the
// port for its whole duration.
func (t *Transport) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if req.Port == "" {
		return nil, fmt.Errorf("%w: empty port", transport.ErrInvalidRequest)
	}

	l, _ := t.lines.LoadOrCompute(req.Port, func() *line { return &line{} })
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		port, err := t.open(req.Port, t.cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", transport.ErrCommunication, req.Port, err)
		}
		l.port = port
		t.logger.Info("serial port opened", "port", req.Port, "baud", t.cfg.BaudRate)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}

	resp, err := t.exchange(ctx, l.port, req, time.Now().Add(timeout))
	if err != nil {
		var exc *transport.ExceptionError
		if !errors.As(err, &exc) {
			t.reset(req.Port, l)
		}
		t.logger.Debug("exchange failed", "port", req.Port, "id", req.TargetID,
			"function", req.Function.String(), "error", err)

		return nil, err
	}

	return resp, nil
}

func (t *Transport) exchange(ctx context.Context, port io.ReadWriter, req transport.Request, deadline time.Time) (*transport.Response, error) {
	frame := encodeFrame(req.TargetID, req.Function, req.Payload)
	if _, err := port.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: write: %v", transport.ErrCommunication, err)
	}

	buf := make([]byte, 0, maxFrameLen)
	chunk := make([]byte, maxFrameLen)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s id=%d, %d bytes received", transport.ErrTimeout, req.Function, req.TargetID, len(buf))
		}

		n, err := port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: read: %v", transport.ErrCommunication, err)
		}

		want, ferr := frameLen(buf, req.Function)
		if ferr != nil {
			return nil, ferr
		}
		if want > maxFrameLen {
			return nil, fmt.Errorf("%w: announced frame of %d bytes", transport.ErrMalformedResponse, want)
		}
		if want == 0 || len(buf) < want {
			continue
		}
		if len(buf) > want {
			return nil, fmt.Errorf("%w: frame of %d bytes, expected %d", transport.ErrMalformedResponse, len(buf), want)
		}

		pdu, err := decodeFrame(buf, req.TargetID, req.Function)
		if err != nil {
			return nil, err
		}

		return transport.NewResponse(req.Function, pdu, req.Layout)
	}
}

// reset closes the port; the next exchange reopens it.
func (t *Transport) reset(name string, l *line) {
	if l.port == nil {
		return
	}
	if err := l.port.Close(); err != nil {
		t.logger.Warn("close serial port", "port", name, "error", err)
	}
	l.port = nil
}

// Close closes every opened port.
func (t *Transport) Close() error {
	var errs []error
	t.lines.Range(func(name string, l *line) bool {
		l.mu.Lock()
		if l.port != nil {
			if err := l.port.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
			l.port = nil
		}
		l.mu.Unlock()

		return true
	})

	return errors.Join(errs...)
}
