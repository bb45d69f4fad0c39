package config

import (
	"fmt"

	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/transport"
)

// MaxDeviceID is the highest Modbus unit address on a serial line.
const MaxDeviceID = 247

// Validate checks configuration correctness.
// It performs declarative validation only and never mutates cfg.
// Zero values are accepted wherever Normalize supplies a default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}

	// ------------------------------------------------------------
	// SERIAL LINE
	// ------------------------------------------------------------

	l := cfg.Line
	switch l.Driver {
	case "", "rawserial", "mbrtu":
	default:
		return fmt.Errorf("line: unknown driver %q", l.Driver)
	}
	switch l.Parity {
	case "", "N", "E", "O":
	default:
		return fmt.Errorf("line: parity must be N, E or O, got %q", l.Parity)
	}
	if l.BaudRate < 0 {
		return fmt.Errorf("line: negative baud_rate %d", l.BaudRate)
	}
	if l.DataBits != 0 && (l.DataBits < 5 || l.DataBits > 8) {
		return fmt.Errorf("line: data_bits must be 5..8, got %d", l.DataBits)
	}
	if l.StopBits != 0 && l.StopBits != 1 && l.StopBits != 2 {
		return fmt.Errorf("line: stop_bits must be 1 or 2, got %d", l.StopBits)
	}
	if l.TimeoutMs < 0 {
		return fmt.Errorf("line: negative timeout_ms %d", l.TimeoutMs)
	}

	// ------------------------------------------------------------
	// FLOW CONTROLLER
	// ------------------------------------------------------------

	f := cfg.Flow
	if err := validateDevice("flow", f.DeviceID); err != nil {
		return err
	}
	if err := validateRegister("flow.flow_register", f.FlowRegister); err != nil {
		return err
	}
	if err := validateTiming("flow", f.RunDurationMs, f.PollDelayMs); err != nil {
		return err
	}
	if f.MinFlow < 0 {
		return fmt.Errorf("flow: negative min_flow %v", f.MinFlow)
	}

	cages := make(map[int]uint16, len(f.Cages))
	for _, c := range f.Cages {
		if _, dup := cages[c.Number]; dup {
			return fmt.Errorf("flow: cage %d defined twice", c.Number)
		}
		cages[c.Number] = c.Coil
	}
	for _, n := range f.Selected {
		if _, ok := cages[n]; !ok {
			return fmt.Errorf("flow: selected cage %d is not defined", n)
		}
	}

	// ------------------------------------------------------------
	// ANALYZERS
	// ------------------------------------------------------------

	for _, a := range []struct {
		name string
		cfg  AnalyzerConfig
	}{{"co2", cfg.CO2}, {"o2", cfg.O2}} {
		if err := validateDevice(a.name, a.cfg.DeviceID); err != nil {
			return err
		}
		if err := validateRegister(a.name+".status", a.cfg.Status); err != nil {
			return err
		}
		if err := validateRegister(a.name+".concentration", a.cfg.Concentration); err != nil {
			return err
		}
		if err := validateTiming(a.name, a.cfg.RunDurationMs, a.cfg.PollDelayMs); err != nil {
			return err
		}
		if a.cfg.Threshold < 0 {
			return fmt.Errorf("%s: negative threshold %v", a.name, a.cfg.Threshold)
		}
	}

	if cfg.Flow.DeviceID != 0 && cfg.Flow.DeviceID == cfg.CO2.DeviceID ||
		cfg.CO2.DeviceID != 0 && cfg.CO2.DeviceID == cfg.O2.DeviceID ||
		cfg.O2.DeviceID != 0 && cfg.O2.DeviceID == cfg.Flow.DeviceID {
		return fmt.Errorf("device_id must differ between flow, co2 and o2")
	}

	// ------------------------------------------------------------
	// SAMPLING / FAULTS / LOG
	// ------------------------------------------------------------

	if cfg.Sampling.MaxReads < 0 {
		return fmt.Errorf("sampling: negative max_reads %d", cfg.Sampling.MaxReads)
	}
	if cfg.Sampling.DelayMs < 0 {
		return fmt.Errorf("sampling: negative delay_ms %d", cfg.Sampling.DelayMs)
	}
	if cfg.Fault.Threshold < 0 {
		return fmt.Errorf("fault: negative threshold %v", cfg.Fault.Threshold)
	}
	if cfg.Log.Level != "" && !logger.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}

	return nil
}

func validateDevice(name string, id uint8) error {
	if id > MaxDeviceID {
		return fmt.Errorf("%s: device_id %d exceeds %d", name, id, MaxDeviceID)
	}

	return nil
}

func validateRegister(name string, r RegisterConfig) error {
	switch r.Kind {
	case "", "input", "holding":
	default:
		return fmt.Errorf("%s: kind must be input or holding, got %q", name, r.Kind)
	}
	if r.Format != "" {
		f, err := transport.ParseFormat(r.Format)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if f == transport.Bool {
			return fmt.Errorf("%s: bool is not a register format", name)
		}
	}

	return nil
}

func validateTiming(name string, runMs, delayMs int) error {
	if runMs < 0 {
		return fmt.Errorf("%s: negative run_duration_ms %d", name, runMs)
	}
	if delayMs < 0 {
		return fmt.Errorf("%s: negative poll_delay_ms %d", name, delayMs)
	}

	return nil
}
