package config

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Setting keys read by the rig.
const (
	KeyPort            = "port"
	KeyCages           = "cages"
	KeyFlowRunDuration = "flow.run_duration"
	KeyFlowPollDelay   = "flow.poll_delay"
	KeyFlowMinFlow     = "flow.min_flow"
	KeyCO2RunDuration  = "co2.run_duration"
	KeyCO2PollDelay    = "co2.poll_delay"
	KeyCO2Threshold    = "co2.threshold"
	KeyO2RunDuration   = "o2.run_duration"
	KeyO2PollDelay     = "o2.poll_delay"
	KeyO2Threshold     = "o2.threshold"
	KeyFaultThreshold  = "fault.threshold"
	KeySamplingMax     = "sampling.max_reads"
	KeySamplingDelay   = "sampling.delay"
)

// Settings is a concurrent key/value store of runtime settings.
//
// Values are read at the moment an operation needs them, so a Set between
// two operations takes effect on the next one.
type Settings struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSettings returns settings seeded from cfg. A nil cfg yields empty settings.
func NewSettings(cfg *Config) *Settings {
	s := &Settings{values: make(map[string]any)}
	if cfg == nil {
		return s
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	s.values[KeyPort] = cfg.Line.Port
	s.values[KeyCages] = append([]int(nil), cfg.Flow.Selected...)
	s.values[KeyFlowRunDuration] = ms(cfg.Flow.RunDurationMs)
	s.values[KeyFlowPollDelay] = ms(cfg.Flow.PollDelayMs)
	s.values[KeyFlowMinFlow] = cfg.Flow.MinFlow
	s.values[KeyCO2RunDuration] = ms(cfg.CO2.RunDurationMs)
	s.values[KeyCO2PollDelay] = ms(cfg.CO2.PollDelayMs)
	s.values[KeyCO2Threshold] = cfg.CO2.Threshold
	s.values[KeyO2RunDuration] = ms(cfg.O2.RunDurationMs)
	s.values[KeyO2PollDelay] = ms(cfg.O2.PollDelayMs)
	s.values[KeyO2Threshold] = cfg.O2.Threshold
	s.values[KeyFaultThreshold] = cfg.Fault.Threshold
	s.values[KeySamplingMax] = cfg.Sampling.MaxReads
	s.values[KeySamplingDelay] = ms(cfg.Sampling.DelayMs)

	return s
}

// Get returns the value stored under key, or def when there is none.
func (s *Settings) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[key]; ok {
		return v
	}

	return def
}

// Set stores value under key.
func (s *Settings) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// String returns the value under key as a string.
func (s *Settings) String(key, def string) string {
	switch v := s.Get(key, def).(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return def
	}
}

// Float returns the value under key as a float64. Integer values and
// numeric strings are converted; anything else yields def.
func (s *Settings) Float(key string, def float64) float64 {
	switch v := s.Get(key, def).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}

	return def
}

// Int returns the value under key as an int.
func (s *Settings) Int(key string, def int) int {
	switch v := s.Get(key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}

	return def
}

// Duration returns the value under key as a duration. Plain integers are
// milliseconds and strings use time.ParseDuration syntax.
func (s *Settings) Duration(key string, def time.Duration) time.Duration {
	switch v := s.Get(key, def).(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return def
}

// Ints returns a copy of the int list under key.
func (s *Settings) Ints(key string) []int {
	switch v := s.Get(key, nil).(type) {
	case []int:
		return append([]int(nil), v...)
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			if n, ok := e.(int); ok {
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}
