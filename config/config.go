// Package config loads the rig configuration from YAML or TOML and exposes
// the runtime settings subsystems read.
package config

// Config is the rig configuration file.
type Config struct {
	Line     LineConfig     `yaml:"line" toml:"line"`
	Flow     FlowConfig     `yaml:"flow" toml:"flow"`
	CO2      AnalyzerConfig `yaml:"co2" toml:"co2"`
	O2       AnalyzerConfig `yaml:"o2" toml:"o2"`
	Sampling SamplingConfig `yaml:"sampling" toml:"sampling"`
	Fault    FaultConfig    `yaml:"fault" toml:"fault"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Journal  JournalConfig  `yaml:"journal" toml:"journal"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// ---- SERIAL LINE ----

type LineConfig struct {
	// Port is the serial device shared by the three subsystems. Empty leaves
	// the rig unconfigured: every operation is refused.
	Port string `yaml:"port" toml:"port"`
	// Driver is "rawserial" or "mbrtu".
	Driver    string `yaml:"driver" toml:"driver"`
	BaudRate  int    `yaml:"baud_rate" toml:"baud_rate"`
	DataBits  int    `yaml:"data_bits" toml:"data_bits"`
	StopBits  int    `yaml:"stop_bits" toml:"stop_bits"`
	Parity    string `yaml:"parity" toml:"parity"`
	TimeoutMs int    `yaml:"timeout_ms" toml:"timeout_ms"`
	// Serialize allows one exchange at a time on the line. Defaults to true.
	Serialize *bool `yaml:"serialize" toml:"serialize"`
}

// ---- REGISTERS ----

type RegisterConfig struct {
	Address uint16 `yaml:"address" toml:"address"`
	// Kind is "input" or "holding".
	Kind string `yaml:"kind" toml:"kind"`
	// Format is a transport format name, e.g. "float32be".
	Format string  `yaml:"format" toml:"format"`
	Scale  float64 `yaml:"scale" toml:"scale"`
}

// ---- FLOW CONTROLLER ----

type FlowConfig struct {
	DeviceID   uint8  `yaml:"device_id" toml:"device_id"`
	ZeroCoil   uint16 `yaml:"zero_coil" toml:"zero_coil"`
	SpanCoil   uint16 `yaml:"span_coil" toml:"span_coil"`
	SampleCoil uint16 `yaml:"sample_coil" toml:"sample_coil"`

	Cages []CageConfig `yaml:"cages" toml:"cages"`
	// Selected lists the cage numbers visited in rotation, in order.
	Selected []int `yaml:"selected" toml:"selected"`

	FlowRegister RegisterConfig `yaml:"flow_register" toml:"flow_register"`
	// MinFlow flags a flow fault when a reading falls below it.
	MinFlow float64 `yaml:"min_flow" toml:"min_flow"`

	RunDurationMs int `yaml:"run_duration_ms" toml:"run_duration_ms"`
	PollDelayMs   int `yaml:"poll_delay_ms" toml:"poll_delay_ms"`
}

type CageConfig struct {
	Number int    `yaml:"number" toml:"number"`
	Coil   uint16 `yaml:"coil" toml:"coil"`
}

// ---- ANALYZERS ----

type AnalyzerConfig struct {
	DeviceID uint8  `yaml:"device_id" toml:"device_id"`
	PumpCoil uint16 `yaml:"pump_coil" toml:"pump_coil"`

	Status RegisterConfig `yaml:"status" toml:"status"`
	// ReadyValue is the status register value reported by a ready analyzer.
	ReadyValue    float64        `yaml:"ready_value" toml:"ready_value"`
	Concentration RegisterConfig `yaml:"concentration" toml:"concentration"`

	// ZeroRegister is written with 1 to latch the zero point.
	ZeroRegister *uint16 `yaml:"zero_register" toml:"zero_register"`
	// SpanRegister receives the span value as a float over two registers.
	SpanRegister *uint16 `yaml:"span_register" toml:"span_register"`

	// Threshold is the stabilisation band for cyclic sampling.
	Threshold     float64 `yaml:"threshold" toml:"threshold"`
	RunDurationMs int     `yaml:"run_duration_ms" toml:"run_duration_ms"`
	PollDelayMs   int     `yaml:"poll_delay_ms" toml:"poll_delay_ms"`
}

// ---- SAMPLING / FAULTS ----

type SamplingConfig struct {
	// MaxReads caps cyclic sampling. Zero samples until converged or cancelled.
	MaxReads int `yaml:"max_reads" toml:"max_reads"`
	DelayMs  int `yaml:"delay_ms" toml:"delay_ms"`
}

type FaultConfig struct {
	// Threshold flags a sensor fault when two consecutive readings differ by more.
	Threshold float64 `yaml:"threshold" toml:"threshold"`
}

// ---- DAEMON ----

type ServerConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Source bool   `yaml:"source" toml:"source"`
}
