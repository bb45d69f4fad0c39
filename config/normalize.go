package config

// Defaults applied by Normalize.
const (
	DefaultDriver      = "rawserial"
	DefaultBaudRate    = 9600
	DefaultTimeoutMs   = 1000
	DefaultPollDelayMs = 1000
	DefaultFormat      = "float32be"
	DefaultThreshold   = 0.1
	DefaultListen      = ":8080"
	DefaultLogLevel    = "info"

	DefaultFlowDeviceID = 1
	DefaultCO2DeviceID  = 2
	DefaultO2DeviceID   = 3
)

// Normalize fills defaults. It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	l := &cfg.Line
	if l.Driver == "" {
		l.Driver = DefaultDriver
	}
	if l.BaudRate == 0 {
		l.BaudRate = DefaultBaudRate
	}
	if l.DataBits == 0 {
		l.DataBits = 8
	}
	if l.StopBits == 0 {
		l.StopBits = 1
	}
	if l.Parity == "" {
		l.Parity = "N"
	}
	if l.TimeoutMs == 0 {
		l.TimeoutMs = DefaultTimeoutMs
	}
	if l.Serialize == nil {
		on := true
		l.Serialize = &on
	}

	f := &cfg.Flow
	if f.DeviceID == 0 {
		f.DeviceID = DefaultFlowDeviceID
	}
	if f.ZeroCoil == 0 && f.SpanCoil == 0 && f.SampleCoil == 0 {
		f.ZeroCoil, f.SpanCoil, f.SampleCoil = 0, 1, 2
	}
	normalizeRegister(&f.FlowRegister)
	if f.PollDelayMs == 0 {
		f.PollDelayMs = DefaultPollDelayMs
	}
	if len(f.Selected) == 0 {
		for _, c := range f.Cages {
			f.Selected = append(f.Selected, c.Number)
		}
	}

	normalizeAnalyzer(&cfg.CO2, DefaultCO2DeviceID)
	normalizeAnalyzer(&cfg.O2, DefaultO2DeviceID)

	if cfg.Fault.Threshold == 0 {
		cfg.Fault.Threshold = 1
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func normalizeAnalyzer(a *AnalyzerConfig, id uint8) {
	if a.DeviceID == 0 {
		a.DeviceID = id
	}
	normalizeRegister(&a.Concentration)
	if a.Status.Kind == "" {
		a.Status.Kind = "holding"
	}
	if a.Status.Format == "" {
		a.Status.Format = "uint16"
	}
	if a.Status.Address == 0 {
		a.Status.Address = 2
	}
	if a.ReadyValue == 0 {
		a.ReadyValue = 1
	}
	if a.Threshold == 0 {
		a.Threshold = DefaultThreshold
	}
	if a.PollDelayMs == 0 {
		a.PollDelayMs = DefaultPollDelayMs
	}
}

func normalizeRegister(r *RegisterConfig) {
	if r.Kind == "" {
		r.Kind = "input"
	}
	if r.Format == "" {
		r.Format = DefaultFormat
	}
}
