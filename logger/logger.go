// Package logger defines the logging contract used across go-gasrig.
//
// Rig components never talk to a logging framework directly; they receive a
// Logger through their options (falling back to the package default) and log
// with structured key-value pairs:
//
//	log.Info("valve switched", "subsystem", "flow", "coil", 3, "open", true)
//
// Log Levels:
//
//   - DebugLevel: per-exchange transport traffic and worker iterations.
//   - InfoLevel: procedure steps (start, run, stop, calibration milestones).
//   - WarnLevel: recoverable anomalies such as flow or sensor faults.
//   - ErrorLevel: rejected chains and failed exchanges.
//   - FatalLevel: unrecoverable start-up failures in the daemon.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs are voluminous and usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual
	// human review.
	WarnLevel
	// ErrorLevel logs are high-priority.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// Logger defines a common interface for logging.
type Logger interface {
	// Debug logs a message at DebugLevel.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel and then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger carrying the given key-values.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}

// ParseLevel maps a textual level ("debug", "info", "warn", "error") to a Level.
// Unknown names map to InfoLevel.
func ParseLevel(name string) Level {
	switch name {
	case "debug", "DEBUG":
		return DebugLevel
	case "warn", "warning", "WARN":
		return WarnLevel
	case "error", "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// ValidLevel reports whether name is a level ParseLevel recognizes.
func ValidLevel(name string) bool {
	switch name {
	case "debug", "DEBUG", "info", "INFO", "warn", "warning", "WARN", "error", "ERROR":
		return true
	default:
		return false
	}
}
