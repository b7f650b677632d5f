package debug

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Debug levels
const (
	LevelOff     = 0 // Errors only
	LevelInfo    = 1 // Important info (state changes, calibration results)
	LevelLive    = 2 // Live info (triggers, shutter moves)
	LevelVerbose = 3 // Verbose (positions, profiles, config)
	LevelTrace   = 4 // Trace (GPIO, controller wire traffic)
)

var (
	level  int
	logger = logrus.New()
)

// Init initializes the debug system with a level (0-4).
// 0 = errors only
// 1 = important info (state changes, calibration)
// 2 = live info (triggers, shutter moves)
// 3 = verbose (positions, profiles, config dump)
// 4 = trace (GPIO, controller traffic)
func Init(debugLevel int) {
	level = debugLevel
	switch {
	case level <= LevelOff:
		logger.SetLevel(logrus.ErrorLevel)
	case level == LevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case level < LevelTrace:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.TraceLevel)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// SetOutput redirects all log output (e.g. to the web status stream).
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetFormatter replaces the logrus formatter.
func SetFormatter(f logrus.Formatter) {
	logger.SetFormatter(f)
}

// Logger returns the underlying logger for structured fields.
func Logger() *logrus.Logger {
	return logger
}

// WithChannel returns an entry tagged with a shutter channel index.
func WithChannel(ch int) *logrus.Entry {
	return logger.WithField("channel", ch)
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo {
		logger.Infof(format, args...)
	}
}

// Warn prints a warning. Warnings are shown from level 1.
func Warn(format string, args ...interface{}) {
	if level >= LevelInfo {
		logger.Warnf(format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelInfo {
		logger.Info("═══════════════════════════════════════")
		logger.Infof("  %s", title)
		logger.Info("═══════════════════════════════════════")
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive {
		logger.WithField("live", true).Debugf(format, args...)
	}
}

// Move prints a shutter movement (level 2).
func Move(channel int, target int64, what string) {
	if level >= LevelLive {
		logger.WithFields(logrus.Fields{"channel": channel, "target": target}).Debugf("shutter %d -> %s", channel, what)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose {
		logger.Debugf(format, args...)
	}
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose {
		logger.Debugf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose {
		logger.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Debugf("  %s", name)
		logger.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose {
		logger.Debugf("Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo {
		logger.Infof("  %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace {
		logger.Tracef(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace {
		logger.WithFields(logrus.Fields{"pin": pin, "value": value}).Tracef("gpio %s", operation)
	}
}

// Wire prints controller traffic (level 4).
func Wire(direction, line string) {
	if level >= LevelTrace {
		logger.WithField("dir", direction).Tracef("wire %q", line)
	}
}

// --- General functions ---

// Error prints an error. Errors are always shown.
func Error(err error) {
	logger.WithError(err).Error("error")
}

// Errorf prints a formatted error. Errors are always shown.
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fmt returns a formatted string only if debug is enabled
// (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if level > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}

func init() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Init(LevelOff)
}
