// Package log provides structured logging for the private loader using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Short "ts" key and ISO8601 timestamps in both modes
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Hex formats an address as a hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uintptr) zap.Field {
	return zap.String("addr", Hex(uint64(addr)))
}

// Base creates a module base field.
func Base(base uintptr) zap.Field {
	return zap.String("base", Hex(uint64(base)))
}

// Size creates a size field.
func Size(size uintptr) zap.Field {
	return zap.Uint64("size", uint64(size))
}

// Delta creates a load delta field.
func Delta(delta uintptr) zap.Field {
	return zap.String("delta", Hex(uint64(delta)))
}

// Lib creates a library name field.
func Lib(name string) zap.Field {
	return zap.String("lib", name)
}

// Sym creates a symbol name field.
func Sym(name string) zap.Field {
	return zap.String("sym", name)
}

// Path creates a filesystem path field.
func Path(p string) zap.Field {
	return zap.String("path", p)
}
