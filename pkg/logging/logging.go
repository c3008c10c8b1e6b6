package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	current atomic.Pointer[zap.SugaredLogger]
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// GetInstanceID returns the identifier of this process used in every log line
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// INSTANCE_ID allows a fixed id, then POD_NAME, then HOSTNAME, then the os hostname
		instanceID = os.Getenv("INSTANCE_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				// Use last 8 chars of hostname as fallback
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

// Configure rebuilds the process logger from a level ("debug", "info", ...)
// and a format ("text" or "json").
func Configure(levelName, format string) error {
	if levelName != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(levelName))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", levelName, err)
		}
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "", "text", "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	SetLogger(zap.New(core))
	return nil
}

// SetLogger replaces the process logger. The instance id is attached as a field.
func SetLogger(l *zap.Logger) {
	current.Store(l.Sugar().With("instance", GetInstanceID()))
}

func logger() *zap.SugaredLogger {
	if l := current.Load(); l != nil {
		return l
	}
	_ = Configure("", "text")
	return current.Load()
}

// DebugEnabled reports whether debug lines are emitted
func DebugEnabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}

// Logf logs a formatted message at info level
func Logf(format string, v ...interface{}) {
	logger().Infof(format, v...)
}

// Log logs a message at info level
func Log(v ...interface{}) {
	logger().Info(v...)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, v ...interface{}) {
	logger().Debugf(format, v...)
}

// Warnf logs a formatted message at warn level
func Warnf(format string, v ...interface{}) {
	logger().Warnf(format, v...)
}

// Errorf logs a formatted message at error level
func Errorf(format string, v ...interface{}) {
	logger().Errorf(format, v...)
}

// Fatalf logs a fatal error and exits
func Fatalf(format string, v ...interface{}) {
	logger().Fatalf(format, v...)
}

// Flush writes any buffered log entries
func Flush() {
	_ = logger().Sync()
}
