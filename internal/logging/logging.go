// Package logging builds the session logger. Operational messages go to
// ${DATA_DIR}/${SESSION_ID}.log so the terminal only carries conversation
// output.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config string to a zap level. Unknown values mean info.
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New opens the session log file and returns a logger writing to it,
// along with the path and a function that flushes and closes the file.
func New(dataDir, sessionID, level string) (*zap.Logger, string, func(), error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("creating data dir %q: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, sessionID+".log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, "", nil, fmt.Errorf("opening log file: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(file), ParseLevel(level))
	log := zap.New(core).With(zap.String("session", shortID(sessionID)))

	closeFn := func() {
		_ = log.Sync()
		_ = file.Close()
	}
	return log, path, closeFn, nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
