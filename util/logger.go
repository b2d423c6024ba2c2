package util

import (
	"io"
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetStdLogger adapts parent for libraries that log through the standard
// library, such as the ErrorLog of http.Server. Output lands at warn level.
func GetStdLogger(parent *zap.Logger, sub string) *log.Logger {
	logger, err := zap.NewStdLogAt(parent.With(zap.String("subsystem", sub)), zapcore.WarnLevel)
	if err != nil {
		parent.Error("Unable to create standard logger, discarding its output", zap.String("subsystem", sub), zap.Error(err))
		return log.New(io.Discard, "", 0)
	}
	return logger
}
