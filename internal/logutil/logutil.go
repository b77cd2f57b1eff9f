// Package logutil builds the zap loggers used by the aprs2net daemons.
package logutil

import (
	"log"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006/01/02 15:04:05"))
}

// NewLogger returns the process-wide sugared logger. Each line carries
// the timestamp, level and caller before the message, e.g.:
//
//	2026/02/11 10:23:27     INFO    poller/worker.go:121    polling T2FINLAND
//
// Unknown level names fall back to info. Stray stdlib log output is
// redirected into the returned logger.
func NewLogger(level string) *zap.SugaredLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = timeEncoder

	logger, err := cfg.Build()
	if err != nil {
		log.Panicf("can't zap: %s", err)
	}
	_ = zap.RedirectStdLog(logger)

	return logger.Sugar()
}
