package logutil

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PollLog captures one poll job's records in memory while still passing
// them through the parent logger. The buffer core runs at debug level no
// matter what the parent filters, so the stored job log keeps the full
// detail.
type PollLog struct {
	buf *lockedBuffer
	log *zap.SugaredLogger
}

// NewPollLog derives a job logger named after the server being polled.
func NewPollLog(parent *zap.SugaredLogger, name string) *PollLog {
	buf := &lockedBuffer{}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = timeEncoder
	encCfg.CallerKey = zapcore.OmitKey
	bufCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(buf), zapcore.DebugLevel)

	tee := parent.Desugar().Named(name).WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, bufCore)
	}))
	return &PollLog{buf: buf, log: tee.Sugar()}
}

// Logger returns the job-scoped logger.
func (p *PollLog) Logger() *zap.SugaredLogger {
	return p.log
}

// String renders everything logged through the job logger so far.
func (p *PollLog) String() string {
	return p.buf.String()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
