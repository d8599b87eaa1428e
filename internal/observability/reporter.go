package observability

import (
	"sync"

	"go.uber.org/zap"
)

// Reporter receives coarse progress notifications from long-running
// operations so a caller can surface them to a user.
type Reporter interface {
	// Progress reports that stage has reached index of total. total is zero
	// when the operation has no known length.
	Progress(stage string, index, total int)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(stage string, index, total int)

func (f ReporterFunc) Progress(stage string, index, total int) { f(stage, index, total) }

// NopReporter discards every notification.
type NopReporter struct{}

func (NopReporter) Progress(string, int, int) {}

// LogReporter writes progress to a zap logger, suppressing repeats of the
// same stage and index.
type LogReporter struct {
	logger *zap.Logger

	mu        sync.Mutex
	lastStage string
	lastIndex int
}

// NewLogReporter creates a reporter that logs at info level.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("progress"), lastIndex: -1}
}

func (r *LogReporter) Progress(stage string, index, total int) {
	r.mu.Lock()
	if stage == r.lastStage && index == r.lastIndex {
		r.mu.Unlock()
		return
	}
	r.lastStage, r.lastIndex = stage, index
	r.mu.Unlock()

	fields := []zap.Field{zap.String("stage", stage), zap.Int("index", index)}
	if total > 0 {
		fields = append(fields, zap.Int("total", total))
	}
	r.logger.Info("Progress", fields...)
}
