package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wesleyorama2/vuramp/internal/load/scheduler"
)

// EventLogger writes scheduler events to a zap logger. Worker lifecycle and
// iteration failures go to debug; stage, drain and abort events go to info
// or warn.
type EventLogger struct {
	log *zap.Logger
}

var _ scheduler.Observer = (*EventLogger)(nil)

// NewEventLogger returns an observer logging to log.
func NewEventLogger(log *zap.Logger) *EventLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventLogger{log: log.Named("scheduler")}
}

// OnEvent logs e.
func (l *EventLogger) OnEvent(e scheduler.Event) {
	level := eventLevel(e.Kind)
	ce := l.log.Check(level, e.Kind.String())
	if ce == nil {
		return
	}

	fields := []zap.Field{zap.Duration("elapsed", e.Elapsed)}
	switch e.Kind {
	case scheduler.StageEntered:
		fields = append(fields,
			zap.Int("stage", e.Stage),
			zap.String("stageName", e.StageName),
			zap.Int("desired", e.Desired),
		)
	case scheduler.WorkerSpawned, scheduler.WorkerStopping, scheduler.WorkerStopped:
		fields = append(fields,
			zap.Int("worker", e.WorkerID),
			zap.Int("desired", e.Desired),
			zap.Int("live", e.Live),
		)
	case scheduler.IterationFailed:
		fields = append(fields, zap.Int("worker", e.WorkerID), zap.Error(e.Err))
	case scheduler.DrainStarted, scheduler.DrainDeadlineExceeded:
		fields = append(fields, zap.Int("live", e.Live))
	case scheduler.AbortRequested:
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Err != nil && e.Kind != scheduler.IterationFailed {
		fields = append(fields, zap.Error(e.Err))
	}

	ce.Write(fields...)
}

func eventLevel(k scheduler.EventKind) zapcore.Level {
	switch k {
	case scheduler.StageEntered, scheduler.DrainStarted:
		return zapcore.InfoLevel
	case scheduler.DrainDeadlineExceeded, scheduler.AbortRequested:
		return zapcore.WarnLevel
	default:
		return zapcore.DebugLevel
	}
}
