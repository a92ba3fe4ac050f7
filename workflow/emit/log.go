package emit

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEmitter writes events as structured zap log entries.
//
// Failure events (node_error, workflow_failed, workflow_timeout) are logged
// at warn level, everything else at debug unless WithInfoLevel is used:
//
//	emitter := emit.NewLogEmitter(logger)
//	// {"level":"debug","msg":"node_complete","workflow":"etl","execution_id":"...","node":"load","duration_ms":12}
type LogEmitter struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLogEmitter returns an emitter logging through logger. A nil logger
// discards everything.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger, level: zapcore.DebugLevel}
}

// WithInfoLevel raises routine events from debug to info.
func (l *LogEmitter) WithInfoLevel() *LogEmitter {
	l.level = zapcore.InfoLevel
	return l
}

func (l *LogEmitter) Emit(event Event) {
	level := l.level
	switch event.Msg {
	case NodeError, WorkflowFailed, WorkflowTimeout:
		level = zapcore.WarnLevel
	}
	ce := l.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields,
		zap.String("workflow", event.WorkflowName),
		zap.String("execution_id", event.ExecutionID),
	)
	if event.NodeName != "" {
		fields = append(fields, zap.String("node", event.NodeName))
	}
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Meta[k]))
	}
	ce.Write(fields...)
}
