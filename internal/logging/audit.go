package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT TRAIL - one JSON line per invocation, gate decision and publication
// =============================================================================

// AuditEventType identifies an audit record.
type AuditEventType string

const (
	AuditLLMCall         AuditEventType = "llm_call"
	AuditLLMError        AuditEventType = "llm_error"
	AuditModelSubstitute AuditEventType = "model_substitute"
	AuditGateVerdict     AuditEventType = "gate_verdict"
	AuditGateFallback    AuditEventType = "gate_fallback"
	AuditPipelineBlocked AuditEventType = "pipeline_blocked"
	AuditPipelineDone    AuditEventType = "pipeline_complete"
	AuditPublish         AuditEventType = "publish"
)

// AuditEvent is a single audit record. Timestamp is set by the encoder on
// write and only populated when reading a trail back.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditLogger *zap.Logger
	auditMu     sync.Mutex
)

// AuditLogger writes audit events scoped to one pipeline run.
type AuditLogger struct {
	runID string
}

// newAuditCore encodes one JSON object per event: ts in unix millis, the event
// type under "event", no level or caller.
func newAuditCore(file *os.File) zapcore.Core {
	encCfg := zapcore.EncoderConfig{
		TimeKey:    "ts",
		MessageKey: "event",
		LineEnding: zapcore.DefaultLineEnding,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendInt64(t.UnixMilli())
		},
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zapcore.DebugLevel)
}

// InitAudit opens the audit file. No-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	auditLogger = zap.New(newAuditCore(file))
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger != nil {
		_ = auditLogger.Sync()
		auditLogger = nil
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRun creates an audit logger scoped to a pipeline run.
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger == nil {
		return
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}

	fields := make([]zap.Field, 0, 7)
	if event.RunID != "" {
		fields = append(fields, zap.String("run", event.RunID))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	fields = append(fields, zap.Bool("success", event.Success))
	if event.DurationMs != 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}
	auditLogger.Info(string(event.EventType), fields...)
}

// LLMCall records one completed or failed generative-AI call.
func (a *AuditLogger) LLMCall(model string, attempts int, durationMs int64, err error) {
	e := AuditEvent{
		EventType:  AuditLLMCall,
		Target:     model,
		Success:    err == nil,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"attempts": attempts},
	}
	if err != nil {
		e.EventType = AuditLLMError
		e.Error = err.Error()
	}
	a.Log(e)
}

// ModelSubstitute records the model policy replacing a requested model.
func (a *AuditLogger) ModelSubstitute(requested, substituted string) {
	a.Log(AuditEvent{
		EventType: AuditModelSubstitute,
		Target:    substituted,
		Action:    requested,
		Success:   true,
	})
}

// GateVerdict records the verdict a gate produced.
func (a *AuditLogger) GateVerdict(stage string, score float64, passed, usedFallback bool) {
	e := AuditEvent{
		EventType: AuditGateVerdict,
		Target:    stage,
		Success:   passed,
		Fields:    map[string]interface{}{"score": score, "fallback": usedFallback},
	}
	if usedFallback {
		e.EventType = AuditGateFallback
	}
	a.Log(e)
}

// PipelineEnd records the terminal state of a run.
func (a *AuditLogger) PipelineEnd(documentID, verdict string, blocked bool, durationMs int64) {
	e := AuditEvent{
		EventType:  AuditPipelineDone,
		Target:     documentID,
		Action:     verdict,
		Success:    !blocked,
		DurationMs: durationMs,
	}
	if blocked {
		e.EventType = AuditPipelineBlocked
	}
	a.Log(e)
}

// Publish records a publication attempt.
func (a *AuditLogger) Publish(key string, err error) {
	e := AuditEvent{EventType: AuditPublish, Target: key, Success: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}
