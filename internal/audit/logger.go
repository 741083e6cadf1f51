package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-operator/internal/db"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Safety gate events
	LogToolBlocked(ctx context.Context, sessionID, tool, tier, reason string, protected bool) error
	LogConfirmationRequested(ctx context.Context, sessionID, confirmationID, tool, tier string) error
	LogConfirmationResolved(ctx context.Context, sessionID, confirmationID, tool, decision string) error

	// LogToolExecuted logs a finished tool call; err is nil on success.
	LogToolExecuted(ctx context.Context, sessionID, tool, tier string, duration time.Duration, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file. Empty disables
	// the file copy of the application log.
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// LogFormat is json or console for the stderr application log
	LogFormat string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// Sink receives every flushed event, e.g. a database table.
type Sink interface {
	Write(ctx context.Context, event *Event) error
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewAppLogger builds the process logger: stderr plus, when AppLogPath is
// set, a rotated JSON file.
func NewAppLogger(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	var stderrEncoder zapcore.Encoder
	if config.LogFormat == "console" {
		ec := encoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		stderrEncoder = zapcore.NewConsoleEncoder(ec)
	} else {
		stderrEncoder = zapcore.NewJSONEncoder(encoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(stderrEncoder, zapcore.Lock(os.Stderr), level)}

	if config.AppLogPath != "" {
		appRotator := &lumberjack.Logger{
			Filename:   config.AppLogPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(appRotator),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	sink        Sink
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives internal errors;
// sink, when non-nil, receives a copy of every event.
func NewLogger(config *Config, appLogger *zap.Logger, sink Sink) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	// Audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	return newLogger(appLogger, zap.New(auditCore), sink), nil
}

// NewZapLogger writes audit events to an existing zap logger. Used by tests
// and by deployments that ship audit lines through the application log.
func NewZapLogger(target *zap.Logger, sink Sink) Logger {
	if target == nil {
		target = zap.NewNop()
	}
	return newLogger(target, target, sink)
}

func newLogger(app, auditZap *zap.Logger, sink Sink) *auditLogger {
	l := &auditLogger{
		appLogger:   app,
		auditLogger: auditZap,
		sink:        sink,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go l.autoFlush()
	return l
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Add to buffer
	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	// Write all buffered events
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)

		if l.sink != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.sink.Write(ctx, event); err != nil {
				l.appLogger.Warn("audit sink write failed",
					zap.Error(err),
					zap.String("event_type", string(event.EventType)),
				)
			}
			cancel()
		}
	}

	// Clear buffer
	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogToolBlocked logs a safety denial
func (l *auditLogger) LogToolBlocked(ctx context.Context, sessionID, tool, tier, reason string, protected bool) error {
	eventType := EventToolBlocked
	if protected {
		eventType = EventProtectedResourceHit
	}
	event := NewEvent(eventType).
		WithSession(sessionID).
		WithTool(tool, tier).
		WithResult(ResultDenied).
		WithDescription(reason)

	return l.Log(ctx, event)
}

// LogConfirmationRequested logs a pause for human authorization
func (l *auditLogger) LogConfirmationRequested(ctx context.Context, sessionID, confirmationID, tool, tier string) error {
	event := NewEvent(EventConfirmationRequested).
		WithSession(sessionID).
		WithTool(tool, tier).
		WithResult(ResultPending).
		WithMetadata("confirmation_id", confirmationID).
		WithDescription(fmt.Sprintf("Confirmation requested for %s", tool))

	return l.Log(ctx, event)
}

// LogConfirmationResolved logs the human decision
func (l *auditLogger) LogConfirmationResolved(ctx context.Context, sessionID, confirmationID, tool, decision string) error {
	result := ResultSuccess
	if decision != "authorize" {
		result = ResultDenied
	}
	event := NewEvent(EventConfirmationResolved).
		WithSession(sessionID).
		WithTool(tool, "").
		WithResult(result).
		WithMetadata("confirmation_id", confirmationID).
		WithMetadata("decision", decision).
		WithDescription(fmt.Sprintf("Confirmation for %s resolved: %s", tool, decision))

	return l.Log(ctx, event)
}

// LogToolExecuted logs a finished tool call
func (l *auditLogger) LogToolExecuted(ctx context.Context, sessionID, tool, tier string, duration time.Duration, err error) error {
	eventType := EventToolExecuted
	if err != nil {
		eventType = EventToolFailed
	}
	event := NewEvent(eventType).
		WithSession(sessionID).
		WithTool(tool, tier).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithError(err).
		WithDescription(fmt.Sprintf("Tool %s executed", tool))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	// Syncing stderr-backed loggers fails on some platforms; ignore that.
	_ = l.auditLogger.Sync()
	return nil
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

// ─── Database sink ───────────────────────────────────────────────────────────

type storeSink struct {
	store db.AuditStore
}

// NewStoreSink persists events into the audit_events table.
func NewStoreSink(store db.AuditStore) Sink {
	return &storeSink{store: store}
}

func (s *storeSink) Write(ctx context.Context, event *Event) error {
	meta := "{}"
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	desc := event.Description
	if event.Error != "" {
		desc = desc + ": " + event.Error
	}
	return s.store.AppendAuditEvent(ctx, &db.AuditRecord{
		CorrelationID: event.CorrelationID,
		EventType:     string(event.EventType),
		SessionID:     event.SessionID,
		Tool:          event.Tool,
		Tier:          event.Tier,
		Description:   desc,
		Resource:      event.Resource,
		Result:        string(event.Result),
		Metadata:      meta,
		Timestamp:     event.Timestamp,
	})
}

// ─── Correlation IDs ─────────────────────────────────────────────────────────

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
