package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-operator/internal/db"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	tmpDir := t.TempDir()
	return &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		Compress:     false,
		LogLevel:     "info",
	}
}

func readAuditLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var out []map[string]interface{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("audit line is not JSON: %v", err)
		}
		out = append(out, line)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(newTestConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewAppLoggerWithInvalidLevel(t *testing.T) {
	config := newTestConfig(t)
	config.LogLevel = "invalid"

	_, err := NewAppLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected log level info, got %s", config.LogLevel)
	}
}

func TestLogToolBlockedWritesAuditLine(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config, nil, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	ctx := WithCorrelationID(context.Background(), "corr-1")
	if err := logger.LogToolBlocked(ctx, "sess-1", "stop_vm", "RED", "VM 103 is a protected resource", true); err != nil {
		t.Fatalf("LogToolBlocked: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readAuditLines(t, config.AuditLogPath)
	if len(lines) != 1 {
		t.Fatalf("expected 1 audit line, got %d", len(lines))
	}
	if lines[0]["event_type"] != string(EventProtectedResourceHit) {
		t.Errorf("expected protected-resource event, got %v", lines[0]["event_type"])
	}
	if lines[0]["correlation_id"] != "corr-1" {
		t.Errorf("expected correlation id from context, got %v", lines[0]["correlation_id"])
	}
	if lines[0]["result"] != string(ResultDenied) {
		t.Errorf("expected denied result, got %v", lines[0]["result"])
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (s *recordingSink) Write(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestSinkReceivesFlushedEvents(t *testing.T) {
	sink := &recordingSink{}
	logger := NewZapLogger(nil, sink)

	ctx := context.Background()
	_ = logger.LogConfirmationRequested(ctx, "s1", "c1", "stop_vm", "RED")
	_ = logger.LogConfirmationResolved(ctx, "s1", "c1", "stop_vm", "deny")
	_ = logger.LogToolExecuted(ctx, "s1", "get_cluster_status", "GREEN", 15*time.Millisecond, nil)
	_ = logger.LogToolExecuted(ctx, "s1", "get_logs", "GREEN", time.Millisecond, errors.New("timeout"))

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 4 {
		t.Fatalf("expected 4 events in sink, got %d", len(sink.events))
	}
	if sink.events[1].Result != ResultDenied {
		t.Errorf("deny decision should be recorded as denied, got %s", sink.events[1].Result)
	}
	if sink.events[3].EventType != EventToolFailed || sink.events[3].Result != ResultFailure {
		t.Errorf("failed tool should be tool.failed/failure, got %s/%s", sink.events[3].EventType, sink.events[3].Result)
	}
}

func TestSinkErrorsDoNotFailLogging(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	logger := NewZapLogger(nil, sink)

	if err := logger.Log(context.Background(), NewEvent(EventServerStarted)); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close should not surface sink errors: %v", err)
	}
}

func TestStoreSinkPersistsEvents(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	logger := NewZapLogger(nil, NewStoreSink(store))
	_ = logger.LogToolBlocked(context.Background(), "s9", "delete_vm", "BLACK", "blocked: tier BLACK", false)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := store.QueryAuditEvents(context.Background(), db.AuditQuery{SessionID: "s9"})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(recs))
	}
	if recs[0].Tool != "delete_vm" || recs[0].Tier != "BLACK" {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := NewZapLogger(nil, nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEventBuilders(t *testing.T) {
	e := NewEvent(EventToolExecuted).
		WithCorrelationID("c").
		WithSession("s").
		WithTool("stop_vm", "RED").
		WithResource("vm/100").
		WithError(errors.New("boom")).
		WithDuration(1500 * time.Millisecond)

	if e.Result != ResultFailure {
		t.Errorf("WithError should set failure result, got %s", e.Result)
	}
	if e.DurationMs != 1500 {
		t.Errorf("expected 1500ms, got %d", e.DurationMs)
	}
	if e.Tool != "stop_vm" || e.Tier != "RED" || e.Resource != "vm/100" {
		t.Errorf("unexpected event fields: %+v", e)
	}
}

func TestGenerateCorrelationIDUnique(t *testing.T) {
	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	if a == "" || a == b {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
