package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/logging"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log buffers an audit event for writing.
	Log(ctx context.Context, event *Event) error

	// Sync flushes buffered events.
	Sync() error

	// Close flushes and stops the background flusher.
	Close() error
}

// auditLogger writes events as JSON lines to a rotated file.
type auditLogger struct {
	out        *zap.Logger
	app        *zap.Logger
	bufferSize int

	mu     sync.Mutex
	buffer []*Event

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewLogger creates a file-backed audit logger. app receives internal errors.
func NewLogger(cfg config.AuditConfig, app *zap.Logger) (Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     90,
		Compress:   true,
	}
	// Audit lines are always written at INFO.
	core := zapcore.NewCore(zapcore.NewJSONEncoder(logging.EncoderConfig()), zapcore.AddSync(rotator), zapcore.InfoLevel)

	l := &auditLogger{
		out:        zap.New(core),
		app:        logging.OrNop(app),
		bufferSize: cfg.BufferSize,
		buffer:     make([]*Event, 0, cfg.BufferSize),
		ticker:     time.NewTicker(cfg.FlushInterval),
		stopCh:     make(chan struct{}),
	}
	go l.autoFlush()
	return l, nil
}

func (l *auditLogger) Log(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.bufferSize {
		l.flushLocked()
	}
	return nil
}

// flushLocked writes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() {
	for _, ev := range l.buffer {
		fields := []zap.Field{
			zap.Time("event_time", ev.Timestamp),
			zap.String("correlation_id", ev.CorrelationID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("result", string(ev.Result)),
			zap.Int("round", ev.Round),
		}
		if ev.Actor != "" {
			fields = append(fields, zap.String("actor", ev.Actor))
		}
		if ev.TaskID != "" {
			fields = append(fields, zap.String("task_id", ev.TaskID), zap.String("agent_kind", ev.AgentKind))
		}
		if ev.Error != "" {
			fields = append(fields, zap.String("error", ev.Error), zap.String("error_code", ev.ErrorCode))
		}
		if ev.DurationMs > 0 {
			fields = append(fields, zap.Int64("duration_ms", ev.DurationMs))
		}
		if len(ev.Metadata) > 0 {
			fields = append(fields, zap.Any("metadata", ev.Metadata))
		}
		l.out.Info(ev.Description, fields...)
	}
	l.buffer = l.buffer[:0]
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.ticker.C:
			l.mu.Lock()
			l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
	if err := l.out.Sync(); err != nil {
		l.app.Warn("audit sync failed", zap.Error(err))
		return err
	}
	return nil
}

func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.ticker.Stop()
	})
	return l.Sync()
}

// MemoryLogger keeps events in memory. Used by tests and the nop wiring.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLogger returns an empty in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) Log(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	m.mu.Lock()
	m.events = append(m.events, *event)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Count returns how many events of type t were recorded.
func (m *MemoryLogger) Count(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.EventType == t {
			n++
		}
	}
	return n
}

func (m *MemoryLogger) Sync() error  { return nil }
func (m *MemoryLogger) Close() error { return nil }
