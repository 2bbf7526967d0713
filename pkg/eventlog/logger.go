// Package eventlog writes gateway events to the ingestion lane. Low traffic
// goes straight through LOG_EVENT; once the one-minute rolling rate crosses
// the threshold the logger switches to buffered batches flushed on a timer,
// on buffer pressure, and on close.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Config tunes the adaptive behavior. Zero values take defaults.
type Config struct {
	// RatePerMin is the rolling one-minute rate above which the logger
	// switches from direct calls to buffered batches.
	RatePerMin int
	// FlushEvery is the background flush interval.
	FlushEvery time.Duration
	// BufferLimit triggers an immediate flush when the buffer reaches it.
	BufferLimit int
	// BatchCap is the most events sent in one LOG_EVENTS_BATCH call.
	BatchCap int
}

func (c *Config) defaults() {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 10
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5 * time.Second
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = 100
	}
	if c.BatchCap <= 0 || c.BatchCap > 1000 {
		c.BatchCap = 1000
	}
}

// Logger is safe for concurrent use.
type Logger struct {
	wh     store.Warehouse
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	buf    []models.Event
	recent []time.Time

	// now is the clock; overridable in tests.
	now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// New builds a logger over the warehouse and registers itself as the
// session's pre-close flusher.
func New(wh store.Warehouse, cfg Config, logger *slog.Logger) *Logger {
	cfg.defaults()
	l := &Logger{
		wh:     wh,
		cfg:    cfg,
		logger: logger.With("component", "eventlog"),
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	type flushable interface{ SetFlusher(func(context.Context) error) }
	if s, ok := wh.(flushable); ok {
		s.SetFlusher(l.Flush)
	}
	return l
}

// Start runs the background flush loop until Close.
func (l *Logger) Start() {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.FlushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Flush(context.Background()); err != nil {
					l.logger.Warn("background flush failed", "error", err)
				}
			case <-l.stop:
				return
			}
		}
	}()
}

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`)

// redact masks email addresses inside the natural-language attribute before
// the event leaves the process. Other attributes are structured and carry no
// free text.
func redact(e models.Event) models.Event {
	nl, ok := e.Attributes["natural_language"].(string)
	if !ok || !emailPattern.MatchString(nl) {
		return e
	}
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs["natural_language"] = emailPattern.ReplaceAllString(nl, "__MASKED_EMAIL__")
	e.Attributes = attrs
	return e
}

// Log records one event. Direct-path failures degrade to buffering so a
// warehouse hiccup never fails the caller's request.
func (l *Logger) Log(ctx context.Context, e models.Event) error {
	e = redact(e)
	l.mu.Lock()
	now := l.now()
	l.noteRate(now)
	batching := len(l.recent) > l.cfg.RatePerMin || len(l.buf) > 0
	if batching {
		l.buf = append(l.buf, e)
		needFlush := len(l.buf) >= l.cfg.BufferLimit
		l.mu.Unlock()
		if needFlush {
			return l.Flush(ctx)
		}
		return nil
	}
	l.mu.Unlock()

	if err := l.logDirect(ctx, e); err != nil {
		l.logger.Warn("direct log failed, buffering event",
			"action", e.Action, "error", err)
		l.mu.Lock()
		l.buf = append(l.buf, e)
		l.mu.Unlock()
	}
	return nil
}

// LogBatch buffers several events at once and flushes when the buffer
// crosses its limit. The caller's request never fails on logging.
func (l *Logger) LogBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	now := l.now()
	for _, e := range events {
		l.noteRate(now)
		l.buf = append(l.buf, redact(e))
	}
	needFlush := len(l.buf) >= l.cfg.BufferLimit
	l.mu.Unlock()
	if needFlush {
		return l.Flush(ctx)
	}
	return nil
}

// LogError records the event form of a pipeline failure.
func (l *Logger) LogError(ctx context.Context, gwErr *models.GatewayError, actor, objectType, objectID string) {
	e := models.NewEvent(gwErr.EventAction(), objectType, objectID)
	e.ActorID = actor
	e.Attributes["error_class"] = gwErr.Class
	e.Attributes["message"] = gwErr.Message
	for k, v := range gwErr.Details {
		e.Attributes[k] = v
	}
	if err := l.Log(ctx, e); err != nil {
		l.logger.Warn("failed to log error event", "action", e.Action, "error", err)
	}
}

// Flush drains the buffer in batch-capped chunks. On failure the unsent
// remainder is requeued.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	for len(pending) > 0 {
		n := len(pending)
		if n > l.cfg.BatchCap {
			n = l.cfg.BatchCap
		}
		chunk := make([]any, n)
		for i, e := range pending[:n] {
			chunk[i] = e
		}
		res, err := l.wh.CallProcedure(ctx, store.ProcLogEventsBatch, chunk, store.LaneBatch)
		if err == nil && res["ok"] != true {
			err = fmt.Errorf("batch rejected: %v", res["error"])
		}
		if err != nil {
			l.mu.Lock()
			l.buf = append(pending, l.buf...)
			l.mu.Unlock()
			return fmt.Errorf("failed to flush %d events: %w", len(pending), err)
		}
		pending = pending[n:]
	}
	return nil
}

// Close stops the flush loop and flushes whatever remains.
func (l *Logger) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
	return l.Flush(ctx)
}

// Buffered returns the number of events waiting for the next flush.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *Logger) logDirect(ctx context.Context, e models.Event) error {
	res, err := l.wh.CallProcedure(ctx, store.ProcLogEvent, e, store.LaneDirect)
	if err != nil {
		return err
	}
	if res["ok"] != true {
		return fmt.Errorf("event rejected: %v", res["error"])
	}
	return nil
}

// noteRate appends now to the rolling window and trims entries older than a
// minute. Caller holds the lock.
func (l *Logger) noteRate(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := l.recent[:0]
	for _, t := range l.recent {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.recent = append(keep, now)
}
