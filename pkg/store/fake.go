package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Fake is an in-memory Warehouse implementing the stored-procedure contract
// against an in-memory ingestion lane. The processed lane is recomputed from
// the ingestion lane on every read — the projection is a pure function of the
// lane, which is exactly the replay property the real warehouse guarantees.
//
// Tests across the repo use Fake instead of a live warehouse.
type Fake struct {
	mu sync.Mutex

	ingestion  []RawEnvelope
	stageFiles map[string]FakeStageFile
	executed   []ExecutedSQL
	procCalls  []ProcCall
	queryTags  []QueryTag

	// Lag hides envelopes received within the window from the processed
	// lane, simulating refresh lag. Zero means the projection is current.
	Lag time.Duration

	// ExecHook, when set, intercepts Execute calls (e.g. to fail a shadow
	// compile). Return handled=false to fall through to the default.
	ExecHook func(sqlText string, binds []any) (rows []map[string]any, handled bool, err error)

	// ProcHook, when set, intercepts CallProcedure before the built-ins.
	ProcHook func(name string, args []any) (map[string]any, bool, error)

	// Now is the clock; overridable in tests.
	Now func() time.Time

	flusher func(context.Context) error
	closed  bool
}

// RawEnvelope is one physical row of the ingestion lane.
type RawEnvelope struct {
	Payload    map[string]any
	SourceLane string
	ReceivedAt time.Time
}

// FakeStageFile is a file on the fake stage.
type FakeStageFile struct {
	Content string
	MD5     string
	Size    int64
}

// ExecutedSQL records one Execute invocation.
type ExecutedSQL struct {
	SQL   string
	Binds []any
}

// ProcCall records one CallProcedure invocation.
type ProcCall struct {
	Name string
	Args []any
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// NewFake returns an empty fake warehouse.
func NewFake() *Fake {
	return &Fake{
		stageFiles: map[string]FakeStageFile{},
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetFlusher mirrors Session.SetFlusher.
func (f *Fake) SetFlusher(fl func(context.Context) error) { f.flusher = fl }

// SetLag adjusts the simulated refresh lag; safe during concurrent reads.
func (f *Fake) SetLag(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lag = d
}

// PutStageFile registers a stage file for StageFileInfo / ReadStageFile.
func (f *Fake) PutStageFile(url string, file FakeStageFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageFiles[url] = file
}

// CallProcedure dispatches to the built-in procedure implementations.
func (f *Fake) CallProcedure(_ context.Context, name string, args ...any) (map[string]any, error) {
	f.mu.Lock()
	f.procCalls = append(f.procCalls, ProcCall{Name: name, Args: args})
	hook := f.ProcHook
	f.mu.Unlock()

	if hook != nil {
		if res, handled, err := hook(name, args); handled {
			return res, err
		}
	}

	switch strings.ToUpper(name) {
	case ProcLogEvent:
		return f.procLogEvent(args)
	case ProcLogEventsBatch:
		return f.procLogEventsBatch(args)
	case ProcExecuteQueryPlan:
		return f.procExecuteQueryPlan(args)
	case ProcValidateQueryPlan:
		return map[string]any{"ok": true, "valid": true}, nil
	}
	return nil, fmt.Errorf("fake warehouse: unknown procedure %s", name)
}

func (f *Fake) procLogEvent(args []any) (map[string]any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("LOG_EVENT expects 2 args, got %d", len(args))
	}
	payload, err := toObject(args[0])
	if err != nil {
		return map[string]any{"ok": false, "error": "payload must be an object"}, nil
	}
	lane, _ := args[1].(string)
	id := f.append(payload, lane)
	return map[string]any{"ok": true, "event_id": id}, nil
}

func (f *Fake) procLogEventsBatch(args []any) (map[string]any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("LOG_EVENTS_BATCH expects 2 args, got %d", len(args))
	}
	list, err := toList(args[0])
	if err != nil {
		return map[string]any{"ok": false, "error": "events must be an array"}, nil
	}
	if len(list) > 1000 {
		return map[string]any{"ok": false, "error": "batch exceeds 1000 events"}, nil
	}
	lane, _ := args[1].(string)
	for _, item := range list {
		payload, err := toObject(item)
		if err != nil {
			return map[string]any{"ok": false, "error": "payload must be an object"}, nil
		}
		f.append(payload, lane)
	}
	return map[string]any{"ok": true, "count": len(list)}, nil
}

func (f *Fake) procExecuteQueryPlan(args []any) (map[string]any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("EXECUTE_QUERY_PLAN expects 1 arg, got %d", len(args))
	}
	plan, err := toObject(args[0])
	if err != nil {
		return map[string]any{
			"ok": false, "error_class": models.ClassSyntax,
			"error": "plan must be an object",
		}, nil
	}
	if _, ok := plan["source"]; !ok {
		return map[string]any{
			"ok": false, "error_class": models.ClassDependency,
			"error": "plan has no source",
		}, nil
	}

	limit := 0
	switch v := plan["top_n"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}

	events := f.project(false)
	rowCount := len(events)
	if limit > 0 && rowCount > limit {
		rowCount = limit
	}
	sample := make([]map[string]any, 0, rowCount)
	for i := 0; i < rowCount && i < 10; i++ {
		sample = append(sample, map[string]any{
			"ACTIVITY":    events[i].Action,
			"OCCURRED_AT": events[i].OccurredAt.Format(time.RFC3339),
		})
	}
	return map[string]any{
		"ok":            true,
		"query_id":      uuid.New().String(),
		"row_count":     float64(rowCount),
		"sample_rows":   sample,
		"bytes_scanned": float64(1024 * (rowCount + 1)),
	}, nil
}

// append enriches and stores one envelope. Mirrors the server-side logging
// procedure: assign event_id and occurred_at when absent, inject _claude_meta,
// redact emails inside attributes.natural_language.
func (f *Fake) append(payload map[string]any, lane string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Now()
	id, _ := payload["event_id"].(string)
	if id == "" {
		id = uuid.New().String()
		payload["event_id"] = id
	}
	if _, ok := payload["occurred_at"]; !ok {
		payload["occurred_at"] = now.Format(time.RFC3339Nano)
	}
	payload["_claude_meta"] = map[string]any{
		"logged_at": now.Format(time.RFC3339Nano),
		"warehouse": "FAKE_WH",
		"user":      "fake",
		"role":      "FAKE_ROLE",
	}
	if attrs, ok := payload["attributes"].(map[string]any); ok {
		if nl, ok := attrs["natural_language"].(string); ok {
			attrs["natural_language"] = emailPattern.ReplaceAllString(nl, "[EMAIL_REDACTED]")
		}
	}

	f.ingestion = append(f.ingestion, RawEnvelope{
		Payload:    payload,
		SourceLane: lane,
		ReceivedAt: now,
	})
	return id
}

// Append stores a typed event directly, bypassing the logger. Test helper.
func (f *Fake) Append(e models.Event) {
	data, _ := json.Marshal(e)
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	f.append(payload, LaneDirect)
}

// project recomputes the processed-lane projection from the ingestion lane.
// When applyLag is true, envelopes received within the lag window are hidden.
func (f *Fake) project(applyLag bool) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.Now().Add(-f.Lag)
	out := make([]models.Event, 0, len(f.ingestion))
	for _, env := range f.ingestion {
		if applyLag && f.Lag > 0 && env.ReceivedAt.After(cutoff) {
			continue
		}
		data, err := json.Marshal(env.Payload)
		if err != nil {
			continue
		}
		var e models.Event
		if err := json.Unmarshal(data, &e); err != nil || e.EventID == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Execute records the SQL; the hook may inject results or failures.
func (f *Fake) Execute(_ context.Context, sqlText string, binds ...any) ([]map[string]any, error) {
	f.mu.Lock()
	f.executed = append(f.executed, ExecutedSQL{SQL: sqlText, Binds: binds})
	hook := f.ExecHook
	f.mu.Unlock()

	if hook != nil {
		if rows, handled, err := hook(sqlText, binds); handled {
			return rows, err
		}
	}
	return nil, nil
}

// ScanIngestion reads the lane without lag — raw envelopes are immediately
// visible, which is the entire point of the fresh-window read path.
func (f *Fake) ScanIngestion(_ context.Context, since time.Time, filter EventFilter) ([]models.Event, error) {
	var out []models.Event
	for _, e := range f.project(false) {
		if e.OccurredAt.Before(since) {
			continue
		}
		if filter.Matches(e) {
			out = append(out, e)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// QueryProcessed reads the projection with lag applied, newest first.
func (f *Fake) QueryProcessed(_ context.Context, filter EventFilter) ([]models.Event, error) {
	events := f.project(true)
	// newest first, as the real processed-lane query orders
	out := make([]models.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if filter.Matches(events[i]) {
			out = append(out, events[i])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// StageFileInfo returns metadata for a registered stage file.
func (f *Fake) StageFileInfo(_ context.Context, stageURL string) (*StageFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.stageFiles[stageURL]
	if !ok {
		return nil, models.NewGatewayError(models.KindDeploy, models.ClassFileNotFound,
			fmt.Sprintf("no file at %s", stageURL))
	}
	return &StageFile{Name: stageURL, Size: file.Size, MD5: file.MD5}, nil
}

// ReadStageFile returns the content of a registered stage file.
func (f *Fake) ReadStageFile(_ context.Context, stageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.stageFiles[stageURL]
	if !ok {
		return "", models.NewGatewayError(models.KindDeploy, models.ClassFileNotFound,
			fmt.Sprintf("no file at %s", stageURL))
	}
	return file.Content, nil
}

// SetQueryTag records the tag.
func (f *Fake) SetQueryTag(_ context.Context, tag QueryTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryTags = append(f.queryTags, tag)
	return nil
}

// Close flushes and marks the fake closed.
func (f *Fake) Close(ctx context.Context) error {
	if f.flusher != nil {
		if err := f.flusher(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// --- test inspection helpers ---

// IngestionLane returns a copy of the raw lane.
func (f *Fake) IngestionLane() []RawEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RawEnvelope, len(f.ingestion))
	copy(out, f.ingestion)
	return out
}

// EventsByAction returns projected events with the given action, oldest first.
func (f *Fake) EventsByAction(action string) []models.Event {
	var out []models.Event
	for _, e := range f.project(false) {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Executed returns a copy of all recorded Execute calls.
func (f *Fake) Executed() []ExecutedSQL {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ExecutedSQL, len(f.executed))
	copy(out, f.executed)
	return out
}

// ProcCalls returns a copy of all recorded procedure calls.
func (f *Fake) ProcCalls() []ProcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProcCall, len(f.procCalls))
	copy(out, f.procCalls)
	return out
}

// QueryTags returns all tags set on this session.
func (f *Fake) QueryTags() []QueryTag {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]QueryTag, len(f.queryTags))
	copy(out, f.queryTags)
	return out
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func toObject(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func toList(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case string:
		var l []any
		if err := json.Unmarshal([]byte(t), &l); err != nil {
			return nil, err
		}
		return l, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var l []any
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		return l, nil
	}
}
