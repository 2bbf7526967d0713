package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	sf "github.com/snowflakedb/gosnowflake"
	"github.com/sony/gobreaker"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Physical collection names — the only two stores in the system.
const (
	IngestionTable = "EVENTS_INGEST"
	ProcessedView  = "EVENTS"
)

// AgentName identifies this gateway in query tags.
const AgentName = "snowmcp-gateway"

// Session is an authenticated warehouse connection. One session serves one
// client connection (or one CLI invocation); cross-request coordination
// happens in the warehouse, not here.
type Session struct {
	db        *sql.DB
	cfg       config.SnowflakeConfig
	tunables  *config.Tunables
	breaker   *gobreaker.CircuitBreaker
	sessionID string

	// flusher is invoked on Close so pending batched events drain before
	// the connection tears down. Set by the event logger.
	flusher func(context.Context) error
}

// Open establishes an authenticated session and applies the session-wide
// parameters: autocommit, cached results, statement timeout, warehouse, and
// an initial query tag. Open failures are fatal to the caller.
func Open(ctx context.Context, cfg config.SnowflakeConfig, tunables *config.Tunables, sessionID string) (*Session, error) {
	sfCfg := &sf.Config{
		Account:   cfg.Account,
		User:      cfg.Username,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	}

	if cfg.PrivateKeyPath != "" {
		key, err := loadPrivateKey(cfg.PrivateKeyPath, cfg.PrivateKeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		sfCfg.PrivateKey = key
		sfCfg.Authenticator = sf.AuthTypeJwt
	} else {
		sfCfg.Password = cfg.Password
	}

	dsn, err := sf.DSN(sfCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build DSN: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	s := &Session{
		db:        db,
		cfg:       cfg,
		tunables:  tunables,
		sessionID: sessionID,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "warehouse",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}

	if err := s.applySessionParams(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply session parameters: %w", err)
	}

	slog.Info("Warehouse session opened",
		"session_id", sessionID,
		"account", cfg.Account,
		"warehouse", cfg.Warehouse,
		"keypair_auth", cfg.PrivateKeyPath != "")
	return s, nil
}

// DB exposes the underlying handle. Used by schema migrations, which need
// the raw *sql.DB rather than the retry/breaker wrappers.
func (s *Session) DB() *sql.DB { return s.db }

// SetFlusher registers the logger flush hook invoked on Close.
func (s *Session) SetFlusher(f func(context.Context) error) {
	s.flusher = f
}

// applySessionParams sets the session-wide defaults.
// ALTER SESSION cannot take bind parameters, so values are rendered as
// literals; all of them come from trusted configuration, never from callers.
func (s *Session) applySessionParams(ctx context.Context) error {
	stmts := []string{
		"ALTER SESSION SET AUTOCOMMIT = TRUE",
		"ALTER SESSION SET USE_CACHED_RESULT = TRUE",
		fmt.Sprintf("ALTER SESSION SET STATEMENT_TIMEOUT_IN_SECONDS = %d",
			int(s.tunables.StatementTimeout.Seconds())),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%q: %w", stmt, err)
		}
	}
	return s.SetQueryTag(ctx, QueryTag{
		Agent:     AgentName,
		Op:        "session_open",
		Session:   s.sessionID,
		User:      s.cfg.Username,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SetQueryTag replaces the session query tag with the JSON form of tag.
func (s *Session) SetQueryTag(ctx context.Context, tag QueryTag) error {
	data, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("failed to marshal query tag: %w", err)
	}
	// Single quotes in JSON string values must be doubled for the literal.
	escaped := strings.ReplaceAll(string(data), "'", "''")
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER SESSION SET QUERY_TAG = '%s'", escaped))
	if err != nil {
		return fmt.Errorf("failed to set query tag: %w", err)
	}
	return nil
}

// CallProcedure invokes a stored procedure with positional parameters.
// Object-valued arguments (maps, slices, structs) are marshaled to JSON and
// bound through PARSE_JSON — never concatenated into the statement.
func (s *Session) CallProcedure(ctx context.Context, name string, args ...any) (map[string]any, error) {
	placeholders := make([]string, len(args))
	binds := make([]any, len(args))
	for i, arg := range args {
		if isObjectArg(arg) {
			data, err := json.Marshal(arg)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal argument %d for %s: %w", i, name, err)
			}
			placeholders[i] = "PARSE_JSON(?)"
			binds[i] = string(data)
		} else {
			placeholders[i] = "?"
			binds[i] = arg
		}
	}

	callSQL := fmt.Sprintf("CALL %s(%s)", name, strings.Join(placeholders, ", "))

	var result map[string]any
	err := s.withRetry(ctx, name, func() error {
		row := s.db.QueryRowContext(ctx, callSQL, binds...)
		var raw string
		if err := row.Scan(&raw); err != nil {
			return err
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			// Non-object VARIANT responses are wrapped so callers always
			// receive a map.
			parsed = map[string]any{"value": raw}
		}
		result = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Execute runs strictly parameterized SQL for system actions.
func (s *Session) Execute(ctx context.Context, sqlText string, binds ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := s.withRetry(ctx, "execute", func() error {
		rows, err := s.db.QueryContext(ctx, sqlText, binds...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		out, err = scanRows(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanIngestion projects raw envelopes received at or after since into typed
// events. This is the fresh-window read path of the consistency reader.
func (s *Session) ScanIngestion(ctx context.Context, since time.Time, filter EventFilter) ([]models.Event, error) {
	rows, err := s.Execute(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE received_at >= ? ORDER BY received_at", IngestionTable),
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ingestion lane: %w", err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		raw, _ := row["PAYLOAD"].(string)
		var e models.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue // malformed envelopes are skipped, not fatal
		}
		if filter.Matches(e) {
			events = append(events, e)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
		}
	}
	return events, nil
}

// QueryProcessed reads typed events from the processed lane.
func (s *Session) QueryProcessed(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	var (
		conds []string
		binds []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		binds = append(binds, v)
	}
	if filter.Action != "" {
		add("action = ?", filter.Action)
	}
	if filter.ActionPrefix != "" {
		add("action LIKE ?", filter.ActionPrefix+"%")
	}
	if filter.ObjectType != "" {
		add("object_type = ?", filter.ObjectType)
	}
	if filter.ObjectID != "" {
		add("object_id = ?", filter.ObjectID)
	}
	if filter.ActorID != "" {
		add("actor_id = ?", filter.ActorID)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= ?", filter.Since)
	}

	query := fmt.Sprintf(
		"SELECT event_id, occurred_at, action, actor_id, source, object_type, object_id, attributes FROM %s",
		ProcessedView)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		binds = append(binds, filter.Limit)
	}

	rows, err := s.Execute(ctx, query, binds...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed lane: %w", err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		e := models.Event{
			EventID:    str(row["EVENT_ID"]),
			Action:     str(row["ACTION"]),
			ActorID:    str(row["ACTOR_ID"]),
			Source:     str(row["SOURCE"]),
			ObjectType: str(row["OBJECT_TYPE"]),
			ObjectID:   str(row["OBJECT_ID"]),
		}
		if ts, ok := row["OCCURRED_AT"].(time.Time); ok {
			e.OccurredAt = ts
		}
		if attrs := str(row["ATTRIBUTES"]); attrs != "" {
			_ = json.Unmarshal([]byte(attrs), &e.Attributes)
		}
		events = append(events, e)
	}
	return events, nil
}

// StageFileInfo lists a single stage file via LS.
func (s *Session) StageFileInfo(ctx context.Context, stageURL string) (*StageFile, error) {
	rows, err := s.Execute(ctx, fmt.Sprintf("LS %s", stageURL))
	if err != nil {
		return nil, fmt.Errorf("failed to list stage file: %w", err)
	}
	if len(rows) == 0 {
		return nil, models.NewGatewayError(models.KindDeploy, models.ClassFileNotFound,
			fmt.Sprintf("no file at %s", stageURL))
	}
	row := rows[0]
	info := &StageFile{Name: str(row["name"]), MD5: strings.Trim(str(row["md5"]), `"`)}
	switch v := row["size"].(type) {
	case int64:
		info.Size = v
	case float64:
		info.Size = int64(v)
	case string:
		fmt.Sscanf(v, "%d", &info.Size)
	}
	return info, nil
}

// ReadStageFile returns the text content of a stage file, line rows rejoined.
func (s *Session) ReadStageFile(ctx context.Context, stageURL string) (string, error) {
	rows, err := s.Execute(ctx, fmt.Sprintf("SELECT $1 AS line FROM %s", stageURL))
	if err != nil {
		return "", fmt.Errorf("failed to read stage file: %w", err)
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, str(row["LINE"]))
	}
	return strings.Join(lines, "\n"), nil
}

// Close flushes pending batched events then tears down the connection.
func (s *Session) Close(ctx context.Context) error {
	if s.flusher != nil {
		if err := s.flusher(ctx); err != nil {
			slog.Warn("Failed to flush pending events on close",
				"session_id", s.sessionID, "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close warehouse connection: %w", err)
	}
	slog.Info("Warehouse session closed", "session_id", s.sessionID)
	return nil
}

// withRetry runs fn behind the circuit breaker, retrying transient failures
// with exponential backoff and jitter up to the configured attempt cap.
func (s *Session) withRetry(ctx context.Context, op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxElapsedTime = s.tunables.StatementTimeout

		attempts := uint64(0)
		if s.tunables.RetryMaxAttempts > 1 {
			attempts = uint64(s.tunables.RetryMaxAttempts - 1)
		}

		retryErr := backoff.Retry(func() error {
			err := fn()
			if err == nil {
				return nil
			}
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("Transient warehouse error, retrying",
				"op", op, "session_id", s.sessionID, "error", err)
			return err
		}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))
		return nil, retryErr
	})
	if err != nil {
		return ClassifyError(err)
	}
	return nil
}

// isObjectArg reports whether the argument should travel as a JSON bind.
func isObjectArg(arg any) bool {
	if arg == nil {
		return false
	}
	switch arg.(type) {
	case string, []byte, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time:
		return false
	}
	switch reflect.TypeOf(arg).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		return true
	}
	return false
}

// scanRows converts sql rows into generic maps keyed by column name.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
