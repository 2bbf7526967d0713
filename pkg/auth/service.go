package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// RoleTemplate is the permission shape stamped onto a new grant.
type RoleTemplate struct {
	AllowedTools        []string `json:"allowed_tools" yaml:"allowed_tools"`
	MaxRows             int      `json:"max_rows" yaml:"max_rows"`
	DailyRuntimeSeconds int      `json:"daily_runtime_seconds" yaml:"daily_runtime_seconds"`
}

// Service implements token issue / validate / revoke over the lanes.
// It holds no durable state; every fact is an event.
type Service struct {
	wh     store.Warehouse
	reader *consistency.Reader
	events *eventlog.Logger
	pepper string
	logger *slog.Logger

	replayWindow time.Duration

	mu        sync.Mutex
	lastWrite time.Time

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New builds the service. The pepper is required and never logged.
func New(wh store.Warehouse, reader *consistency.Reader, events *eventlog.Logger,
	pepper string, replayWindow time.Duration, logger *slog.Logger) (*Service, error) {
	if pepper == "" {
		return nil, models.NewGatewayError(models.KindConfig, models.ClassUnauth,
			"token pepper is not configured")
	}
	if replayWindow <= 0 {
		replayWindow = 10 * time.Minute
	}
	return &Service{
		wh:           wh,
		reader:       reader,
		events:       events,
		pepper:       pepper,
		logger:       logger.With("component", "auth"),
		replayWindow: replayWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue generates a token for the user and records the grant. The raw token
// is returned exactly once and never stored.
func (s *Service) Issue(ctx context.Context, username string, tmpl RoleTemplate, ttl time.Duration) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	hash := HashToken(token, s.pepper)
	prefix, suffix := Fingerprint(token)
	now := s.now()
	expires := now.Add(ttl)

	if known, err := s.userExists(ctx, username); err != nil {
		return "", err
	} else if !known {
		created := models.NewEvent(models.ActionUserCreated, models.ObjectTypeUser, username)
		created.ActorID = username
		if err := s.events.Log(ctx, created); err != nil {
			return "", err
		}
	}

	grant := models.NewEvent(models.ActionPermissionGrant, models.ObjectTypeUserToken, DisplayName(token))
	grant.ActorID = username
	grant.Attributes["token_hash"] = hash
	grant.Attributes["token_prefix"] = prefix
	grant.Attributes["token_suffix"] = suffix
	grant.Attributes["allowed_tools"] = tmpl.AllowedTools
	grant.Attributes["max_rows"] = tmpl.MaxRows
	grant.Attributes["daily_runtime_seconds"] = tmpl.DailyRuntimeSeconds
	grant.Attributes["expires_at"] = expires.Format(time.RFC3339)
	if err := s.events.Log(ctx, grant); err != nil {
		return "", err
	}

	created := models.NewEvent(models.ActionTokenCreated, models.ObjectTypeUserToken, DisplayName(token))
	created.ActorID = username
	created.Attributes["token_hash"] = hash
	if err := s.events.Log(ctx, created); err != nil {
		return "", err
	}

	s.noteWrite(now)
	s.logger.Info("token issued", "user", username, "token", DisplayName(token),
		"expires_at", expires)
	return token, nil
}

// Validate resolves a token+nonce to the caller's envelope. Failures map to
// the auth taxonomy: invalid_token, revoked, expired, replay_detected, unauth.
func (s *Service) Validate(ctx context.Context, token, nonce string) (*models.Envelope, error) {
	if !ValidFormat(token) {
		return nil, models.NewGatewayError(models.KindAuth, models.ClassInvalidToken,
			"token does not match the required format")
	}
	if nonce == "" {
		return nil, models.NewGatewayError(models.KindAuth, models.ClassUnauth,
			"nonce is required")
	}
	hash := HashToken(token, s.pepper)
	now := s.now()

	if denied, err := s.allRevoked(ctx); err != nil {
		return nil, err
	} else if denied {
		return nil, models.NewGatewayError(models.KindAuth, models.ClassRevoked,
			"all permissions are revoked")
	}

	grant, err := s.latestGrant(ctx, hash)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, models.NewGatewayError(models.KindAuth, models.ClassInvalidToken,
			"no grant for this token")
	}

	if revoked, err := s.isRevoked(ctx, hash); err != nil {
		return nil, err
	} else if revoked {
		return nil, models.NewGatewayError(models.KindAuth, models.ClassRevoked,
			"token has been revoked")
	}

	envelope := envelopeFromGrant(grant)
	if envelope.Expired(now) {
		return nil, models.NewGatewayError(models.KindAuth, models.ClassExpired,
			"token has expired")
	}

	if err := s.checkAndRecordNonce(ctx, hash, nonce, now); err != nil {
		return nil, err
	}
	return envelope, nil
}

// Revoke shadows the newest grant for a token hash. Monotonic: once emitted,
// no later validation of that hash succeeds.
func (s *Service) Revoke(ctx context.Context, tokenHash, actor, reason string) error {
	if len(tokenHash) != sha256.Size*2 {
		return models.NewGatewayError(models.KindAuth, models.ClassInvalidToken,
			"token hash must be 64 hex characters")
	}
	e := models.NewEvent(models.ActionPermissionRevoke, models.ObjectTypeUserToken, tokenHash[:16])
	e.ActorID = actor
	e.Attributes["token_hash"] = tokenHash
	e.Attributes["reason"] = reason
	if err := s.events.Log(ctx, e); err != nil {
		return err
	}
	s.noteWrite(s.now())
	s.logger.Info("token revoked", "actor", actor, "reason", reason)
	return nil
}

// RevokeAll emits the emergency kill switch; Validate denies everything
// until LiftRevokeAll.
func (s *Service) RevokeAll(ctx context.Context, actor, reason string) error {
	e := models.NewEvent(models.ActionAllRevoked, models.ObjectTypeUser, "all")
	e.ActorID = actor
	e.Attributes["reason"] = reason
	if err := s.events.Log(ctx, e); err != nil {
		return err
	}
	s.noteWrite(s.now())
	return nil
}

// LiftRevokeAll restores normal validation.
func (s *Service) LiftRevokeAll(ctx context.Context, actor string) error {
	e := models.NewEvent(models.ActionAllRevokedLifted, models.ObjectTypeUser, "all")
	e.ActorID = actor
	if err := s.events.Log(ctx, e); err != nil {
		return err
	}
	s.noteWrite(s.now())
	return nil
}

// PermissionEnvelope returns the user's current effective envelope, derived
// from their newest non-revoked grant.
func (s *Service) PermissionEnvelope(ctx context.Context, username string) (*models.Envelope, error) {
	// revokes may come from a different actor, so read all token events
	// and filter grants by owner here
	res, err := s.reader.Read(ctx, consistency.Params{
		Filter:  store.EventFilter{ObjectType: models.ObjectTypeUserToken},
		WroteAt: s.lastWriteTime(),
	})
	if err != nil {
		return nil, err
	}
	for i := range res.Events { // newest first
		e := res.Events[i]
		if e.Action != models.ActionPermissionGrant || e.ActorID != username {
			continue
		}
		if s.hashRevokedIn(res.Events, e.Attr("token_hash")) {
			continue
		}
		return envelopeFromGrant(&e), nil
	}
	return nil, models.NewGatewayError(models.KindAuth, models.ClassUnauth,
		fmt.Sprintf("no active grant for %s", username))
}

// --- activation links ---

// CreateActivation mints a one-time activation code for a user.
func (s *Service) CreateActivation(ctx context.Context, username string, tmpl RoleTemplate, ttl time.Duration) (string, error) {
	code := uuid.New().String()
	now := s.now()
	e := models.NewEvent(models.ActionActivationCreate, models.ObjectTypeActivation, code)
	e.ActorID = username
	e.Attributes["username"] = username
	e.Attributes["allowed_tools"] = tmpl.AllowedTools
	e.Attributes["max_rows"] = tmpl.MaxRows
	e.Attributes["daily_runtime_seconds"] = tmpl.DailyRuntimeSeconds
	e.Attributes["activation_expires_at"] = now.Add(ttl).Format(time.RFC3339)
	if err := s.events.Log(ctx, e); err != nil {
		return "", err
	}
	s.noteWrite(now)
	return code, nil
}

// Activate redeems a code: must exist, not be expired, not be already used.
// On success it issues a token and marks the code used.
func (s *Service) Activate(ctx context.Context, code string) (token, username string, err error) {
	res, err := s.reader.Read(ctx, consistency.Params{
		Filter: store.EventFilter{
			ObjectType: models.ObjectTypeActivation,
			ObjectID:   code,
		},
		WroteAt: s.lastWriteTime(),
	})
	if err != nil {
		return "", "", err
	}
	latest := res.Latest()
	if latest == nil {
		return "", "", models.NewGatewayError(models.KindAuth, models.ClassUnauth,
			"unknown activation code")
	}
	if latest.Action == models.ActionActivationUsed {
		return "", "", models.NewGatewayError(models.KindAuth, models.ClassUnauth,
			"activation code already used")
	}
	expiresAt, err := time.Parse(time.RFC3339, latest.Attr("activation_expires_at"))
	if err != nil || !s.now().Before(expiresAt) {
		return "", "", models.NewGatewayError(models.KindAuth, models.ClassExpired,
			"activation code expired")
	}

	username = latest.Attr("username")
	tmpl := RoleTemplate{
		AllowedTools:        toStrings(latest.Attributes["allowed_tools"]),
		MaxRows:             toInt(latest.Attributes["max_rows"]),
		DailyRuntimeSeconds: toInt(latest.Attributes["daily_runtime_seconds"]),
	}
	ttl := time.Until(expiresAt.AddDate(0, 0, 90)) // tokens outlive the link
	token, err = s.Issue(ctx, username, tmpl, ttl)
	if err != nil {
		return "", "", err
	}

	used := models.NewEvent(models.ActionActivationUsed, models.ObjectTypeActivation, code)
	used.ActorID = username
	if err := s.events.Log(ctx, used); err != nil {
		return "", "", err
	}
	s.noteWrite(s.now())
	return token, username, nil
}

// --- internals ---

func envelopeFromGrant(grant *models.Event) *models.Envelope {
	expires, _ := time.Parse(time.RFC3339, grant.Attr("expires_at"))
	return &models.Envelope{
		Username:            grant.ActorID,
		AllowedTools:        toStrings(grant.Attributes["allowed_tools"]),
		MaxRows:             toInt(grant.Attributes["max_rows"]),
		DailyRuntimeSeconds: toInt(grant.Attributes["daily_runtime_seconds"]),
		ExpiresAt:           expires,
	}
}

func (s *Service) userExists(ctx context.Context, username string) (bool, error) {
	res, err := s.reader.Read(ctx, consistency.Params{
		Filter: store.EventFilter{
			ObjectType: models.ObjectTypeUser,
			ObjectID:   username,
			Limit:      1,
		},
		WroteAt: s.lastWriteTime(),
	})
	if err != nil {
		return false, err
	}
	return len(res.Events) > 0, nil
}

// latestGrant finds the newest grant event carrying this hash, merging the
// ingestion lane over the projection so a just-issued token validates.
func (s *Service) latestGrant(ctx context.Context, hash string) (*models.Event, error) {
	events, err := s.tokenEventsBothLanes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].Action == models.ActionPermissionGrant && events[i].Attr("token_hash") == hash {
			return &events[i], nil
		}
	}
	return nil, nil
}

// isRevoked checks both lanes so a fresh revocation is seen before the
// projection catches up.
func (s *Service) isRevoked(ctx context.Context, hash string) (bool, error) {
	events, err := s.tokenEventsBothLanes(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Action == models.ActionPermissionRevoke && e.Attr("token_hash") == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) allRevoked(ctx context.Context) (bool, error) {
	res, err := s.reader.Read(ctx, consistency.Params{
		Filter: store.EventFilter{
			ObjectType: models.ObjectTypeUser,
			ObjectID:   "all",
			Limit:      1,
		},
		WroteAt: s.lastWriteTime(),
	})
	if err != nil {
		return false, err
	}
	latest := res.Latest()
	return latest != nil && latest.Action == models.ActionAllRevoked, nil
}

// tokenEventsBothLanes merges fresh ingestion-lane token events over the
// projection, newest first, deduplicated by event id.
func (s *Service) tokenEventsBothLanes(ctx context.Context) ([]models.Event, error) {
	filter := store.EventFilter{ObjectType: models.ObjectTypeUserToken}
	now := s.now()
	fresh, err := s.wh.ScanIngestion(ctx, now.Add(-s.replayWindow), filter)
	if err != nil {
		return nil, store.ClassifyError(err)
	}
	processed, err := s.wh.QueryProcessed(ctx, filter)
	if err != nil {
		return nil, store.ClassifyError(err)
	}

	seen := map[string]bool{}
	merged := make([]models.Event, 0, len(fresh)+len(processed))
	for _, e := range append(fresh, processed...) {
		if !seen[e.EventID] {
			seen[e.EventID] = true
			merged = append(merged, e)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OccurredAt.After(merged[j].OccurredAt)
	})
	return merged, nil
}

// checkAndRecordNonce rejects a (hash, nonce) pair seen inside the rolling
// window and records this sighting as an event.
func (s *Service) checkAndRecordNonce(ctx context.Context, hash, nonce string, now time.Time) error {
	key := hash[:16] + ":" + nonce
	filter := store.EventFilter{
		Action:     models.ActionNonceSeen,
		ObjectType: models.ObjectTypeNonce,
		ObjectID:   key,
		Since:      now.Add(-s.replayWindow),
	}
	fresh, err := s.wh.ScanIngestion(ctx, now.Add(-s.replayWindow), filter)
	if err != nil {
		return store.ClassifyError(err)
	}
	if len(fresh) == 0 {
		processed, err := s.wh.QueryProcessed(ctx, filter)
		if err != nil {
			return store.ClassifyError(err)
		}
		fresh = processed
	}
	if len(fresh) > 0 {
		return models.NewGatewayError(models.KindAuth, models.ClassReplayDetected,
			"nonce already used inside the replay window")
	}

	seen := models.NewEvent(models.ActionNonceSeen, models.ObjectTypeNonce, key)
	if err := s.events.Log(ctx, seen); err != nil {
		return err
	}
	s.noteWrite(now)
	return nil
}

func (s *Service) hashRevokedIn(events []models.Event, hash string) bool {
	for _, e := range events {
		if e.Action == models.ActionPermissionRevoke && e.Attr("token_hash") == hash {
			return true
		}
	}
	return false
}

func (s *Service) noteWrite(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastWrite) {
		s.lastWrite = t
	}
}

func (s *Service) lastWriteTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
