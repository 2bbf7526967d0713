// Package ratelimit is a per-actor leaky bucket. Consumption and refill
// are recorded as events, so the bucket state survives a restart by
// replaying the lanes like every other projection in the system.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Config sizes the buckets. Zero values take defaults.
type Config struct {
	// Capacity is the burst size of each bucket.
	Capacity int
	// RefillEvery restores one token per interval.
	RefillEvery time.Duration
}

func (c *Config) defaults() {
	if c.Capacity <= 0 {
		c.Capacity = 30
	}
	if c.RefillEvery <= 0 {
		c.RefillEvery = 2 * time.Second
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	events *eventlog.Logger
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New builds a limiter.
func New(cfg Config, events *eventlog.Logger, logger *slog.Logger) *Limiter {
	cfg.defaults()
	return &Limiter{
		cfg:     cfg,
		events:  events,
		logger:  logger.With("component", "ratelimit"),
		buckets: map[string]*bucket{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow consumes one token for the actor. When the bucket is empty it
// returns a rate_limited error without touching the warehouse; the caller
// refuses the request locally.
func (l *Limiter) Allow(ctx context.Context, actor string) error {
	l.mu.Lock()
	now := l.now()
	b, ok := l.buckets[actor]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Capacity), lastSeen: now}
		l.buckets[actor] = b
	}

	// leak: tokens refill continuously since the last touch
	elapsed := now.Sub(b.lastSeen)
	refilled := float64(elapsed) / float64(l.cfg.RefillEvery)
	b.tokens += refilled
	if b.tokens > float64(l.cfg.Capacity) {
		b.tokens = float64(l.cfg.Capacity)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		l.mu.Unlock()
		return models.NewGatewayError(models.KindQuota, models.ClassRateLimited,
			"too many requests for "+actor).
			WithDetail("retry_after_ms", l.cfg.RefillEvery.Milliseconds())
	}
	b.tokens--
	remaining := b.tokens
	l.mu.Unlock()

	e := models.NewEvent(models.ActionTokenConsume, models.ObjectTypeUser, actor)
	e.ActorID = actor
	e.Attributes["remaining"] = remaining
	if err := l.events.Log(ctx, e); err != nil {
		l.logger.Warn("failed to log token consume", "actor", actor, "error", err)
	}
	return nil
}

// Refill tops an actor's bucket back to capacity and records it. Used by
// administrative unblocking.
func (l *Limiter) Refill(ctx context.Context, actor string) error {
	l.mu.Lock()
	l.buckets[actor] = &bucket{tokens: float64(l.cfg.Capacity), lastSeen: l.now()}
	l.mu.Unlock()

	e := models.NewEvent(models.ActionTokenRefill, models.ObjectTypeUser, actor)
	e.ActorID = actor
	e.Attributes["capacity"] = l.cfg.Capacity
	return l.events.Log(ctx, e)
}

// Rebuild reconstructs bucket state from the lanes after a restart: replay
// consume and refill events newer than one full-refill horizon.
func (l *Limiter) Rebuild(ctx context.Context, wh store.Warehouse) error {
	horizon := time.Duration(l.cfg.Capacity) * l.cfg.RefillEvery
	since := l.now().Add(-horizon)

	var merged []models.Event
	seen := map[string]bool{}
	for _, filter := range []store.EventFilter{
		{Action: models.ActionTokenConsume, Since: since},
		{Action: models.ActionTokenRefill, Since: since},
	} {
		raw, err := wh.ScanIngestion(ctx, since, filter)
		if err != nil {
			return err
		}
		processed, err := wh.QueryProcessed(ctx, filter)
		if err != nil {
			return err
		}
		for _, e := range append(raw, processed...) {
			if !seen[e.EventID] {
				seen[e.EventID] = true
				merged = append(merged, e)
			}
		}
	}

	// consumes after an actor's latest refill are the only ones that count
	refilledAt := map[string]time.Time{}
	for _, e := range merged {
		if e.Action == models.ActionTokenRefill && e.OccurredAt.After(refilledAt[e.ActorID]) {
			refilledAt[e.ActorID] = e.OccurredAt
		}
	}
	consumed := map[string]int{}
	for _, e := range merged {
		if e.Action == models.ActionTokenConsume && e.OccurredAt.After(refilledAt[e.ActorID]) {
			consumed[e.ActorID]++
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for actor, n := range consumed {
		tokens := float64(l.cfg.Capacity - n)
		if tokens < 0 {
			tokens = 0
		}
		l.buckets[actor] = &bucket{tokens: tokens, lastSeen: now}
	}
	return nil
}

// Remaining reports the current token count for an actor, for metrics.
func (l *Limiter) Remaining(actor string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[actor]; ok {
		return b.tokens
	}
	return float64(l.cfg.Capacity)
}
