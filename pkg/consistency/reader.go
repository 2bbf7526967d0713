// Package consistency provides read-after-write safe reads over the two
// lanes. Callers that wrote recently get their events from the ingestion
// lane before the processed projection has caught up; everyone else reads
// the projection with a short backoff to ride out refresh lag.
package consistency

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Kind selects a read shape.
type Kind string

const (
	// KindSchema reads the latest deployment for a qualified object.
	KindSchema Kind = "schema"
	// KindNamespace reads active leases.
	KindNamespace Kind = "namespace"
	// KindActivity reads recent events by actor.
	KindActivity Kind = "activity"
	// KindStatus reads a per-app deployment rollup.
	KindStatus Kind = "status"
)

// Projection sources reported in results.
const (
	SourceRaw  = "RAW"
	SourceView = "VIEW"
)

// Params narrows a read. WroteAt is the caller's last write time; when it
// falls inside the fresh window the read goes to the ingestion lane first.
type Params struct {
	Filter  store.EventFilter
	WroteAt time.Time
	// Expect turns on the backoff loop: an empty projection read is treated
	// as refresh lag and retried.
	Expect bool
}

// Result is a lane read plus the lane it actually came from.
type Result struct {
	Source string
	Events []models.Event
}

// Latest returns the newest event, or nil when the read was empty.
func (r *Result) Latest() *models.Event {
	if len(r.Events) == 0 {
		return nil
	}
	return &r.Events[0]
}

// Reader is safe for concurrent use.
type Reader struct {
	wh          store.Warehouse
	freshWindow time.Duration
	backoffBase time.Duration
	maxAttempts int
	logger      *slog.Logger

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New builds a reader. Zero freshWindow defaults to two minutes.
func New(wh store.Warehouse, freshWindow time.Duration, logger *slog.Logger) *Reader {
	if freshWindow <= 0 {
		freshWindow = 2 * time.Minute
	}
	return &Reader{
		wh:          wh,
		freshWindow: freshWindow,
		backoffBase: 400 * time.Millisecond,
		maxAttempts: 3,
		logger:      logger.With("component", "consistency"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var errLagging = errors.New("processed lane lagging")

// Read performs a kind-agnostic lane read. Events come back newest first.
func (r *Reader) Read(ctx context.Context, params Params) (*Result, error) {
	now := r.now()
	if !params.WroteAt.IsZero() && now.Sub(params.WroteAt) < r.freshWindow {
		since := params.WroteAt.Add(-r.freshWindow)
		raw, err := r.wh.ScanIngestion(ctx, since, params.Filter)
		if err != nil {
			return nil, store.ClassifyError(err)
		}
		if len(raw) > 0 {
			sortNewestFirst(raw)
			return &Result{Source: SourceRaw, Events: raw}, nil
		}
		// nothing fresh matched; fall through to the projection
	}

	var events []models.Event
	attempt := func() error {
		var err error
		events, err = r.wh.QueryProcessed(ctx, params.Filter)
		if err != nil {
			return backoff.Permanent(err)
		}
		if params.Expect && len(events) == 0 {
			return errLagging
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffBase
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.maxAttempts-1)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil && !errors.Is(err, errLagging) {
		return nil, store.ClassifyError(err)
	}
	sortNewestFirst(events)
	return &Result{Source: SourceView, Events: events}, nil
}

// LatestDeployment returns the newest ddl.object.deployed event for a
// qualified object name, or nil when it was never deployed.
func (r *Reader) LatestDeployment(ctx context.Context, qualifiedName string, wroteAt time.Time) (*models.Event, string, error) {
	res, err := r.Read(ctx, Params{
		Filter: store.EventFilter{
			Action:     models.ActionDDLDeployed,
			ObjectType: models.ObjectTypeDDLObject,
			ObjectID:   qualifiedName,
			Limit:      1,
		},
		WroteAt: wroteAt,
	})
	if err != nil {
		return nil, "", err
	}
	return res.Latest(), res.Source, nil
}

// ActiveLeases returns namespaces whose newest lease event is a claim.
func (r *Reader) ActiveLeases(ctx context.Context, wroteAt time.Time) ([]models.Event, string, error) {
	res, err := r.Read(ctx, Params{
		Filter:  store.EventFilter{ObjectType: models.ObjectTypeLease},
		WroteAt: wroteAt,
	})
	if err != nil {
		return nil, "", err
	}
	latest := map[string]models.Event{}
	order := []string{}
	for i := len(res.Events) - 1; i >= 0; i-- { // oldest first
		e := res.Events[i]
		if _, seen := latest[e.ObjectID]; !seen {
			order = append(order, e.ObjectID)
		}
		latest[e.ObjectID] = e
	}
	var active []models.Event
	for _, id := range order {
		if e := latest[id]; e.Action == models.ActionDevClaim {
			active = append(active, e)
		}
	}
	return active, res.Source, nil
}

// RecentActivity returns the actor's newest events, capped at limit.
func (r *Reader) RecentActivity(ctx context.Context, actor string, limit int, wroteAt time.Time) (*Result, error) {
	return r.Read(ctx, Params{
		Filter:  store.EventFilter{ActorID: actor, Limit: limit},
		WroteAt: wroteAt,
	})
}

// StatusRollup summarizes deployments per object for one app prefix:
// latest version and deploy time keyed by qualified name.
func (r *Reader) StatusRollup(ctx context.Context, wroteAt time.Time) (map[string]models.Event, string, error) {
	res, err := r.Read(ctx, Params{
		Filter: store.EventFilter{
			Action:     models.ActionDDLDeployed,
			ObjectType: models.ObjectTypeDDLObject,
		},
		WroteAt: wroteAt,
	})
	if err != nil {
		return nil, "", err
	}
	rollup := map[string]models.Event{}
	for i := len(res.Events) - 1; i >= 0; i-- {
		e := res.Events[i]
		rollup[e.ObjectID] = e
	}
	return rollup, res.Source, nil
}

func sortNewestFirst(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.After(events[j].OccurredAt)
	})
}
