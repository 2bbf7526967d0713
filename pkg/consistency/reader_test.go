package consistency

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

func newTestReader(fake *store.Fake) *Reader {
	return New(fake, 2*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFreshWriteReadsIngestionLane(t *testing.T) {
	fake := store.NewFake()
	fake.Lag = time.Minute // projection has not caught up
	r := newTestReader(fake)

	e := models.NewEvent(models.ActionDDLDeployed, models.ObjectTypeDDLObject, "ANALYTICS.MCP.MY_PROC")
	fake.Append(e)

	res, err := r.Read(context.Background(), Params{
		Filter:  store.EventFilter{ObjectID: "ANALYTICS.MCP.MY_PROC"},
		WroteAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceRaw, res.Source)
	require.Len(t, res.Events, 1)
	assert.Equal(t, e.EventID, res.Events[0].EventID)
}

func TestStaleWriteReadsProjection(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)
	fake.Append(models.NewEvent(models.ActionDevClaim, models.ObjectTypeLease, "ns1"))

	res, err := r.Read(context.Background(), Params{
		Filter:  store.EventFilter{ObjectType: models.ObjectTypeLease},
		WroteAt: time.Now().UTC().Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceView, res.Source)
	assert.Len(t, res.Events, 1)
}

func TestNoWriteTimeReadsProjection(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)

	res, err := r.Read(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, SourceView, res.Source)
	assert.Empty(t, res.Events)
}

func TestExpectRetriesThroughRefreshLag(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)
	r.backoffBase = time.Millisecond

	fake.Append(models.NewEvent(models.ActionTokenCreated, models.ObjectTypeUserToken, "tok-1"))
	fake.SetLag(time.Minute)
	go func() {
		// projection "catches up" while the reader backs off
		time.Sleep(5 * time.Millisecond)
		fake.SetLag(0)
	}()

	res, err := r.Read(context.Background(), Params{
		Filter: store.EventFilter{ObjectID: "tok-1"},
		Expect: true,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceView, res.Source)
	assert.Len(t, res.Events, 1)
}

func TestExpectGivesUpAfterAttempts(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)
	r.backoffBase = time.Millisecond

	res, err := r.Read(context.Background(), Params{
		Filter: store.EventFilter{ObjectID: "never-written"},
		Expect: true,
	})
	require.NoError(t, err, "lag exhaustion is not an error, just an empty read")
	assert.Empty(t, res.Events)
}

func TestLatestDeployment(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)

	old := models.NewEvent(models.ActionDDLDeployed, models.ObjectTypeDDLObject, "DB.S.PROC_A")
	old.OccurredAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old.Attributes["version"] = "2026-01-01T00:00:00Z"
	fake.Append(old)
	fresh := models.NewEvent(models.ActionDDLDeployed, models.ObjectTypeDDLObject, "DB.S.PROC_A")
	fresh.Attributes["version"] = "2026-03-01T00:00:00Z"
	fake.Append(fresh)

	e, source, err := r.LatestDeployment(context.Background(), "DB.S.PROC_A", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, SourceView, source)
	assert.Equal(t, "2026-03-01T00:00:00Z", e.Attr("version"))

	e, _, err = r.LatestDeployment(context.Background(), "DB.S.NEVER", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestActiveLeases(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)

	claim := func(ns string, at time.Time) {
		e := models.NewEvent(models.ActionDevClaim, models.ObjectTypeLease, ns)
		e.OccurredAt = at
		fake.Append(e)
	}
	release := func(ns string, at time.Time) {
		e := models.NewEvent(models.ActionDevRelease, models.ObjectTypeLease, ns)
		e.OccurredAt = at
		fake.Append(e)
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	claim("ns-held", base)
	claim("ns-released", base.Add(time.Minute))
	release("ns-released", base.Add(2*time.Minute))

	active, _, err := r.ActiveLeases(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ns-held", active[0].ObjectID)
}

func TestStatusRollupKeepsNewestPerObject(t *testing.T) {
	fake := store.NewFake()
	r := newTestReader(fake)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, name := range []string{"DB.S.A", "DB.S.A", "DB.S.B"} {
		e := models.NewEvent(models.ActionDDLDeployed, models.ObjectTypeDDLObject, name)
		e.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		e.Attributes["version"] = e.OccurredAt.Format(time.RFC3339)
		fake.Append(e)
	}

	rollup, _, err := r.StatusRollup(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, rollup, 2)
	assert.Equal(t, base.Add(time.Minute).Format(time.RFC3339), rollup["DB.S.A"].Attr("version"))
}
