package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

const viewDDL = "CREATE OR REPLACE VIEW ANALYTICS.MCP.VW_DAILY AS SELECT 1 AS N"

const procDDL = `CREATE OR REPLACE PROCEDURE ANALYTICS.MCP.LOG_EVENT(payload VARIANT)
RETURNS VARIANT
LANGUAGE SQL
AS
$$
BEGIN
  INSERT INTO EVENTS_INGEST (payload) SELECT :payload;
  RETURN OBJECT_CONSTRUCT('ok', true);
END;
$$`

func newTestGateway(t *testing.T) (*Gateway, *store.Fake) {
	t.Helper()
	fake := store.NewFake()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := eventlog.New(fake, eventlog.Config{RatePerMin: 1000}, logger)
	reader := consistency.New(fake, 2*time.Minute, logger)
	return New(fake, events, reader, logger), fake
}

func deployClass(t *testing.T, err error) string {
	t.Helper()
	var gw *models.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, models.KindDeploy, gw.Kind)
	return gw.Class
}

func TestDeployInlineView(t *testing.T) {
	g, fake := newTestGateway(t)

	result, err := g.Deploy(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY",
		DDL: viewDDL, Provenance: "unit-test", Reason: "initial", Actor: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "ANALYTICS.MCP.VW_DAILY", result.ObjectName)
	assert.NotEmpty(t, result.Version)
	assert.Empty(t, result.PreviousVersion)

	// shadow compile, candidate drop, then the real DDL
	executed := fake.Executed()
	require.Len(t, executed, 3)
	assert.Contains(t, executed[0].SQL, "VW_DAILY_CANDIDATE")
	assert.Contains(t, executed[1].SQL, "DROP VIEW IF EXISTS")
	assert.Equal(t, viewDDL, executed[2].SQL)

	deployed := fake.EventsByAction(models.ActionDDLDeployed)
	require.Len(t, deployed, 1)
	assert.Equal(t, "ANALYTICS.MCP.VW_DAILY", deployed[0].ObjectID)
	assert.Equal(t, "unit-test", deployed[0].Attr("provenance"))
}

func TestDeployFromStageChecksum(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.PutStageFile("@DEPLOY/vw.sql", store.FakeStageFile{
		Content: viewDDL, MD5: "good-md5", Size: int64(len(viewDDL)),
	})

	// wrong checksum: rejected before anything executes
	_, err := g.Deploy(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY",
		StageURL: "@DEPLOY/vw.sql", ExpectedMD5: "evil-md5", Actor: "alice",
	})
	assert.Equal(t, models.ClassChecksumMismatch, deployClass(t, err))
	assert.Empty(t, fake.Executed(), "mismatched files never reach the warehouse")
	require.Len(t, fake.EventsByAction(models.ActionDDLDeployError), 1)

	// matching checksum deploys
	result, err := g.Deploy(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY",
		StageURL: "@DEPLOY/vw.sql", ExpectedMD5: "GOOD-MD5", Actor: "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Version)
	assert.Len(t, fake.EventsByAction(models.ActionStageDeployed), 1)
}

func TestDeployStageSizeCap(t *testing.T) {
	g, fake := newTestGateway(t)

	fake.PutStageFile("@DEPLOY/big.sql", store.FakeStageFile{
		Content: viewDDL, MD5: "m", Size: MaxStageBytes + 1,
	})
	_, err := g.Deploy(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY",
		StageURL: "@DEPLOY/big.sql", ExpectedMD5: "m", Actor: "alice",
	})
	assert.Equal(t, models.ClassFileTooLarge, deployClass(t, err))

	fake.PutStageFile("@DEPLOY/exact.sql", store.FakeStageFile{
		Content: viewDDL, MD5: "m", Size: MaxStageBytes,
	})
	_, err = g.Deploy(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY",
		StageURL: "@DEPLOY/exact.sql", ExpectedMD5: "m", Actor: "alice",
	})
	assert.NoError(t, err, "exactly at the cap is allowed")
}

func TestDeployForbiddenDDL(t *testing.T) {
	g, fake := newTestGateway(t)

	for _, ddl := range []string{
		"DROP TABLE ANALYTICS.ACTIVITY.EVENTS",
		"TRUNCATE TABLE ANALYTICS.ACTIVITY.EVENTS",
		"CREATE OR REPLACE VIEW V AS SELECT 1; DROP SCHEMA ANALYTICS.MCP",
		"ALTER ACCOUNT SET ABORT_DETACHED_QUERY = TRUE",
		"CREATE TABLE ANALYTICS.MCP.SIDE_TABLE (N INT)",
	} {
		_, err := g.Deploy(context.Background(), Request{
			Type: "VIEW", Name: "ANALYTICS.MCP.V", DDL: ddl, Actor: "mallory",
		})
		require.Error(t, err, ddl)
		var gw *models.GatewayError
		require.ErrorAs(t, err, &gw)
		assert.Contains(t,
			[]string{models.ClassForbiddenOperation, models.ClassMultipleStatements},
			gw.Class, ddl)
	}

	assert.Empty(t, fake.Executed(), "forbidden DDL never reaches the warehouse")
	assert.Len(t, fake.EventsByAction(models.ActionDDLDeployError), 5,
		"rejected attempts still produce events")
}

func TestDeployVersionConflict(t *testing.T) {
	g, fake := newTestGateway(t)
	ctx := context.Background()

	first, err := g.Deploy(ctx, Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL, Actor: "alice",
	})
	require.NoError(t, err)

	// both agents read version v1
	v1 := first.Version

	second, err := g.Deploy(ctx, Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL,
		ExpectedVersion: v1, Actor: "alice",
	})
	require.NoError(t, err, "first writer with expected_version wins")

	_, err = g.Deploy(ctx, Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL,
		ExpectedVersion: v1, Actor: "bob",
	})
	var gw *models.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, models.ClassVersionConflict, gw.Class)
	assert.Equal(t, v1, gw.Details["expected_version"])
	assert.Equal(t, second.Version, gw.Details["current_version"])

	require.Len(t, fake.EventsByAction(models.ActionDDLDeployed), 2)
	require.Len(t, fake.EventsByAction(models.ActionDDLDeployError), 1)
}

func TestDeployUnversionedRaceLastWriterWins(t *testing.T) {
	g, fake := newTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Deploy(ctx, Request{
			Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL, Actor: "agent",
		})
		require.NoError(t, err)
	}
	assert.Len(t, fake.EventsByAction(models.ActionDDLDeployed), 2,
		"both racing deploys emit events")
}

func TestShadowCompileFailureProtectsProduction(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.ExecHook = func(sqlText string, _ []any) ([]map[string]any, bool, error) {
		if strings.Contains(sqlText, "_CANDIDATE") && !strings.Contains(sqlText, "DROP") {
			return nil, true, errors.New("SQL compilation error: invalid identifier 'NO_SUCH_COL'")
		}
		return nil, false, nil
	}

	_, err := g.Deploy(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL, Actor: "alice",
	})
	assert.Equal(t, models.ClassCompileFailed, deployClass(t, err))

	for _, ex := range fake.Executed() {
		assert.Contains(t, ex.SQL, "_CANDIDATE", "production DDL never ran")
	}
	assert.Empty(t, fake.EventsByAction(models.ActionDDLDeployed))
}

func TestDollarQuotedBodyIsOneStatement(t *testing.T) {
	stmt, err := parseSingleStatement(procDDL)
	require.NoError(t, err)
	assert.Contains(t, stmt, "INSERT INTO EVENTS_INGEST")
}

func TestParseSingleStatement(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", "CREATE OR REPLACE VIEW V AS SELECT 1", false},
		{"trailing semicolon", "CREATE OR REPLACE VIEW V AS SELECT 1;", false},
		{"two statements", "SELECT 1; SELECT 2", true},
		{"semicolon in string", "CREATE OR REPLACE VIEW V AS SELECT ';' AS C", false},
		{"escaped quote", "CREATE OR REPLACE VIEW V AS SELECT 'it''s; fine' AS C", false},
		{"empty", "   ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSingleStatement(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLeaseLifecycle(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	leaseID, err := g.Claim(ctx, "mcp", "ANALYTICS.MCP", "agent-1", "", 15*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, leaseID)

	_, err = g.Deploy(ctx, Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL,
		LeaseID: leaseID, Actor: "agent-1",
	})
	require.NoError(t, err, "active lease allows deploy")

	require.NoError(t, g.Release(ctx, leaseID, "agent-1"))
	_, err = g.Deploy(ctx, Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL,
		LeaseID: leaseID, Actor: "agent-1",
	})
	assert.Equal(t, models.ClassInvalidLease, deployClass(t, err))
}

func TestLeaseExpiresByTTL(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	leaseID, err := g.Claim(ctx, "mcp", "ANALYTICS.MCP", "agent-1", "", time.Minute)
	require.NoError(t, err)

	g.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	_, err = g.Deploy(ctx, Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL,
		LeaseID: leaseID, Actor: "agent-1",
	})
	assert.Equal(t, models.ClassInvalidLease, deployClass(t, err))
}

func TestValidateDoesNotTouchProduction(t *testing.T) {
	g, fake := newTestGateway(t)

	err := g.Validate(context.Background(), Request{
		Type: "VIEW", Name: "ANALYTICS.MCP.VW_DAILY", DDL: viewDDL,
	})
	require.NoError(t, err)

	for _, ex := range fake.Executed() {
		assert.Contains(t, ex.SQL, "_CANDIDATE")
	}
	assert.Empty(t, fake.EventsByAction(models.ActionDDLDeployed))
}

func TestDiscover(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := g.Deploy(ctx, Request{Type: "VIEW", Name: "ANALYTICS.MCP.VW_A", DDL: strings.Replace(viewDDL, "VW_DAILY", "VW_A", 1), Actor: "a"})
	require.NoError(t, err)
	_, err = g.Deploy(ctx, Request{Type: "VIEW", Name: "ANALYTICS.MCP.VW_B", DDL: strings.Replace(viewDDL, "VW_DAILY", "VW_B", 1), Actor: "a"})
	require.NoError(t, err)

	all, err := g.Discover(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := g.Discover(ctx, "vw_a")
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
}

func TestDispatchUnknownAction(t *testing.T) {
	g, _ := newTestGateway(t)
	_, err := g.Dispatch(context.Background(), "drop_everything", nil)
	assert.Equal(t, models.ClassForbiddenOperation, deployClass(t, err))
}
