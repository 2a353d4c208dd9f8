package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

type call struct {
	sql  string
	args []any
}

type fakeExec struct {
	calls []call
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

var bucket = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestInserts(t *testing.T) {
	exec := &fakeExec{}
	s := &Store{exec: exec}
	ctx := context.Background()

	require.NoError(t, s.InsertTrafficFlow(ctx, models.TrafficFlow{TimeBucket: bucket, JunctionID: "J1", FlowRate: 35}))
	require.NoError(t, s.InsertCongestedRoadCount(ctx, models.CongestedRoadCount{TimeBucket: bucket, CongestedJunctionCount: 2}))
	require.NoError(t, s.InsertTopCongestedSegment(ctx, models.TopCongestedSegment{TimeBucket: bucket, JunctionID: "J1", JunctionName: "North", CongestionTimes: 4}))
	require.NoError(t, s.InsertCongestionDuration(ctx, models.CongestionDurationRanking{TimeBucket: bucket, JunctionID: "J1", JunctionName: "North", TotalCongestionSeconds: 90}))

	require.Len(t, exec.calls, 4)
	assert.Contains(t, exec.calls[0].sql, "traffic.traffic_flow")
	assert.Equal(t, []any{bucket, "J1", 35}, exec.calls[0].args)
	assert.Contains(t, exec.calls[1].sql, "traffic.congested_road_count")
	assert.Equal(t, []any{bucket, 2}, exec.calls[1].args)
	assert.Contains(t, exec.calls[2].sql, "traffic.top_congested_segments")
	assert.Equal(t, []any{bucket, "J1", "North", 4}, exec.calls[2].args)
	assert.Contains(t, exec.calls[3].sql, "traffic.congested_duration_ranking")
	assert.Equal(t, []any{bucket, "J1", "North", 90.0}, exec.calls[3].args)
}

func TestInsertWrapsError(t *testing.T) {
	cause := errors.New("connection reset")
	s := &Store{exec: &fakeExec{err: cause}}

	err := s.InsertTrafficFlow(context.Background(), models.TrafficFlow{JunctionID: "J7"})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "J7")
}

func TestSchemaStatements(t *testing.T) {
	stmts := SchemaStatements()
	require.NotEmpty(t, stmts)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE SCHEMA IF NOT EXISTS traffic"))

	joined := strings.Join(stmts, "\n")
	for _, table := range []string{
		"traffic.junction_incoming_edges",
		"traffic.traffic_flow",
		"traffic.congested_road_count",
		"traffic.top_congested_segments",
		"traffic.congested_duration_ranking",
	} {
		assert.Contains(t, joined, table)
	}
	for _, stmt := range stmts {
		assert.NotContains(t, stmt, ";")
	}
}
