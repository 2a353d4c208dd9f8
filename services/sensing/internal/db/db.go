package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Execer is the subset of pgxpool.Pool used for writes.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store wraps database access for the sensing service.
type Store struct {
	pool *pgxpool.Pool
	exec Execer
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, exec: pool}, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const loadJunctionEdgesSQL = `
    SELECT junction_id, junction_name, incoming_edge_id
    FROM traffic.junction_incoming_edges
`

// LoadJunctionEdges returns every (junction, incoming edge) row.
func (s *Store) LoadJunctionEdges(ctx context.Context) ([]models.JunctionEdge, error) {
	rows, err := s.pool.Query(ctx, loadJunctionEdgesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.JunctionEdge, 0)
	for rows.Next() {
		var row models.JunctionEdge
		var name *string
		if err := rows.Scan(&row.JunctionID, &name, &row.IncomingEdgeID); err != nil {
			return nil, err
		}
		if name != nil {
			row.JunctionName = *name
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const (
	insertTrafficFlowSQL = `INSERT INTO traffic.traffic_flow (time_bucket, junction_id, flow_rate)
VALUES ($1,$2,$3)`
	insertCongestedRoadCountSQL = `INSERT INTO traffic.congested_road_count (time_bucket, congested_junction_count)
VALUES ($1,$2)`
	insertTopCongestedSegmentSQL = `INSERT INTO traffic.top_congested_segments (time_bucket, junction_id, junction_name, congestion_times)
VALUES ($1,$2,$3,$4)`
	insertCongestionDurationSQL = `INSERT INTO traffic.congested_duration_ranking (time_bucket, junction_id, junction_name, total_congestion_duration_s)
VALUES ($1,$2,$3,$4)`
)

// InsertTrafficFlow writes one traffic flow row.
func (s *Store) InsertTrafficFlow(ctx context.Context, row models.TrafficFlow) error {
	_, err := s.exec.Exec(ctx, insertTrafficFlowSQL, row.TimeBucket, row.JunctionID, row.FlowRate)
	if err != nil {
		return fmt.Errorf("insert traffic_flow %s: %w", row.JunctionID, err)
	}
	return nil
}

// InsertCongestedRoadCount writes the per-window congested junction count.
func (s *Store) InsertCongestedRoadCount(ctx context.Context, row models.CongestedRoadCount) error {
	_, err := s.exec.Exec(ctx, insertCongestedRoadCountSQL, row.TimeBucket, row.CongestedJunctionCount)
	if err != nil {
		return fmt.Errorf("insert congested_road_count: %w", err)
	}
	return nil
}

// InsertTopCongestedSegment writes one congested junction row.
func (s *Store) InsertTopCongestedSegment(ctx context.Context, row models.TopCongestedSegment) error {
	_, err := s.exec.Exec(ctx, insertTopCongestedSegmentSQL, row.TimeBucket, row.JunctionID, row.JunctionName, row.CongestionTimes)
	if err != nil {
		return fmt.Errorf("insert top_congested_segments %s: %w", row.JunctionID, err)
	}
	return nil
}

// InsertCongestionDuration writes one congestion duration row.
func (s *Store) InsertCongestionDuration(ctx context.Context, row models.CongestionDurationRanking) error {
	_, err := s.exec.Exec(ctx, insertCongestionDurationSQL, row.TimeBucket, row.JunctionID, row.JunctionName, row.TotalCongestionSeconds)
	if err != nil {
		return fmt.Errorf("insert congested_duration_ranking %s: %w", row.JunctionID, err)
	}
	return nil
}

// SchemaStatements splits the embedded schema into single statements.
func SchemaStatements() []string {
	parts := strings.Split(schemaSQL, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := SchemaStatements()
	batch := &pgx.Batch{}
	for _, stmt := range stmts {
		batch.Queue(stmt)
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()

	for i := range stmts {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
