// Package tsdb stores traffic points in InfluxDB and reads them back by simulation step.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

// Tag and field keys of the traffic measurement.
const (
	TagJunctionID   = "junctionId"
	TagJunctionName = "junctionName"
	TagEdgeID       = "edgeId"

	FieldVehicleCount        = "vehicleCount"
	FieldWaitTime            = "waitTime"
	FieldCongested           = "congested"
	FieldSimulationStep      = "simulationStep"
	FieldWaitingVehicleCount = "waitingVehicleCount"
	FieldOccupancy           = "occupancy"
)

// Options locates the measurement.
type Options struct {
	Org         string
	Bucket      string
	Measurement string
	// Range is the Flux range start, e.g. -30d.
	Range string
}

// Store wraps an InfluxDB client.
type Store struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	opts   Options
}

// New connects a Store to an InfluxDB server.
func New(url, token string, opts Options) *Store {
	client := influxdb2.NewClient(url, token)
	return &Store{
		client: client,
		write:  client.WriteAPIBlocking(opts.Org, opts.Bucket),
		query:  client.QueryAPI(opts.Org),
		opts:   opts,
	}
}

// Close releases client resources.
func (s *Store) Close() {
	s.client.Close()
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influxdb: %w", err)
	}
	if !ok {
		return errors.New("ping influxdb: server not ready")
	}
	return nil
}

// WritePoints writes a batch in one request.
func (s *Store) WritePoints(ctx context.Context, points []models.TrafficPoint) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		pts = append(pts, ToPoint(s.opts.Measurement, p))
	}
	if err := s.write.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("write %d points: %w", len(pts), err)
	}
	return nil
}

// MaxStep returns the highest simulation step stored. ok is false when the
// measurement is empty.
func (s *Store) MaxStep(ctx context.Context) (int64, bool, error) {
	res, err := s.query.Query(ctx, MaxStepQuery(s.opts))
	if err != nil {
		return 0, false, fmt.Errorf("query max step: %w", err)
	}
	defer res.Close()

	var (
		latest int64
		found  bool
	)
	for res.Next() {
		step, ok := asInt64(res.Record().Value())
		if !ok {
			continue
		}
		if !found || step > latest {
			latest, found = step, true
		}
	}
	if err := res.Err(); err != nil {
		return 0, false, fmt.Errorf("read max step: %w", err)
	}
	return latest, found, nil
}

// PointsInStepRange returns every point with from <= simulationStep <= to.
func (s *Store) PointsInStepRange(ctx context.Context, from, to int64) ([]models.TrafficPoint, error) {
	res, err := s.query.Query(ctx, StepRangeQuery(s.opts, from, to))
	if err != nil {
		return nil, fmt.Errorf("query steps %d-%d: %w", from, to, err)
	}
	defer res.Close()

	var out []models.TrafficPoint
	for res.Next() {
		rec := res.Record()
		out = append(out, PointFromValues(rec.Values(), rec.Time()))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("read steps %d-%d: %w", from, to, err)
	}
	return out, nil
}

// ToPoint maps a traffic point to line protocol.
func ToPoint(measurement string, p models.TrafficPoint) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			TagJunctionID:   p.JunctionID,
			TagJunctionName: p.JunctionName,
			TagEdgeID:       p.EdgeID,
		},
		map[string]interface{}{
			FieldVehicleCount:        int64(p.VehicleCount),
			FieldWaitTime:            p.WaitTime,
			FieldCongested:           p.Congested,
			FieldSimulationStep:      p.SimulationStep,
			FieldWaitingVehicleCount: int64(p.WaitingVehicleCount),
			FieldOccupancy:           p.Occupancy,
		},
		p.Time,
	)
}

// PointFromValues rebuilds a traffic point from a pivoted Flux record.
func PointFromValues(values map[string]interface{}, ts time.Time) models.TrafficPoint {
	p := models.TrafficPoint{
		JunctionID:   asString(values[TagJunctionID]),
		JunctionName: asString(values[TagJunctionName]),
		EdgeID:       asString(values[TagEdgeID]),
		Time:         ts,
	}
	if v, ok := asInt64(values[FieldSimulationStep]); ok {
		p.SimulationStep = v
	}
	if v, ok := asInt64(values[FieldVehicleCount]); ok {
		p.VehicleCount = int(v)
	}
	if v, ok := asInt64(values[FieldWaitingVehicleCount]); ok {
		p.WaitingVehicleCount = int(v)
	}
	if v, ok := asFloat64(values[FieldWaitTime]); ok {
		p.WaitTime = v
	}
	if v, ok := asFloat64(values[FieldOccupancy]); ok {
		p.Occupancy = v
	}
	if v, ok := values[FieldCongested].(bool); ok {
		p.Congested = v
	}
	return p
}

// MaxStepQuery builds the Flux query for the global maximum step.
func MaxStepQuery(o Options) string {
	var b strings.Builder
	writeSource(&b, o)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == %s)\n", strconv.Quote(FieldSimulationStep))
	b.WriteString("  |> group()\n")
	b.WriteString("  |> max()\n")
	return b.String()
}

// StepRangeQuery builds the Flux query for all points in an inclusive step range.
func StepRangeQuery(o Options, from, to int64) string {
	var b strings.Builder
	writeSource(&b, o)
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r.%s >= %d and r.%s <= %d)\n",
		FieldSimulationStep, from, FieldSimulationStep, to)
	return b.String()
}

func writeSource(b *strings.Builder, o Options) {
	fmt.Fprintf(b, "from(bucket: %s)\n", strconv.Quote(o.Bucket))
	fmt.Fprintf(b, "  |> range(start: %s)\n", o.Range)
	fmt.Fprintf(b, "  |> filter(fn: (r) => r._measurement == %s)\n", strconv.Quote(o.Measurement))
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
