package analysis

import (
	"sort"
	"time"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

// MaxCongestionSeconds caps the congestion duration of a junction in one window.
const MaxCongestionSeconds = 7200.0

// Aggregates are the rows produced by one window.
type Aggregates struct {
	Flows     []models.TrafficFlow
	RoadCount models.CongestedRoadCount
	Segments  []models.TopCongestedSegment
	Durations []models.CongestionDurationRanking
}

// NameFunc resolves a display name for a junction.
type NameFunc func(junctionID string) string

// Compute derives the four window metrics. Junctions are emitted in id order.
func Compute(points []models.TrafficPoint, bucket time.Time, names NameFunc) Aggregates {
	byJunction := GroupByJunction(points)
	ids := make([]string, 0, len(byJunction))
	for id := range byJunction {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	agg := Aggregates{RoadCount: models.CongestedRoadCount{TimeBucket: bucket}}
	for _, id := range ids {
		pts := byJunction[id]
		name := junctionName(id, pts, names)

		agg.Flows = append(agg.Flows, models.TrafficFlow{
			TimeBucket: bucket,
			JunctionID: id,
			FlowRate:   TrafficFlow(pts),
		})

		if n := CongestedPoints(pts); n > 0 {
			agg.RoadCount.CongestedJunctionCount++
			agg.Segments = append(agg.Segments, models.TopCongestedSegment{
				TimeBucket:      bucket,
				JunctionID:      id,
				JunctionName:    name,
				CongestionTimes: n,
			})
		}

		agg.Durations = append(agg.Durations, models.CongestionDurationRanking{
			TimeBucket:             bucket,
			JunctionID:             id,
			JunctionName:           name,
			TotalCongestionSeconds: CongestionDuration(pts),
		})
	}
	return agg
}

// GroupByJunction buckets points by junction id. Points without a junction are dropped.
func GroupByJunction(points []models.TrafficPoint) map[string][]models.TrafficPoint {
	out := make(map[string][]models.TrafficPoint)
	for _, p := range points {
		if p.JunctionID == "" {
			continue
		}
		out[p.JunctionID] = append(out[p.JunctionID], p)
	}
	return out
}

// TrafficFlow sums vehicle counts.
func TrafficFlow(points []models.TrafficPoint) int {
	total := 0
	for _, p := range points {
		total += p.VehicleCount
	}
	return total
}

// CongestedPoints counts points flagged congested.
func CongestedPoints(points []models.TrafficPoint) int {
	n := 0
	for _, p := range points {
		if p.Congested {
			n++
		}
	}
	return n
}

// CongestionDuration sums, over the steps present, the largest per-edge increase of
// cumulative wait time relative to the previous step. An edge with no reading at
// the previous step counts from zero and a decrease counts as zero. The result is
// clamped to [0, MaxCongestionSeconds].
func CongestionDuration(points []models.TrafficPoint) float64 {
	// step -> edge -> cumulative wait
	waits := make(map[int64]map[string]float64)
	for _, p := range points {
		edges, ok := waits[p.SimulationStep]
		if !ok {
			edges = make(map[string]float64)
			waits[p.SimulationStep] = edges
		}
		if prev, seen := edges[p.EdgeID]; !seen || p.WaitTime > prev {
			edges[p.EdgeID] = p.WaitTime
		}
	}

	total := 0.0
	for step, edges := range waits {
		prevEdges := waits[step-1]
		stepMax := 0.0
		for edge, wait := range edges {
			delta := wait - prevEdges[edge]
			if delta > stepMax {
				stepMax = delta
			}
		}
		total += stepMax
	}
	return min(max(total, 0), MaxCongestionSeconds)
}

func junctionName(id string, points []models.TrafficPoint, names NameFunc) string {
	for _, p := range points {
		if p.JunctionName != "" {
			return p.JunctionName
		}
	}
	if names != nil {
		return names(id)
	}
	return id
}
