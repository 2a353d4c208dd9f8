// Package congestion classifies junctions from the occupancy of their incoming edges.
package congestion

import (
	"sort"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/directory"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/snapshot"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/utils"
)

// Classifier decides congestion against a fixed occupancy threshold.
type Classifier struct {
	Threshold float64
	// EstimateOccupancy derives a missing occupancy from the waiting queue.
	EstimateOccupancy bool
}

// Peak is the busiest incoming edge of a junction.
type Peak struct {
	EdgeID    string
	Occupancy float64
	Found     bool
}

// PeakOf returns the incoming edge with the highest occupancy among those present
// in edges. Edges without a current snapshot are ignored.
func (c Classifier) PeakOf(incoming []string, edges map[string]models.EdgeSnapshot) Peak {
	var peak Peak
	for _, id := range incoming {
		snap, ok := edges[id]
		if !ok {
			continue
		}
		occ := snapshot.Occupancy(snap, c.EstimateOccupancy)
		if !peak.Found || occ > peak.Occupancy {
			peak = Peak{EdgeID: id, Occupancy: occ, Found: true}
		}
	}
	return peak
}

// Congested reports whether a peak occupancy exceeds the threshold.
func (c Classifier) Congested(p Peak) bool {
	return p.Found && p.Occupancy > c.Threshold
}

// Junctions returns the set of congested junctions of the directory snapshot.
func (c Classifier) Junctions(dir *directory.Snapshot, edges map[string]models.EdgeSnapshot) map[string]bool {
	out := make(map[string]bool)
	for _, j := range dir.Junctions() {
		if c.Congested(c.PeakOf(dir.IncomingEdges(j), edges)) {
			out[j] = true
		}
	}
	return out
}

// Ranking scores every junction by the vehicle count of its busiest incoming edge
// when that edge is congested, zero otherwise, ordered by score descending.
func (c Classifier) Ranking(dir *directory.Snapshot, edges map[string]models.EdgeSnapshot) []models.JunctionCongestion {
	out := make([]models.JunctionCongestion, 0, dir.Len())
	for _, j := range dir.Junctions() {
		score := 0
		peak := c.PeakOf(dir.IncomingEdges(j), edges)
		if c.Congested(peak) {
			score = utils.IntOr(edges[peak.EdgeID].VehicleCount, 0)
		}
		out = append(out, models.JunctionCongestion{
			JunctionID:      j,
			JunctionName:    dir.Name(j),
			CongestionCount: score,
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CongestionCount > out[b].CongestionCount
	})
	return out
}
