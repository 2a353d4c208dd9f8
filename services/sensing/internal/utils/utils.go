package utils

import (
	"fmt"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

// IsNewObservation reports whether ts advances past the last recorded timestamp.
// The first observation of an edge is always new; ties and regressions are stale.
func IsNewObservation(ts float64, last map[string]float64, edgeID string) bool {
	prev, ok := last[edgeID]
	if !ok {
		return true
	}
	return ts > prev
}

// FilterNewSnapshots selects snapshots whose timestamp moved forward.
func FilterNewSnapshots(snapshots []models.EdgeSnapshot, last map[string]float64) []models.EdgeSnapshot {
	out := make([]models.EdgeSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Timestamp == nil {
			continue
		}
		if IsNewObservation(*snap.Timestamp, last, snap.EdgeID) {
			out = append(out, snap)
		}
	}
	return out
}

// SimulationStep truncates a simulator timestamp to its integer step.
func SimulationStep(ts float64) int64 {
	return int64(ts)
}

// BuildEnrichedEvent tags a snapshot with its junction and congestion state.
func BuildEnrichedEvent(snap models.EdgeSnapshot, junctionID, junctionName string, occupancy float64, congested bool) models.EnrichedEvent {
	return models.EnrichedEvent{
		EdgeID:              snap.EdgeID,
		JunctionID:          junctionID,
		JunctionName:        junctionName,
		SimulationStep:      SimulationStep(*snap.Timestamp),
		VehicleCount:        IntOr(snap.VehicleCount, 0),
		WaitTime:            FloatOr(snap.WaitTime, 0),
		WaitingVehicleCount: IntOr(snap.WaitingVehicleCount, 0),
		Occupancy:           occupancy,
		Congested:           congested,
	}
}

// IntOr dereferences v or returns def.
func IntOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// FloatOr dereferences v or returns def.
func FloatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// ValuePtrString prints pointer values for logging.
func ValuePtrString(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%.3f", *v)
}
