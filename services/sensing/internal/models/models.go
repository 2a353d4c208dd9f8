package models

import "time"

// EdgeSnapshot models the JSON document the simulator keeps per road edge.
type EdgeSnapshot struct {
	EdgeID              string   `json:"edgeID"`
	EdgeName            string   `json:"edgeName,omitempty"`
	Timestamp           *float64 `json:"timestamp"`
	LaneNumber          *int     `json:"laneNumber"`
	Speed               *float64 `json:"speed,omitempty"`
	VehicleCount        *int     `json:"vehicleCount"`
	WaitTime            *float64 `json:"waitTime"`
	WaitingVehicleCount *int     `json:"waitingVehicleCount"`
	Occupancy           *float64 `json:"occupancy,omitempty"`
}

// JunctionEdge is one (junction, incoming edge) row from the directory table.
type JunctionEdge struct {
	JunctionID     string
	JunctionName   string
	IncomingEdgeID string
}

// EnrichedEvent is a new edge observation tagged with its owning junction.
type EnrichedEvent struct {
	EdgeID              string
	JunctionID          string
	JunctionName        string
	SimulationStep      int64
	VehicleCount        int
	WaitTime            float64
	WaitingVehicleCount int
	Occupancy           float64
	Congested           bool
}

// TrafficPoint is the time-series form of an EnrichedEvent.
type TrafficPoint struct {
	JunctionID          string
	JunctionName        string
	EdgeID              string
	SimulationStep      int64
	VehicleCount        int
	WaitTime            float64
	WaitingVehicleCount int
	Occupancy           float64
	Congested           bool
	Time                time.Time
}

// TrafficFlow is the per-junction vehicle total for one window.
type TrafficFlow struct {
	TimeBucket time.Time
	JunctionID string
	FlowRate   int
}

// CongestedRoadCount is the number of junctions that saw congestion in one window.
type CongestedRoadCount struct {
	TimeBucket             time.Time
	CongestedJunctionCount int
}

// TopCongestedSegment counts congested observations of a junction in one window.
type TopCongestedSegment struct {
	TimeBucket      time.Time
	JunctionID      string
	JunctionName    string
	CongestionTimes int
}

// CongestionDurationRanking is the aggregated wait time of a junction in one window.
type CongestionDurationRanking struct {
	TimeBucket             time.Time
	JunctionID             string
	JunctionName           string
	TotalCongestionSeconds float64
}

// JunctionCongestion is one entry of the cached congestion ranking.
type JunctionCongestion struct {
	JunctionID      string `json:"junctionId"`
	JunctionName    string `json:"junctionName"`
	CongestionCount int    `json:"congestionCount"`
}
