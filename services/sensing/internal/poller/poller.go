// Package poller turns periodic edge snapshots into enriched traffic events.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/congestion"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/directory"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/metrics"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/snapshot"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/utils"
)

// Source returns the raw edge documents keyed by edge id.
type Source interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Directory exposes the current junction mapping.
type Directory interface {
	Snapshot() *directory.Snapshot
}

// Publisher hands events to the stream. It must not block.
type Publisher interface {
	Publish(ev models.EnrichedEvent) int
}

// TickResult summarises one poll.
type TickResult struct {
	At        time.Time `json:"at"`
	Edges     int       `json:"edges"`
	Malformed int       `json:"malformed"`
	Emitted   int       `json:"emitted"`
	Unmapped  int       `json:"unmapped"`
	Congested []string  `json:"congested"`
	Err       string    `json:"error,omitempty"`
}

// Engine runs the polling cycle. Ticks are serialised; the last-seen table has a
// single writer.
type Engine struct {
	source     Source
	dir        Directory
	pub        Publisher
	classifier congestion.Classifier
	log        *slog.Logger
	metrics    *metrics.Pipeline

	mu       sync.Mutex
	lastSeen map[string]float64
	last     atomic.Pointer[TickResult]
}

// New builds an Engine.
func New(source Source, dir Directory, pub Publisher, classifier congestion.Classifier, log *slog.Logger, m *metrics.Pipeline) *Engine {
	return &Engine{
		source:     source,
		dir:        dir,
		pub:        pub,
		classifier: classifier,
		log:        log,
		metrics:    m,
		lastSeen:   make(map[string]float64),
	}
}

// Tick fetches every edge, recomputes junction congestion and publishes one event
// per edge whose timestamp advanced. A failed fetch ends the tick without
// touching the last-seen table.
func (e *Engine) Tick(ctx context.Context) TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.PollTick()
	res := TickResult{At: time.Now().UTC(), Congested: []string{}}

	raw, err := e.source.Fetch(ctx)
	if err != nil {
		e.metrics.PollFailure()
		e.log.Error("failed to fetch edge snapshots", "error", err)
		res.Err = err.Error()
		e.last.Store(&res)
		return res
	}
	res.Edges = len(raw)

	// edges without a timestamp still count toward junction congestion but never
	// become events
	edges := make(map[string]models.EdgeSnapshot, len(raw))
	for key, doc := range raw {
		snap, err := snapshot.Decode(key, doc)
		if err != nil {
			res.Malformed++
			e.metrics.ParseFailure()
			e.log.Warn("skipping edge snapshot", "edge", key, "error", err)
			continue
		}
		if snap.Timestamp == nil {
			res.Malformed++
			e.metrics.ParseFailure()
			e.log.Warn("edge snapshot has no timestamp", "edge", snap.EdgeID)
		}
		edges[snap.EdgeID] = snap
	}

	dir := e.dir.Snapshot()
	congested := e.classifier.Junctions(dir, edges)
	for j := range congested {
		res.Congested = append(res.Congested, j)
	}
	sort.Strings(res.Congested)
	e.metrics.SetCongested(len(congested))

	ordered := make([]models.EdgeSnapshot, 0, len(edges))
	for _, snap := range edges {
		ordered = append(ordered, snap)
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].EdgeID < ordered[b].EdgeID })

	for _, snap := range utils.FilterNewSnapshots(ordered, e.lastSeen) {
		e.lastSeen[snap.EdgeID] = *snap.Timestamp

		junctionID, ok := dir.JunctionForEdge(snap.EdgeID)
		if !ok {
			res.Unmapped++
			e.metrics.UnmappedEdge()
			e.log.Debug("edge has no junction", "edge", snap.EdgeID, "timestamp", utils.ValuePtrString(snap.Timestamp))
			continue
		}

		ev := utils.BuildEnrichedEvent(
			snap,
			junctionID,
			dir.Name(junctionID),
			snapshot.Occupancy(snap, e.classifier.EstimateOccupancy),
			congested[junctionID],
		)
		e.pub.Publish(ev)
		e.metrics.EventEmitted()
		res.Emitted++
	}

	if res.Emitted > 0 || res.Unmapped > 0 {
		e.log.Debug("poll complete",
			"edges", res.Edges,
			"emitted", res.Emitted,
			"unmapped", res.Unmapped,
			"congested", len(res.Congested),
		)
	}
	e.last.Store(&res)
	return res
}

// LastTick returns the result of the most recent tick, if any.
func (e *Engine) LastTick() (TickResult, bool) {
	r := e.last.Load()
	if r == nil {
		return TickResult{}, false
	}
	return *r, true
}
