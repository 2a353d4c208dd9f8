// Package directory caches the junction to incoming-edge mapping.
//
// The mapping is rebuilt wholesale on every refresh and published by swapping a
// pointer to an immutable Snapshot, so readers see either the previous or the new
// mapping and never a mix of both.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/metrics"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

// Loader returns every (junction, incoming edge) row.
type Loader interface {
	LoadJunctionEdges(ctx context.Context) ([]models.JunctionEdge, error)
}

// Snapshot is one immutable version of the directory.
type Snapshot struct {
	edges     map[string][]string
	names     map[string]string
	owner     map[string]string
	junctions []string
}

// Build groups directory rows by junction. An edge listed under several junctions
// belongs to the first junction that lists it.
func Build(rows []models.JunctionEdge) *Snapshot {
	s := &Snapshot{
		edges: make(map[string][]string),
		names: make(map[string]string),
		owner: make(map[string]string),
	}
	for _, row := range rows {
		if row.JunctionID == "" {
			continue
		}
		if _, ok := s.names[row.JunctionID]; !ok {
			s.names[row.JunctionID] = row.JunctionName
			s.junctions = append(s.junctions, row.JunctionID)
		}
		if row.IncomingEdgeID == "" {
			continue
		}
		s.edges[row.JunctionID] = append(s.edges[row.JunctionID], row.IncomingEdgeID)
		if _, ok := s.owner[row.IncomingEdgeID]; !ok {
			s.owner[row.IncomingEdgeID] = row.JunctionID
		}
	}
	sort.Strings(s.junctions)
	return s
}

// Len returns the number of junctions.
func (s *Snapshot) Len() int {
	return len(s.junctions)
}

// Junctions returns junction ids in ascending order.
func (s *Snapshot) Junctions() []string {
	return s.junctions
}

// IncomingEdges returns the incoming edges of a junction.
func (s *Snapshot) IncomingEdges(junctionID string) []string {
	return s.edges[junctionID]
}

// Name returns the display name of a junction, or its id when unnamed.
func (s *Snapshot) Name(junctionID string) string {
	if name := s.names[junctionID]; name != "" {
		return name
	}
	return junctionID
}

// JunctionForEdge finds the junction that owns an incoming edge.
func (s *Snapshot) JunctionForEdge(edgeID string) (string, bool) {
	j, ok := s.owner[edgeID]
	return j, ok
}

// Directory serves the latest successfully loaded Snapshot.
type Directory struct {
	loader  Loader
	log     *slog.Logger
	metrics *metrics.Pipeline
	current atomic.Pointer[Snapshot]
}

// New creates a Directory holding an empty snapshot until the first refresh.
func New(loader Loader, log *slog.Logger, m *metrics.Pipeline) *Directory {
	d := &Directory{loader: loader, log: log, metrics: m}
	d.current.Store(Build(nil))
	return d
}

// Snapshot returns the current mapping. Callers keep using the returned value for
// the whole of one computation.
func (d *Directory) Snapshot() *Snapshot {
	return d.current.Load()
}

// Refresh reloads the mapping. On failure the previous snapshot stays in place.
func (d *Directory) Refresh(ctx context.Context) error {
	rows, err := d.loader.LoadJunctionEdges(ctx)
	if err != nil {
		d.metrics.RefreshFailure()
		d.log.Error("failed to refresh junction directory", "error", err)
		return fmt.Errorf("load junction edges: %w", err)
	}

	next := Build(rows)
	d.current.Store(next)
	d.metrics.SetJunctions(next.Len())
	d.log.Info("junction directory refreshed", "junctions", next.Len(), "rows", len(rows))
	return nil
}
