package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

type fakeLoader struct {
	mu   sync.Mutex
	rows []models.JunctionEdge
	err  error
}

func (f *fakeLoader) LoadJunctionEdges(context.Context) ([]models.JunctionEdge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.err
}

func (f *fakeLoader) set(rows []models.JunctionEdge, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuild(t *testing.T) {
	s := Build([]models.JunctionEdge{
		{JunctionID: "J2", JunctionName: "Second", IncomingEdgeID: "C"},
		{JunctionID: "J1", JunctionName: "First", IncomingEdgeID: "A"},
		{JunctionID: "J1", JunctionName: "First", IncomingEdgeID: "B"},
		{JunctionID: "J3", JunctionName: "", IncomingEdgeID: "B"},
	})

	assert.Equal(t, []string{"J1", "J2", "J3"}, s.Junctions())
	assert.Equal(t, []string{"A", "B"}, s.IncomingEdges("J1"))
	assert.Equal(t, "First", s.Name("J1"))
	assert.Equal(t, "J3", s.Name("J3"))

	j, ok := s.JunctionForEdge("B")
	require.True(t, ok)
	assert.Equal(t, "J1", j)

	_, ok = s.JunctionForEdge("Z")
	assert.False(t, ok)
}

func TestRefresh_SwapsSnapshot(t *testing.T) {
	loader := &fakeLoader{rows: []models.JunctionEdge{{JunctionID: "J1", JunctionName: "One", IncomingEdgeID: "A"}}}
	d := New(loader, discard(), nil)
	assert.Equal(t, 0, d.Snapshot().Len())

	require.NoError(t, d.Refresh(context.Background()))
	old := d.Snapshot()
	assert.Equal(t, 1, old.Len())

	loader.set([]models.JunctionEdge{
		{JunctionID: "J2", JunctionName: "Two", IncomingEdgeID: "B"},
		{JunctionID: "J3", JunctionName: "Three", IncomingEdgeID: "C"},
	}, nil)
	require.NoError(t, d.Refresh(context.Background()))

	// a reader holding the old snapshot keeps a consistent view
	assert.Equal(t, []string{"J1"}, old.Junctions())
	_, ok := old.JunctionForEdge("B")
	assert.False(t, ok)

	cur := d.Snapshot()
	assert.Equal(t, []string{"J2", "J3"}, cur.Junctions())
	_, ok = cur.JunctionForEdge("A")
	assert.False(t, ok)
}

func TestRefresh_FailureKeepsPrevious(t *testing.T) {
	loader := &fakeLoader{rows: []models.JunctionEdge{{JunctionID: "J1", JunctionName: "One", IncomingEdgeID: "A"}}}
	d := New(loader, discard(), nil)
	require.NoError(t, d.Refresh(context.Background()))

	loader.set(nil, errors.New("connection refused"))
	err := d.Refresh(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, d.Snapshot().Len())
	j, ok := d.Snapshot().JunctionForEdge("A")
	assert.True(t, ok)
	assert.Equal(t, "J1", j)
}

func TestRefresh_ConcurrentReaders(t *testing.T) {
	rowsA := []models.JunctionEdge{{JunctionID: "JA", JunctionName: "A", IncomingEdgeID: "a1"}, {JunctionID: "JA", JunctionName: "A", IncomingEdgeID: "a2"}}
	rowsB := []models.JunctionEdge{{JunctionID: "JB", JunctionName: "B", IncomingEdgeID: "b1"}, {JunctionID: "JB", JunctionName: "B", IncomingEdgeID: "b2"}}
	loader := &fakeLoader{rows: rowsA}
	d := New(loader, discard(), nil)
	require.NoError(t, d.Refresh(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := d.Snapshot()
				for _, j := range s.Junctions() {
					for _, e := range s.IncomingEdges(j) {
						owner, ok := s.JunctionForEdge(e)
						if !ok || owner != j {
							t.Errorf("torn snapshot: edge %s owner %q in junction %s", e, owner, j)
							return
						}
					}
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			loader.set(rowsB, nil)
		} else {
			loader.set(rowsA, nil)
		}
		require.NoError(t, d.Refresh(context.Background()))
	}
	close(stop)
	wg.Wait()
}
