package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	latest  int64
	hasData bool
	maxErr  error
	points  []models.TrafficPoint
	ranges  [][2]int64
}

func (s *fakeStore) MaxStep(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasData, s.maxErr
}

func (s *fakeStore) PointsInStepRange(_ context.Context, from, to int64) ([]models.TrafficPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = append(s.ranges, [2]int64{from, to})
	var out []models.TrafficPoint
	for _, p := range s.points {
		if p.SimulationStep >= from && p.SimulationStep <= to {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) setLatest(step int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest, s.hasData = step, true
}

func (s *fakeStore) fetched() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int64(nil), s.ranges...)
}

type fakeWriter struct {
	mu        sync.Mutex
	flows     []models.TrafficFlow
	counts    []models.CongestedRoadCount
	segments  []models.TopCongestedSegment
	durations []models.CongestionDurationRanking
	failFlow  string
}

func (w *fakeWriter) InsertTrafficFlow(_ context.Context, row models.TrafficFlow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if row.JunctionID == w.failFlow {
		return errors.New("duplicate key")
	}
	w.flows = append(w.flows, row)
	return nil
}

func (w *fakeWriter) InsertCongestedRoadCount(_ context.Context, row models.CongestedRoadCount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts = append(w.counts, row)
	return nil
}

func (w *fakeWriter) InsertTopCongestedSegment(_ context.Context, row models.TopCongestedSegment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segments = append(w.segments, row)
	return nil
}

func (w *fakeWriter) InsertCongestionDuration(_ context.Context, row models.CongestionDurationRanking) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.durations = append(w.durations, row)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newEngine(store *fakeStore, writer *fakeWriter) *Engine {
	return New(store, writer, nil, Options{
		WindowSize: 3,
		Advance:    2 * time.Hour,
		BaseTime:   "2025-03-01T08:00:00",
		Location:   time.UTC,
	}, discard(), nil)
}

func TestParseBaseTime(t *testing.T) {
	got, err := ParseBaseTime("2025-03-01T08:00:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	got, err = ParseBaseTime("2025-03-01T10:00:00+02:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, base.Equal(got))

	_, err = ParseBaseTime("yesterday", time.UTC)
	assert.Error(t, err)

	_, err = ParseBaseTime("", time.UTC)
	assert.Error(t, err)
}

func TestInit_ResumesFromLatestStep(t *testing.T) {
	store := &fakeStore{latest: 42, hasData: true}
	e := newEngine(store, &fakeWriter{})
	assert.Equal(t, PhaseUninitialized, e.Phase())

	e.Init(context.Background())

	assert.Equal(t, PhaseSteady, e.Phase())
	st := e.State()
	require.NotNil(t, st)
	assert.Equal(t, int64(42), st.LastProcessedStep)
	assert.Equal(t, base, st.WindowBaseTime)
}

func TestInit_FallsBackToZero(t *testing.T) {
	for name, store := range map[string]*fakeStore{
		"empty":  {},
		"failed": {maxErr: errors.New("influx down")},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEngine(store, &fakeWriter{})
			e.Init(context.Background())
			assert.Equal(t, int64(0), e.State().LastProcessedStep)
			assert.Equal(t, PhaseSteady, e.Phase())
		})
	}
}

func TestInit_BadBaseTimeUsesNow(t *testing.T) {
	now := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	e := New(&fakeStore{}, &fakeWriter{}, nil, Options{BaseTime: "not a time", Location: time.UTC}, discard(), nil)
	e.now = func() time.Time { return now }

	e.Init(context.Background())

	assert.Equal(t, now, e.State().WindowBaseTime)
}

func TestInit_RunsOnce(t *testing.T) {
	store := &fakeStore{latest: 3, hasData: true}
	e := newEngine(store, &fakeWriter{})
	e.Init(context.Background())

	store.setLatest(100)
	e.Init(context.Background())

	assert.Equal(t, int64(3), e.State().LastProcessedStep)
}

func TestCheck_BeforeInitDoesNothing(t *testing.T) {
	e := newEngine(&fakeStore{latest: 10, hasData: true}, &fakeWriter{})
	_, ok := e.Check(context.Background())
	assert.False(t, ok)
}

func TestCheck_ClaimsDueWindowOnly(t *testing.T) {
	store := &fakeStore{}
	e := newEngine(store, &fakeWriter{})
	e.Init(context.Background())

	store.setLatest(5)
	w, ok := e.Check(context.Background())
	require.True(t, ok)
	assert.Equal(t, Window{From: 1, To: 3, Bucket: base}, w)

	st := e.State()
	assert.Equal(t, int64(3), st.LastProcessedStep)
	assert.Equal(t, base.Add(2*time.Hour), st.WindowBaseTime)
	assert.Equal(t, uint64(1), st.Version)

	store.setLatest(4)
	_, ok = e.Check(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int64(3), e.State().LastProcessedStep)

	require.NoError(t, e.Wait(context.Background()))
	assert.Equal(t, [][2]int64{{1, 3}}, store.fetched())
}

func TestCheck_AdvancesOneWindowPerCheck(t *testing.T) {
	store := &fakeStore{}
	e := newEngine(store, &fakeWriter{})
	e.Init(context.Background())
	store.setLatest(9)

	var windows []Window
	for i := 0; i < 4; i++ {
		if w, ok := e.Check(context.Background()); ok {
			windows = append(windows, w)
		}
	}
	require.NoError(t, e.Wait(context.Background()))

	assert.Equal(t, []Window{
		{From: 1, To: 3, Bucket: base},
		{From: 4, To: 6, Bucket: base.Add(2 * time.Hour)},
		{From: 7, To: 9, Bucket: base.Add(4 * time.Hour)},
	}, windows)
}

func TestCheck_ConcurrentChecksNeverShareAWindow(t *testing.T) {
	store := &fakeStore{}
	e := newEngine(store, &fakeWriter{})
	e.Init(context.Background())
	store.setLatest(30)

	var (
		mu      sync.Mutex
		claimed []Window
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w, ok := e.Check(context.Background()); ok {
				mu.Lock()
				claimed = append(claimed, w)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.Wait(context.Background()))

	assert.Len(t, claimed, 10)
	seen := map[int64]bool{}
	for _, w := range claimed {
		assert.False(t, seen[w.From], "window starting at %d claimed twice", w.From)
		seen[w.From] = true
		assert.Equal(t, w.From+2, w.To)
	}
	assert.Equal(t, int64(30), e.State().LastProcessedStep)
	assert.Equal(t, uint64(10), e.State().Version)
}

func TestCheck_PersistsWindowAggregates(t *testing.T) {
	store := &fakeStore{points: []models.TrafficPoint{
		pt("J1", "A", 1, 10, 0, true),
		pt("J1", "A", 2, 5, 0, false),
		pt("J1", "A", 3, 20, 0, false),
		pt("J1", "A", 4, 99, 0, false),
	}}
	w := &fakeWriter{}
	e := newEngine(store, w)
	e.Init(context.Background())
	store.setLatest(4)

	_, ok := e.Check(context.Background())
	require.True(t, ok)
	require.NoError(t, e.Wait(context.Background()))

	require.Len(t, w.flows, 1)
	assert.Equal(t, 35, w.flows[0].FlowRate)
	assert.Equal(t, base, w.flows[0].TimeBucket)
	require.Len(t, w.counts, 1)
	assert.Equal(t, 1, w.counts[0].CongestedJunctionCount)
	require.Len(t, w.segments, 1)
	assert.Equal(t, 1, w.segments[0].CongestionTimes)
}

func TestProcessWindow_InsertFailureIsIsolated(t *testing.T) {
	w := &fakeWriter{failFlow: "J1"}
	e := newEngine(&fakeStore{}, w)

	e.ProcessWindow(context.Background(), []models.TrafficPoint{
		pt("J1", "A", 1, 1, 0, true),
		pt("J2", "B", 1, 2, 0, false),
	}, base)

	require.Len(t, w.flows, 1)
	assert.Equal(t, "J2", w.flows[0].JunctionID)
	assert.Len(t, w.counts, 1)
	assert.Len(t, w.segments, 1)
	assert.Len(t, w.durations, 2)
}

func TestProcessWindow_EmptyWindowWritesNothing(t *testing.T) {
	w := &fakeWriter{}
	e := newEngine(&fakeStore{}, w)

	e.ProcessWindow(context.Background(), nil, base)

	assert.Empty(t, w.flows)
	assert.Empty(t, w.counts)
	assert.Empty(t, w.segments)
	assert.Empty(t, w.durations)
}

func TestStatus(t *testing.T) {
	store := &fakeStore{latest: 6, hasData: true}
	e := newEngine(store, &fakeWriter{})
	assert.Equal(t, "uninitialized", e.Status().Phase)

	e.Init(context.Background())
	s := e.Status()
	assert.Equal(t, "steady", s.Phase)
	assert.Equal(t, int64(6), s.LastProcessedStep)
	assert.Equal(t, int64(3), s.WindowSize)
}
