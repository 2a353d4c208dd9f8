// Package analysis schedules step windows over the time-series store and persists
// their aggregates.
//
// The window cursor (last processed step and base time) is one immutable
// WindowState advanced by compare-and-swap, so the two values always move together.
// A due window is claimed before its points are fetched; computation runs on its
// own goroutine and never holds up the next check.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/directory"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/metrics"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

// BaseTimeLayout is the configured window base time format, read in the
// configured location.
const BaseTimeLayout = "2006-01-02T15:04:05"

const (
	defaultWindowSize    = 3
	defaultWindowAdvance = 2 * time.Hour
	defaultWindowTimeout = time.Minute
)

// Aggregate table names, used for logs and metrics.
const (
	TableTrafficFlow     = "traffic_flow"
	TableCongestedCount  = "congested_road_count"
	TableTopSegments     = "top_congested_segments"
	TableDurationRanking = "congested_duration_ranking"
)

// Store reads traffic points back by simulation step.
type Store interface {
	MaxStep(ctx context.Context) (int64, bool, error)
	PointsInStepRange(ctx context.Context, from, to int64) ([]models.TrafficPoint, error)
}

// AggregateWriter persists one row per call.
type AggregateWriter interface {
	InsertTrafficFlow(ctx context.Context, row models.TrafficFlow) error
	InsertCongestedRoadCount(ctx context.Context, row models.CongestedRoadCount) error
	InsertTopCongestedSegment(ctx context.Context, row models.TopCongestedSegment) error
	InsertCongestionDuration(ctx context.Context, row models.CongestionDurationRanking) error
}

// Directory resolves junction names for points stored without one.
type Directory interface {
	Snapshot() *directory.Snapshot
}

// Phase is the lifecycle stage of the engine.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseSynchronizing
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseSynchronizing:
		return "synchronizing"
	case PhaseSteady:
		return "steady"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// WindowState is the cursor of the next window.
type WindowState struct {
	LastProcessedStep int64
	WindowBaseTime    time.Time
	Version           uint64
}

// Window is one claimed step range and its time bucket label.
type Window struct {
	From   int64
	To     int64
	Bucket time.Time
}

// Options configures the window cadence.
type Options struct {
	WindowSize int64
	Advance    time.Duration
	// BaseTime is the raw configured label of the first window.
	BaseTime string
	Location *time.Location
	// WindowTimeout bounds fetching and persisting one window.
	WindowTimeout time.Duration
}

// Status is a point-in-time view for the ops endpoint.
type Status struct {
	Phase             string    `json:"phase"`
	LastProcessedStep int64     `json:"lastProcessedStep"`
	WindowBaseTime    time.Time `json:"windowBaseTime"`
	Version           uint64    `json:"version"`
	InFlight          int64     `json:"inFlight"`
	WindowSize        int64     `json:"windowSize"`
}

// Engine owns the window cursor.
type Engine struct {
	store   Store
	writer  AggregateWriter
	dir     Directory
	opts    Options
	log     *slog.Logger
	metrics *metrics.Pipeline
	now     func() time.Time

	phase    atomic.Int32
	state    atomic.Pointer[WindowState]
	initOnce sync.Once
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New builds an Engine in the uninitialized phase. dir may be nil.
func New(store Store, writer AggregateWriter, dir Directory, opts Options, log *slog.Logger, m *metrics.Pipeline) *Engine {
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.Advance <= 0 {
		opts.Advance = defaultWindowAdvance
	}
	if opts.WindowTimeout <= 0 {
		opts.WindowTimeout = defaultWindowTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Engine{
		store:   store,
		writer:  writer,
		dir:     dir,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// ParseBaseTime reads a window base time. The local layout is tried first, then any
// ISO-8601 timestamp.
func ParseBaseTime(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("base time not set")
	}
	if t, err := time.ParseInLocation(BaseTimeLayout, raw, loc); err == nil {
		return t, nil
	}
	t, err := iso8601.ParseString(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse base time %q: %w", raw, err)
	}
	return t.In(loc), nil
}

// Init moves the engine to the steady phase. It runs once; later calls return
// immediately. Neither a bad base time nor an unreachable store stops startup.
func (e *Engine) Init(ctx context.Context) {
	e.initOnce.Do(func() {
		e.phase.Store(int32(PhaseSynchronizing))

		base, err := ParseBaseTime(e.opts.BaseTime, e.opts.Location)
		if err != nil {
			base = e.now().In(e.opts.Location)
			e.log.Warn("invalid analysis base time, using current time",
				"configured", e.opts.BaseTime,
				"base_time", base.Format(BaseTimeLayout),
				"error", err,
			)
		}

		var last int64
		step, ok, err := e.store.MaxStep(ctx)
		switch {
		case err != nil:
			e.log.Error("failed to read latest step, starting from 0", "error", err)
		case !ok:
			e.log.Info("no traffic data yet, starting from step 0")
		default:
			last = step
		}

		e.state.Store(&WindowState{LastProcessedStep: last, WindowBaseTime: base})
		e.metrics.SetLastStep(last)
		e.phase.Store(int32(PhaseSteady))
		e.log.Info("analysis engine ready",
			"last_processed_step", last,
			"base_time", base.Format(BaseTimeLayout),
			"window_size", e.opts.WindowSize,
		)
	})
}

// Phase returns the current lifecycle stage.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

// State returns the current cursor, or nil before Init completes.
func (e *Engine) State() *WindowState {
	return e.state.Load()
}

// Check claims the next window when the store holds enough steps and processes it
// in the background. It reports the claimed window.
func (e *Engine) Check(ctx context.Context) (Window, bool) {
	if e.Phase() != PhaseSteady {
		e.log.Debug("analysis check before init, skipping")
		return Window{}, false
	}

	latest, ok, err := e.store.MaxStep(ctx)
	if err != nil {
		e.log.Error("failed to read latest step", "error", err)
		return Window{}, false
	}
	if !ok {
		return Window{}, false
	}

	w, claimed := e.claim(latest)
	if !claimed {
		return Window{}, false
	}

	e.metrics.WindowScheduled(w.To)
	e.log.Info("processing window",
		"from_step", w.From,
		"to_step", w.To,
		"time_bucket", w.Bucket.Format(BaseTimeLayout),
	)

	e.wg.Add(1)
	e.inFlight.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inFlight.Add(-1)

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.WindowTimeout)
		defer cancel()
		e.runWindow(wctx, w)
	}()
	return w, true
}

// claim advances the cursor by one window if latest reaches its end.
func (e *Engine) claim(latest int64) (Window, bool) {
	for {
		cur := e.state.Load()
		end := cur.LastProcessedStep + e.opts.WindowSize
		if latest < end {
			return Window{}, false
		}
		next := &WindowState{
			LastProcessedStep: end,
			WindowBaseTime:    cur.WindowBaseTime.Add(e.opts.Advance),
			Version:           cur.Version + 1,
		}
		if e.state.CompareAndSwap(cur, next) {
			return Window{
				From:   cur.LastProcessedStep + 1,
				To:     end,
				Bucket: cur.WindowBaseTime,
			}, true
		}
	}
}

func (e *Engine) runWindow(ctx context.Context, w Window) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("window computation panicked", "from_step", w.From, "to_step", w.To, "panic", r)
		}
	}()

	points, err := e.store.PointsInStepRange(ctx, w.From, w.To)
	if err != nil {
		e.log.Error("failed to fetch window points",
			"from_step", w.From,
			"to_step", w.To,
			"error", err,
		)
		return
	}
	e.ProcessWindow(ctx, points, w.Bucket)
}

// ProcessWindow computes and persists the aggregates of one window. Every row is
// written separately; a failed insert is logged and the rest continue.
func (e *Engine) ProcessWindow(ctx context.Context, points []models.TrafficPoint, bucket time.Time) {
	if len(points) == 0 {
		e.log.Info("window has no points, skipping", "time_bucket", bucket.Format(BaseTimeLayout))
		return
	}

	agg := Compute(points, bucket, e.names())

	for _, row := range agg.Flows {
		e.insert(TableTrafficFlow, row.JunctionID, e.writer.InsertTrafficFlow(ctx, row))
	}
	e.insert(TableCongestedCount, "", e.writer.InsertCongestedRoadCount(ctx, agg.RoadCount))
	for _, row := range agg.Segments {
		e.insert(TableTopSegments, row.JunctionID, e.writer.InsertTopCongestedSegment(ctx, row))
	}
	for _, row := range agg.Durations {
		e.insert(TableDurationRanking, row.JunctionID, e.writer.InsertCongestionDuration(ctx, row))
	}

	e.log.Info("window persisted",
		"time_bucket", bucket.Format(BaseTimeLayout),
		"points", len(points),
		"junctions", len(agg.Flows),
		"congested_junctions", agg.RoadCount.CongestedJunctionCount,
	)
}

func (e *Engine) insert(table, junctionID string, err error) {
	if err == nil {
		return
	}
	e.metrics.InsertFailed(table)
	e.log.Error("failed to insert aggregate row",
		"table", table,
		"junction", junctionID,
		"error", err,
	)
}

func (e *Engine) names() NameFunc {
	if e.dir == nil {
		return nil
	}
	snap := e.dir.Snapshot()
	return snap.Name
}

// Wait blocks until every claimed window has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the engine phase and cursor.
func (e *Engine) Status() Status {
	s := Status{
		Phase:      e.Phase().String(),
		InFlight:   e.inFlight.Load(),
		WindowSize: e.opts.WindowSize,
	}
	if st := e.state.Load(); st != nil {
		s.LastProcessedStep = st.LastProcessedStep
		s.WindowBaseTime = st.WindowBaseTime
		s.Version = st.Version
	}
	return s
}
