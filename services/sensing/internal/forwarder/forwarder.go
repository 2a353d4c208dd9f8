// Package forwarder batches enriched events from the stream into the time-series store.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/metrics"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/stream"
)

const (
	defaultBatchSize    = 200
	defaultBatchTimeout = 5 * time.Second
	defaultBuffer       = 4096
	defaultFlushTimeout = 5 * time.Second
)

var (
	errFault        = errors.New("consumer fault")
	errStreamClosed = errors.New("subscription closed")
)

// PointWriter persists one batch per call.
type PointWriter interface {
	WritePoints(ctx context.Context, points []models.TrafficPoint) error
}

// Subscriber hands out stream subscriptions.
type Subscriber interface {
	Subscribe(buffer int) (*stream.Subscription[models.EnrichedEvent], error)
}

// Options tunes batching and recovery.
type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	Buffer       int
	// FlushTimeout bounds the final write on shutdown.
	FlushTimeout time.Duration
	// NewBackOff builds the resubscribe policy. Defaults to unbounded exponential.
	NewBackOff func() backoff.BackOff
}

// Forwarder consumes the event stream and writes points in batches.
type Forwarder struct {
	source  Subscriber
	writer  PointWriter
	opts    Options
	log     *slog.Logger
	metrics *metrics.Pipeline
	now     func() time.Time
}

// New builds a Forwarder, filling zero options with defaults.
func New(source Subscriber, writer PointWriter, opts Options, log *slog.Logger, m *metrics.Pipeline) *Forwarder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Forwarder{
		source:  source,
		writer:  writer,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Run consumes until ctx is cancelled or the stream closes. A faulted consumer is
// replaced by a fresh subscription after a backoff delay.
func (f *Forwarder) Run(ctx context.Context) error {
	policy := f.opts.NewBackOff()
	for {
		sub, err := f.source.Subscribe(f.opts.Buffer)
		if errors.Is(err, stream.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		healthy, err := f.consume(ctx, sub)
		sub.Cancel()
		if ctx.Err() != nil || errors.Is(err, errStreamClosed) {
			return nil
		}

		if healthy {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("forwarder gave up: %w", err)
		}
		f.metrics.Resubscribed()
		f.log.Warn("forwarder consumer failed, resubscribing", "error", err, "backoff", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

type batch struct {
	id     string
	opened time.Time
	points []models.TrafficPoint
}

// consume runs one subscription. healthy reports whether at least one batch was
// written before it ended.
func (f *Forwarder) consume(ctx context.Context, sub *stream.Subscription[models.EnrichedEvent]) (healthy bool, err error) {
	var (
		cur   *batch
		timer *time.Timer
		due   <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errFault, r)
		}
	}()

	closeBatch := func(wctx context.Context) {
		if timer != nil {
			timer.Stop()
			timer, due = nil, nil
		}
		if cur == nil {
			return
		}
		b := cur
		cur = nil
		if f.write(wctx, b) {
			healthy = true
		}
	}

	add := func(wctx context.Context, ev models.EnrichedEvent) {
		if cur == nil {
			cur = &batch{
				id:     uuid.NewString(),
				opened: f.now(),
				points: make([]models.TrafficPoint, 0, f.opts.BatchSize),
			}
			timer = time.NewTimer(f.opts.BatchTimeout)
			due = timer.C
		}
		cur.points = append(cur.points, ToPoint(ev, f.now()))
		if len(cur.points) >= f.opts.BatchSize {
			closeBatch(wctx)
		}
	}

	// drain writes out what is already buffered.
	drain := func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.FlushTimeout)
		defer cancel()
		for pending := len(sub.C()); pending > 0; pending-- {
			ev, ok := <-sub.C()
			if !ok {
				break
			}
			add(flushCtx, ev)
		}
		closeBatch(flushCtx)
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return healthy, nil

		case ev, ok := <-sub.C():
			if !ok {
				drain()
				return healthy, errStreamClosed
			}
			add(ctx, ev)

		case <-due:
			timer, due = nil, nil
			closeBatch(ctx)
		}
	}
}

func (f *Forwarder) write(ctx context.Context, b *batch) bool {
	if err := f.writer.WritePoints(ctx, b.points); err != nil {
		f.metrics.BatchFailed()
		f.log.Error("failed to write batch, dropping",
			"batch", b.id,
			"points", len(b.points),
			"error", err,
		)
		return false
	}
	f.metrics.BatchWritten(len(b.points))
	f.log.Debug("batch written",
		"batch", b.id,
		"points", len(b.points),
		"age", f.now().Sub(b.opened),
	)
	return true
}

// ToPoint stamps an event with its write time.
func ToPoint(ev models.EnrichedEvent, at time.Time) models.TrafficPoint {
	return models.TrafficPoint{
		JunctionID:          ev.JunctionID,
		JunctionName:        ev.JunctionName,
		EdgeID:              ev.EdgeID,
		SimulationStep:      ev.SimulationStep,
		VehicleCount:        ev.VehicleCount,
		WaitTime:            ev.WaitTime,
		WaitingVehicleCount: ev.WaitingVehicleCount,
		Occupancy:           ev.Occupancy,
		Congested:           ev.Congested,
		Time:                at,
	}
}
