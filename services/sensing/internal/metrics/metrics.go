// Package metrics holds the Prometheus collectors of the sensing pipeline.
//
// Every method is safe on a nil *Pipeline so components can run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "urbanflow"

// Pipeline groups the collectors of all pipeline stages.
type Pipeline struct {
	registry *prometheus.Registry

	pollTicks       prometheus.Counter
	pollFailures    prometheus.Counter
	parseFailures   prometheus.Counter
	unmappedEdges   prometheus.Counter
	eventsEmitted   prometheus.Counter
	congested       prometheus.Gauge
	junctions       prometheus.Gauge
	refreshFailures prometheus.Counter
	streamDrops     prometheus.Counter
	batchesWritten  prometheus.Counter
	batchFailures   prometheus.Counter
	pointsWritten   prometheus.Counter
	resubscribes    prometheus.Counter
	windows         prometheus.Counter
	insertFailures  *prometheus.CounterVec
	lastStep        prometheus.Gauge
	skippedTicks    *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() (*Pipeline, error) {
	p := &Pipeline{
		registry: prometheus.NewRegistry(),
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "ticks_total",
			Help: "Total number of completed polling ticks",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "fetch_failures_total",
			Help: "Total number of failed edge snapshot fetches",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "parse_failures_total",
			Help: "Total number of edge documents skipped as malformed",
		}),
		unmappedEdges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "unmapped_edges_total",
			Help: "Total number of new observations dropped for lack of an owning junction",
		}),
		eventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "events_emitted_total",
			Help: "Total number of enriched events published",
		}),
		congested: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poller", Name: "congested_junctions",
			Help: "Number of junctions congested at the last tick",
		}),
		junctions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "directory", Name: "junctions",
			Help: "Number of junctions in the current directory snapshot",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "directory", Name: "refresh_failures_total",
			Help: "Total number of failed directory refreshes",
		}),
		streamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "drops_total",
			Help: "Total number of events dropped by the event stream",
		}),
		batchesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "batches_written_total",
			Help: "Total number of batches written to the time-series store",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "batch_failures_total",
			Help: "Total number of batches lost to write failures",
		}),
		pointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "points_written_total",
			Help: "Total number of points written to the time-series store",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "resubscribes_total",
			Help: "Total number of subscriptions re-established after a pipeline fault",
		}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "windows_total",
			Help: "Total number of analysis windows scheduled",
		}),
		insertFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "insert_failures_total",
			Help: "Total number of aggregate rows that failed to persist",
		}, []string{"table"}),
		lastStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "last_processed_step",
			Help: "Last simulation step covered by a scheduled window",
		}),
		skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "skipped_ticks_total",
			Help: "Total number of ticks skipped because the previous run was still busy",
		}, []string{"schedule"}),
	}

	collectors := []prometheus.Collector{
		p.pollTicks, p.pollFailures, p.parseFailures, p.unmappedEdges, p.eventsEmitted,
		p.congested, p.junctions, p.refreshFailures, p.streamDrops, p.batchesWritten,
		p.batchFailures, p.pointsWritten, p.resubscribes, p.windows, p.insertFailures,
		p.lastStep, p.skippedTicks,
	}
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Registry exposes the registry for the /metrics handler.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return prometheus.NewRegistry()
	}
	return p.registry
}

func (p *Pipeline) PollTick() {
	if p != nil {
		p.pollTicks.Inc()
	}
}

func (p *Pipeline) PollFailure() {
	if p != nil {
		p.pollFailures.Inc()
	}
}

func (p *Pipeline) ParseFailure() {
	if p != nil {
		p.parseFailures.Inc()
	}
}

func (p *Pipeline) UnmappedEdge() {
	if p != nil {
		p.unmappedEdges.Inc()
	}
}

func (p *Pipeline) EventEmitted() {
	if p != nil {
		p.eventsEmitted.Inc()
	}
}

func (p *Pipeline) SetCongested(n int) {
	if p != nil {
		p.congested.Set(float64(n))
	}
}

func (p *Pipeline) SetJunctions(n int) {
	if p != nil {
		p.junctions.Set(float64(n))
	}
}

func (p *Pipeline) RefreshFailure() {
	if p != nil {
		p.refreshFailures.Inc()
	}
}

func (p *Pipeline) StreamDrop() {
	if p != nil {
		p.streamDrops.Inc()
	}
}

func (p *Pipeline) BatchWritten(points int) {
	if p != nil {
		p.batchesWritten.Inc()
		p.pointsWritten.Add(float64(points))
	}
}

func (p *Pipeline) BatchFailed() {
	if p != nil {
		p.batchFailures.Inc()
	}
}

func (p *Pipeline) Resubscribed() {
	if p != nil {
		p.resubscribes.Inc()
	}
}

func (p *Pipeline) WindowScheduled(lastStep int64) {
	if p != nil {
		p.windows.Inc()
		p.lastStep.Set(float64(lastStep))
	}
}

func (p *Pipeline) SetLastStep(step int64) {
	if p != nil {
		p.lastStep.Set(float64(step))
	}
}

func (p *Pipeline) InsertFailed(table string) {
	if p != nil {
		p.insertFailures.WithLabelValues(table).Inc()
	}
}

func (p *Pipeline) TickSkipped(schedule string) {
	if p != nil {
		p.skippedTicks.WithLabelValues(schedule).Inc()
	}
}
