// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/pipeline"
)

const namespace = "interpose"

// Stats holds the runtime's self-monitoring metrics. It observes hook
// commits, gated calls and gateway decisions.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	commits       *prometheus.CounterVec
	generation    prometheus.Gauge
	activeHooks   prometheus.Gauge
	hookCalls     *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	decisionLat   prometheus.Histogram
	eventsDropped prometheus.Counter

	genMu   sync.Mutex
	lastGen uint64
}

// NewStats creates Stats registered on a fresh registry together with the
// Go runtime collector.
func NewStats() *Stats {
	s := &Stats{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_commits_total",
			Help:      "Hook transactions ended, by result",
		}, []string{"result"}), // result: committed, aborted
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hook_table_generation",
			Help:      "Generation of the published hook table",
		}),
		activeHooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hooks_active",
			Help:      "Hooks in the published hook table",
		}),
		hookCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_calls_total",
			Help:      "Calls seen by metric listeners, by target",
		}, []string{"target"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_decisions_total",
			Help:      "Gateway decisions, by outcome",
		}, []string{"outcome"}),
		decisionLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_decision_duration_seconds",
			Help:      "Latency of gateway decisions in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Gateway events dropped by exporters",
		}),
	}

	s.registry.MustRegister(
		s.commits, s.generation, s.activeHooks, s.hookCalls,
		s.decisions, s.decisionLat, s.eventsDropped,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Runtime uptime in seconds",
		}, func() float64 { return s.Uptime().Seconds() }),
	)
	return s
}

// Registry exposes the registry for extra collectors and for scraping.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Uptime returns the time since NewStats.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ObserveCommit records a transaction result. Pass it to
// hook.WithCommitObserver.
func (s *Stats) ObserveCommit(ev hook.CommitEvent) {
	if ev.Err != nil {
		s.commits.WithLabelValues("aborted").Inc()
		return
	}
	s.commits.WithLabelValues("committed").Inc()

	// Observers run outside the commit lock, so events can arrive out of
	// order; the gauges follow the newest generation only.
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if ev.Generation < s.lastGen {
		return
	}
	s.lastGen = ev.Generation
	s.generation.Set(float64(ev.Generation))
	s.activeHooks.Set(float64(ev.Active))
}

// ObserveDecision implements gateway.Observer.
func (s *Stats) ObserveDecision(out pipeline.Outcome, latency time.Duration) {
	s.decisions.WithLabelValues(out.String()).Inc()
	s.decisionLat.Observe(latency.Seconds())
}

// EventDropped counts one event lost by an exporter.
func (s *Stats) EventDropped() {
	s.eventsDropped.Inc()
}

// Listener returns a hook.Listener counting calls per target.
func (s *Stats) Listener() hook.Listener {
	return callCounter{s.hookCalls}
}

type callCounter struct {
	calls *prometheus.CounterVec
}

func (c callCounter) OnEnter(ic *hook.InvocationContext) {
	c.calls.WithLabelValues(ic.Target().Name).Inc()
}

func (callCounter) OnLeave(*hook.InvocationContext) {}
