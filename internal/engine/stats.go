package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunStats accumulates execution statistics for one run.
type RunStats struct {
	mu          sync.Mutex
	started     time.Time
	perCheck    map[string]*CheckStats
	routingHops int
}

// CheckStats aggregates executions of one check across scopes.
type CheckStats struct {
	Runs      int           `json:"runs"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Total     time.Duration `json:"totalDuration"`
}

func newRunStats() *RunStats {
	return &RunStats{started: time.Now(), perCheck: map[string]*CheckStats{}}
}

// Record notes one terminal execution.
func (s *RunStats) Record(check, status string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.perCheck[check]
	if cs == nil {
		cs = &CheckStats{}
		s.perCheck[check] = cs
	}
	cs.Runs++
	cs.Total += d
	switch status {
	case string(StatusSuccess):
		cs.Succeeded++
	case string(StatusFailure):
		cs.Failed++
	case string(StatusSkipped):
		cs.Skipped++
	}
}

// RoutingHop counts one goto/goto_event transition.
func (s *RunStats) RoutingHop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routingHops++
}

// StatsSnapshot is an immutable view of the run's statistics.
type StatsSnapshot struct {
	WallClock   time.Duration          `json:"wallClock"`
	RoutingHops int                    `json:"routingHops"`
	Checks      map[string]*CheckStats `json:"checks"`
	CheckNames  []string               `json:"-"`
}

// Snapshot copies the current statistics.
func (s *RunStats) Snapshot() *StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &StatsSnapshot{
		WallClock:   time.Since(s.started),
		RoutingHops: s.routingHops,
		Checks:      map[string]*CheckStats{},
	}
	for name, cs := range s.perCheck {
		c := *cs
		out.Checks[name] = &c
		out.CheckNames = append(out.CheckNames, name)
	}
	sort.Strings(out.CheckNames)
	return out
}

// Metrics are the engine's prometheus collectors. Register them once on a
// registry owned by the caller.
type Metrics struct {
	Executions  *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	RoutingHops prometheus.Counter
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visor",
			Name:      "check_executions_total",
			Help:      "Terminal check executions by status.",
		}, []string{"check", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visor",
			Name:      "check_duration_seconds",
			Help:      "Wall-clock duration of check executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"check"}),
		RoutingHops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visor",
			Name:      "routing_hops_total",
			Help:      "goto/goto_event transitions taken.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Executions, m.Duration, m.RoutingHops)
	}
	return m
}
