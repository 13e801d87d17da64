// Package metrics exports engine activity as Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/slot-engine/capacity"
)

// Outcome labels. Kept small so the label set stays bounded.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
	OutcomeConflict = "conflict"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// Collector implements capacity.Metrics.
type Collector struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
	cache      *prometheus.CounterVec
}

var _ capacity.Metrics = (*Collector)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slots",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slots",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in an engine operation, lock wait included.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slots",
			Name:      "version_conflicts_total",
			Help:      "Lost updates detected and retried.",
		}, []string{"op"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slots",
			Name:      "availability_cache_total",
			Help:      "Availability cache lookups by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(c.operations, c.latency, c.conflicts, c.cache)
	return c
}

func (c *Collector) ObserveOperation(op string, err error, elapsed time.Duration) {
	c.operations.WithLabelValues(op, Outcome(err)).Inc()
	c.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveConflict(op string) {
	c.conflicts.WithLabelValues(op).Inc()
}

func (c *Collector) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cache.WithLabelValues(result).Inc()
}

// Outcome classifies err into one of the Outcome labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, capacity.ErrLockTimeout):
		return OutcomeTimeout
	case errors.Is(err, capacity.ErrConcurrentModification):
		return OutcomeConflict
	case capacity.IsNotFound(err):
		return OutcomeNotFound
	case capacity.IsClientError(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
