package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/warp/slot-engine/capacity"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, OutcomeOK},
		{"capacity", &capacity.CapacityExceededError{Max: 5}, OutcomeRejected},
		{"validation", &capacity.ValidationError{Field: "quantity"}, OutcomeRejected},
		{"not found", &capacity.NotFoundError{Kind: "slot", ID: "x"}, OutcomeNotFound},
		{"conflict", capacity.ErrConcurrentModification, OutcomeConflict},
		{"timeout", fmt.Errorf("%w: reserve", capacity.ErrLockTimeout), OutcomeTimeout},
		{"other", errors.New("disk on fire"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveOperation("reserve", nil, time.Millisecond)
	c.ObserveOperation("reserve", &capacity.CapacityExceededError{}, time.Millisecond)
	c.ObserveOperation("reserve", nil, time.Millisecond)
	c.ObserveConflict("transfer_capacity")
	c.ObserveCache(true)
	c.ObserveCache(false)
	c.ObserveCache(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("reserve", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("reserve", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts.WithLabelValues("transfer_capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cache.WithLabelValues("miss")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.latency))
}
