package capacity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/slot-engine/capacity"
)

func TestBuffer_ScenarioTenPercent(t *testing.T) {
	// GIVEN: 1000 plants, 10% buffer, 400 booked
	s := capacity.Slot{TotalPlants: 1000, Buffer: 10, TotalBookedPlants: 400}

	// THEN: 100 withheld, 500 still bookable
	assert.Equal(t, int64(100), capacity.BufferAmount(s))
	assert.Equal(t, int64(900), capacity.BufferAdjustedCapacity(s))
	assert.Equal(t, int64(500), capacity.AvailableCapacity(s))
	assert.Equal(t, int64(600), capacity.ReceivableCapacity(s))
}

func TestResolveBuffer_OverrideWins(t *testing.T) {
	s := capacity.Slot{TotalPlants: 1000, Buffer: 10}
	assert.Equal(t, 10, capacity.ResolveBuffer(s))

	s.EffectiveBuffer = intPtr(25)
	assert.Equal(t, 25, capacity.ResolveBuffer(s))
	assert.Equal(t, int64(250), capacity.BufferAmount(s))

	// An explicit zero override removes the buffer, it does not fall back.
	s.EffectiveBuffer = intPtr(0)
	assert.Equal(t, 0, capacity.ResolveBuffer(s))
	assert.Equal(t, int64(1000), capacity.AvailableCapacity(s))
}

func TestResolveBuffer_UnsetIsZero(t *testing.T) {
	s := capacity.Slot{TotalPlants: 80}
	assert.Equal(t, 0, capacity.ResolveBuffer(s))
	assert.Equal(t, int64(80), capacity.AvailableCapacity(s))
}

func TestBufferAmount_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		total  int64
		buffer int
		want   int64
	}{
		{total: 5, buffer: 10, want: 1},    // 0.5
		{total: 15, buffer: 10, want: 2},   // 1.5
		{total: 14, buffer: 10, want: 1},   // 1.4
		{total: 333, buffer: 15, want: 50}, // 49.95
		{total: 1, buffer: 50, want: 1},    // 0.5
		{total: 1000, buffer: 100, want: 1000},
		{total: 0, buffer: 30, want: 0},
	}
	for _, tt := range tests {
		s := capacity.Slot{TotalPlants: tt.total, Buffer: tt.buffer}
		assert.Equal(t, tt.want, capacity.BufferAmount(s), "total=%d buffer=%d", tt.total, tt.buffer)
	}
}

func TestAvailableCapacity_NeverNegative(t *testing.T) {
	// GIVEN: booked already eats into the buffer (possible after a buffer raise)
	s := capacity.Slot{TotalPlants: 100, Buffer: 20, TotalBookedPlants: 90}

	assert.Equal(t, int64(0), capacity.AvailableCapacity(s))
	assert.Equal(t, int64(10), capacity.ReceivableCapacity(s))
}

func TestSlotState(t *testing.T) {
	today := capacity.MustParseDay("2025-01-15")
	open := capacity.Slot{
		TotalPlants: 100,
		StartDay:    capacity.MustParseDay("2025-02-01"),
		EndDay:      capacity.MustParseDay("2025-02-07"),
		Status:      capacity.SlotActive,
	}
	assert.Equal(t, capacity.StateActive, open.State(today))

	full := open
	full.TotalBookedPlants = 100
	assert.Equal(t, capacity.StateExhausted, full.State(today))

	closed := open
	closed.Status = capacity.SlotClosed
	assert.Equal(t, capacity.StateClosed, closed.State(today))

	// Ended yesterday: closed even though the stored status is active.
	elapsed := open
	elapsed.EndDay = capacity.MustParseDay("2025-01-14")
	assert.Equal(t, capacity.StateClosed, elapsed.State(today))

	// Ending today is still open.
	lastDay := open
	lastDay.EndDay = today
	assert.Equal(t, capacity.StateActive, lastDay.State(today))
}

func TestNewSlotView_DerivesEverything(t *testing.T) {
	s := capacity.Slot{TotalPlants: 1000, Buffer: 10, EffectiveBuffer: intPtr(5), TotalBookedPlants: 200,
		StartDay: capacity.MustParseDay("2025-03-01"), EndDay: capacity.MustParseDay("2025-03-07"), Status: capacity.SlotActive}

	v := capacity.NewSlotView(s, capacity.MustParseDay("2025-01-15"))

	assert.Equal(t, 5, v.ResolvedBuffer)
	assert.Equal(t, int64(50), v.BufferAmount)
	assert.Equal(t, int64(950), v.BufferAdjustedCapacity)
	assert.Equal(t, int64(750), v.AvailableCapacity)
	assert.Equal(t, int64(800), v.ReceivableCapacity)
	assert.Equal(t, capacity.StateActive, v.State)
}
