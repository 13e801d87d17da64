package capacity_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/capacity"
)

// =============================================================================
// RESERVE / RELEASE
// =============================================================================

func TestReserve_RejectsOverAvailableThenFillsExactly(t *testing.T) {
	// GIVEN: {1000 plants, 10% buffer, 400 booked} -> 500 available
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 1000, buffer: 10, booked: 400})

	// WHEN: asking for 600
	_, err := h.eng.Ledger.Reserve(h.ctx, "s1", 600)

	// THEN: rejected with the current maximum, nothing changed
	var capErr *capacity.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, int64(500), capErr.Max)
	assert.Equal(t, int64(600), capErr.Requested)
	assert.Equal(t, int64(400), h.slot(t, "s1").TotalBookedPlants)

	// WHEN: asking for exactly 500
	v, err := h.eng.Ledger.Reserve(h.ctx, "s1", 500)

	// THEN: full
	require.NoError(t, err)
	assert.Equal(t, int64(900), v.TotalBookedPlants)
	assert.Equal(t, int64(0), v.AvailableCapacity)
	assert.Equal(t, capacity.StateExhausted, v.State)
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 500, buffer: 0, booked: 123})

	_, err := h.eng.Ledger.Reserve(h.ctx, "s1", 77)
	require.NoError(t, err)
	v, err := h.eng.Ledger.Release(h.ctx, "s1", 77)
	require.NoError(t, err)

	assert.Equal(t, int64(123), v.TotalBookedPlants)
}

func TestRelease_ClampsAtZero(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 500, booked: 30})

	v, err := h.eng.Ledger.Release(h.ctx, "s1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.TotalBookedPlants)
}

func TestReserve_Validation(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 500})

	for _, q := range []int64{0, -1} {
		_, err := h.eng.Ledger.Reserve(h.ctx, "s1", q)
		assert.True(t, errors.Is(err, capacity.ErrValidation), "reserve %d", q)
		_, err = h.eng.Ledger.Release(h.ctx, "s1", q)
		assert.True(t, errors.Is(err, capacity.ErrValidation), "release %d", q)
	}

	_, err := h.eng.Ledger.Reserve(h.ctx, "missing", 1)
	assert.True(t, capacity.IsNotFound(err))
}

func TestReserve_VersionAdvancesOnEveryWrite(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 500})

	v, err := h.eng.Ledger.Reserve(h.ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Version)

	v, err = h.eng.Ledger.Release(h.ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Version)
	assert.Equal(t, int64(3), h.slot(t, "s1").Version)
}

func TestReserve_ClosedSlot(t *testing.T) {
	// GIVEN: a slot whose window ends 2025-01-31
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", start: "2025-01-25", end: "2025-01-31", total: 500, booked: 100})

	// WHEN: the window has passed
	h.clock.Set("2025-02-01")

	// THEN: reservations are refused, releases still work
	_, err := h.eng.Ledger.Reserve(h.ctx, "s1", 1)
	assert.True(t, errors.Is(err, capacity.ErrSlotClosed))
	assert.True(t, capacity.IsClientError(err))

	v, err := h.eng.Ledger.Release(h.ctx, "s1", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), v.TotalBookedPlants)
	assert.Equal(t, capacity.StateClosed, v.State)
}

func TestReserve_ConcurrentNeverOverbooks(t *testing.T) {
	// GIVEN: 1000 available
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 1000})

	// WHEN: 50 callers race to reserve 30 each (1500 requested)
	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Ledger.Reserve(h.ctx, "s1", 30)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, capacity.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly floor(1000/30) won and the counter matches
	assert.Equal(t, 33, succeeded)
	assert.Equal(t, callers-33, rejected)
	v := h.slot(t, "s1")
	assert.Equal(t, int64(990), v.TotalBookedPlants)
	assert.LessOrEqual(t, v.TotalBookedPlants, v.TotalPlants)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestBooking_Lifecycle(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 1000, buffer: 10})

	// Book
	b := h.book(t, "order-1", "s1", 250)
	assert.Equal(t, capacity.BookingPending, b.Status)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, int64(250), h.slot(t, "s1").TotalBookedPlants)

	// Cancel releases the quantity
	cancelled, err := h.eng.Ledger.CancelBooking(h.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.BookingCancelled, cancelled.Status)
	assert.Equal(t, int64(0), h.slot(t, "s1").TotalBookedPlants)

	// Settling twice is refused
	_, err = h.eng.Ledger.CancelBooking(h.ctx, b.ID)
	assert.True(t, errors.Is(err, capacity.ErrValidation))

	// Fulfil keeps the plants booked
	b2 := h.book(t, "order-2", "s1", 100)
	fulfilled, err := h.eng.Ledger.FulfillBooking(h.ctx, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.BookingFulfilled, fulfilled.Status)
	assert.Equal(t, int64(100), h.slot(t, "s1").TotalBookedPlants)

	pending, err := h.eng.Ledger.ListBookings(h.ctx, capacity.BookingFilter{SlotID: "s1", Status: capacity.BookingPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBook_OverCapacityLeavesNoBooking(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 100, buffer: 10})

	_, err := h.eng.Ledger.Book(h.ctx, capacity.BookRequest{OrderID: "o-1", SlotID: "s1", Quantity: 91})

	var capErr *capacity.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, int64(90), capErr.Max)

	all, err := h.eng.Ledger.ListBookings(h.ctx, capacity.BookingFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBook_Validation(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 100})

	_, err := h.eng.Ledger.Book(h.ctx, capacity.BookRequest{SlotID: "s1", Quantity: 1})
	assert.True(t, errors.Is(err, capacity.ErrValidation))

	_, err = h.eng.Ledger.CancelBooking(h.ctx, "nope")
	assert.True(t, capacity.IsNotFound(err))
}

// =============================================================================
// BUFFER OVERRIDE / CLOSING
// =============================================================================

func TestSetEffectiveBuffer(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "s1", total: 1000, buffer: 10})

	v, err := h.eng.Ledger.SetEffectiveBuffer(h.ctx, "s1", intPtr(30))
	require.NoError(t, err)
	assert.Equal(t, 30, v.ResolvedBuffer)
	assert.Equal(t, int64(700), v.AvailableCapacity)

	_, err = h.eng.Ledger.SetEffectiveBuffer(h.ctx, "s1", intPtr(101))
	assert.True(t, errors.Is(err, capacity.ErrValidation))

	v, err = h.eng.Ledger.SetEffectiveBuffer(h.ctx, "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, v.EffectiveBuffer)
	assert.Equal(t, int64(900), v.AvailableCapacity)
}

func TestCloseElapsed(t *testing.T) {
	h := newHarness(t)
	h.seedSlot(t, slotSeed{id: "jan", start: "2025-01-20", end: "2025-01-26", total: 100})
	h.seedSlot(t, slotSeed{id: "feb", start: "2025-02-01", end: "2025-02-07", total: 100})

	n, err := h.eng.Ledger.CloseElapsed(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Set("2025-01-27")
	n, err = h.eng.Ledger.CloseElapsed(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, capacity.SlotClosed, h.slot(t, "jan").Status)
	assert.Equal(t, capacity.SlotActive, h.slot(t, "feb").Status)

	// Idempotent
	n, err = h.eng.Ledger.CloseElapsed(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
