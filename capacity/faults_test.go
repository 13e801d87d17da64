package capacity_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/capacity"
)

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps a store and fails transactions on demand. Every callback
// still runs against the real transaction, so its writes are rolled back
// when the injected error is returned.
type faultyStore struct {
	capacity.Store
	lostUpdates atomic.Int32 // commits to fail with ErrConcurrentModification
	appendErr   error        // returned by every Tx.AppendTransfer when set
	attempts    atomic.Int32
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(tx capacity.Tx) error) error {
	f.attempts.Add(1)
	return f.Store.WithTx(ctx, func(tx capacity.Tx) error {
		if f.appendErr != nil {
			tx = &faultyTx{Tx: tx, appendErr: f.appendErr}
		}
		if err := fn(tx); err != nil {
			return err
		}
		if f.lostUpdates.Load() > 0 {
			f.lostUpdates.Add(-1)
			return capacity.ErrConcurrentModification
		}
		return nil
	})
}

type faultyTx struct {
	capacity.Tx
	appendErr error
}

func (t *faultyTx) AppendTransfer(context.Context, capacity.TransferRecord) error {
	return t.appendErr
}

// conflictCounter records ObserveConflict calls.
type conflictCounter struct {
	conflicts atomic.Int32
}

func (c *conflictCounter) ObserveOperation(string, error, time.Duration) {}
func (c *conflictCounter) ObserveConflict(string)                        { c.conflicts.Add(1) }
func (c *conflictCounter) ObserveCache(bool)                             {}

// newFaultyHarness seeds the usual catalog and routes the engine through a
// faultyStore. Seeding helpers still write to the memory store directly.
func newFaultyHarness(t *testing.T, maxRetries int) (*harness, *faultyStore, *conflictCounter) {
	t.Helper()
	h := newHarness(t)
	fs := &faultyStore{Store: h.store}
	counter := &conflictCounter{}
	h.eng = capacity.NewEngine(fs, capacity.Options{
		Now:        h.clock.Now,
		MaxRetries: maxRetries,
		Metrics:    counter,
	})
	return h, fs, counter
}

// =============================================================================
// RETRY ON LOST UPDATE
// =============================================================================

func TestMutate_RetriesLostUpdates(t *testing.T) {
	tests := []struct {
		name        string
		lostUpdates int32
		wantErr     bool
	}{
		{"one lost update", 1, false},
		{"as many as retries allow", 3, false},
		{"one more than retries allow", 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: a store that reports lost updates for the first commits
			h, fs, counter := newFaultyHarness(t, 3)
			h.seedSlot(t, slotSeed{id: "a", total: 1000})
			h.seedSlot(t, slotSeed{id: "b", start: "2025-03-08", total: 500})
			fs.lostUpdates.Store(tt.lostUpdates)

			// WHEN: transferring capacity
			res, err := h.eng.Transfers.TransferCapacity(h.ctx, capacity.CapacityTransferRequest{
				SourceSlotID: "a", TargetSlotID: "b", Quantity: 100, Reason: "rebalance",
			})

			if tt.wantErr {
				// THEN: the caller gets a retryable lost update and nothing moved
				require.Error(t, err)
				assert.ErrorIs(t, err, capacity.ErrConcurrentModification)
				assert.True(t, capacity.IsRetryable(err))
				assert.Equal(t, int32(4), fs.attempts.Load(), "first try plus three retries")
				assert.Equal(t, int64(1000), h.slot(t, "a").TotalPlants)
				assert.Equal(t, int64(500), h.slot(t, "b").TotalPlants)
				log, err := h.eng.Transfers.ListTransfers(h.ctx, capacity.TransferFilter{})
				require.NoError(t, err)
				assert.Empty(t, log)
				return
			}

			// THEN: the retried transfer applies exactly once
			require.NoError(t, err)
			assert.False(t, res.Replayed)
			assert.Equal(t, tt.lostUpdates+1, fs.attempts.Load())
			assert.Equal(t, tt.lostUpdates, counter.conflicts.Load())
			assert.Equal(t, int64(900), h.slot(t, "a").TotalPlants)
			assert.Equal(t, int64(600), h.slot(t, "b").TotalPlants)
			log, err := h.eng.Transfers.ListTransfers(h.ctx, capacity.TransferFilter{})
			require.NoError(t, err)
			require.Len(t, log, 1)
			assert.Equal(t, res.Record.ID, log[0].ID)
		})
	}
}

func TestMutate_RetriedBookingIsNotDoubleCounted(t *testing.T) {
	h, fs, _ := newFaultyHarness(t, 3)
	h.seedSlot(t, slotSeed{id: "a", total: 1000})
	fs.lostUpdates.Store(2)

	b, err := h.eng.Ledger.Book(h.ctx, capacity.BookRequest{OrderID: "order-1", SlotID: "a", Quantity: 120})
	require.NoError(t, err)

	assert.Equal(t, int64(120), h.slot(t, "a").TotalBookedPlants)
	bookings, err := h.eng.Ledger.ListBookings(h.ctx, capacity.BookingFilter{SlotID: "a"})
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, b.ID, bookings[0].ID)
}

// =============================================================================
// FAILURE PART WAY THROUGH A TRANSFER
// =============================================================================

func TestTransferOrders_AuditFailureRollsBackEverything(t *testing.T) {
	// GIVEN: two pending bookings on src and an audit log that cannot be written
	h, fs, _ := newFaultyHarness(t, 3)
	h.seedSlot(t, slotSeed{id: "src", total: 1000})
	h.seedSlot(t, slotSeed{id: "tgt", start: "2025-03-08", total: 500, booked: 20})
	b1 := h.book(t, "order-1", "src", 100)
	b2 := h.book(t, "order-2", "src", 150)
	fs.appendErr = errors.New("audit log unavailable")

	// WHEN: moving the orders
	_, err := h.eng.Transfers.TransferOrders(h.ctx, capacity.OrdersTransferRequest{
		SourceSlotID: "src", TargetSlotID: "tgt", Reason: "line down",
	})

	// THEN: the error surfaces and bookings and both ledgers are untouched
	require.Error(t, err)
	assert.ErrorContains(t, err, "audit log unavailable")
	assert.False(t, capacity.IsRetryable(err))

	for _, id := range []capacity.BookingID{b1.ID, b2.ID} {
		b, err := h.store.GetBooking(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, capacity.SlotID("src"), b.SlotID)
		assert.Equal(t, capacity.BookingPending, b.Status)
	}
	src, tgt := h.slot(t, "src"), h.slot(t, "tgt")
	assert.Equal(t, int64(250), src.TotalBookedPlants)
	assert.Equal(t, int64(20), tgt.TotalBookedPlants)
	assert.Equal(t, int64(1), tgt.Version)

	// AND: once the log recovers the same request goes through
	fs.appendErr = nil
	res, err := h.eng.Transfers.TransferOrders(h.ctx, capacity.OrdersTransferRequest{
		SourceSlotID: "src", TargetSlotID: "tgt", Reason: "line down",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TransferredCount)
	assert.Equal(t, int64(0), h.slot(t, "src").TotalBookedPlants)
	assert.Equal(t, int64(270), h.slot(t, "tgt").TotalBookedPlants)
}

func TestTransferCapacity_AuditFailureRollsBackEverything(t *testing.T) {
	h, fs, _ := newFaultyHarness(t, 3)
	h.seedSlot(t, slotSeed{id: "a", total: 1000})
	h.seedSlot(t, slotSeed{id: "b", start: "2025-03-08", total: 500})
	fs.appendErr = errors.New("disk full")

	_, err := h.eng.Transfers.TransferCapacity(h.ctx, capacity.CapacityTransferRequest{
		SourceSlotID: "a", TargetSlotID: "b", Quantity: 100,
	})

	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(1000), h.slot(t, "a").TotalPlants)
	assert.Equal(t, int64(500), h.slot(t, "b").TotalPlants)
}
