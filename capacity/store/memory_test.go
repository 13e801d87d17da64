package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/capacity"
)

func testSlot(id capacity.SlotID, start string) capacity.Slot {
	d := capacity.MustParseDay(start)
	return capacity.Slot{
		ID: id, PlantID: "tomato", SubtypeID: "cherry",
		StartDay: d, EndDay: d.AddDays(6), Month: capacity.MonthLabel(d),
		TotalPlants: 100, Status: capacity.SlotActive, Version: 1,
	}
}

func TestMemory_RollbackOnError(t *testing.T) {
	// GIVEN: a stored slot
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.InsertSlots(ctx, []capacity.Slot{testSlot("a", "2025-03-01")})
	}))

	// WHEN: a transaction writes several things then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx capacity.Tx) error {
		s, err := tx.GetSlot(ctx, "a")
		require.NoError(t, err)
		s.TotalBookedPlants = 50
		require.NoError(t, tx.UpdateSlot(ctx, *s))
		require.NoError(t, tx.InsertSlots(ctx, []capacity.Slot{testSlot("b", "2025-03-08")}))
		require.NoError(t, tx.InsertBooking(ctx, capacity.Booking{ID: "bk", SlotID: "a", Quantity: 50, Status: capacity.BookingPending}))
		require.NoError(t, tx.AppendTransfer(ctx, capacity.TransferRecord{ID: "t", IdempotencyKey: "k"}))
		return boom
	})

	// THEN: every write is undone
	assert.Equal(t, boom, err)
	s, err := m.GetSlot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.TotalBookedPlants)
	assert.Equal(t, int64(1), s.Version)
	_, err = m.GetSlot(ctx, "b")
	assert.True(t, capacity.IsNotFound(err))
	_, err = m.GetBooking(ctx, "bk")
	assert.True(t, capacity.IsNotFound(err))
	rec, err := m.FindTransfer(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemory_UpdateSlotChecksVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.InsertSlots(ctx, []capacity.Slot{testSlot("a", "2025-03-01")})
	}))

	stale, err := m.GetSlot(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		s, _ := tx.GetSlot(ctx, "a")
		s.TotalBookedPlants = 10
		return tx.UpdateSlot(ctx, *s)
	}))

	err = m.WithTx(ctx, func(tx capacity.Tx) error {
		stale.TotalBookedPlants = 99
		return tx.UpdateSlot(ctx, *stale)
	})
	assert.True(t, errors.Is(err, capacity.ErrConcurrentModification))

	s, _ := m.GetSlot(ctx, "a")
	assert.Equal(t, int64(10), s.TotalBookedPlants)
	assert.Equal(t, int64(2), s.Version)
}

func TestMemory_InsertSlotsRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.InsertSlots(ctx, []capacity.Slot{testSlot("a", "2025-03-01")})
	}))

	err := m.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.InsertSlots(ctx, []capacity.Slot{testSlot("b", "2025-03-10"), testSlot("c", "2025-03-05")})
	})
	var conflict *capacity.SlotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, capacity.SlotID("a"), conflict.Existing)

	// Nothing from the failed batch was kept.
	_, err = m.GetSlot(ctx, "b")
	assert.True(t, capacity.IsNotFound(err))
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := capacity.TransferRecord{ID: "t1", IdempotencyKey: "k", OrderIDs: []string{"o1"}}
	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error { return tx.AppendTransfer(ctx, rec) }))

	rec.ID = "t2"
	err := m.WithTx(ctx, func(tx capacity.Tx) error { return tx.AppendTransfer(ctx, rec) })
	assert.True(t, errors.Is(err, capacity.ErrDuplicateIdempotencyKey))

	got, err := m.FindTransfer(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, capacity.TransferID("t1"), got.ID)
}

func TestMemory_ListTransfersNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, id := range []capacity.TransferID{"t1", "t2", "t3"} {
		rec := capacity.TransferRecord{ID: id, SourceSlotID: "a", TargetSlotID: "b", CreatedAt: time.Unix(int64(i), 0)}
		require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error { return tx.AppendTransfer(ctx, rec) }))
	}

	all, err := m.ListTransfers(ctx, capacity.TransferFilter{SlotID: "b", Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, capacity.TransferID("t3"), all[0].ID)
	assert.Equal(t, capacity.TransferID("t2"), all[1].ID)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s := testSlot("a", "2025-03-01")
	buf := 20
	s.EffectiveBuffer = &buf
	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.InsertSlots(ctx, []capacity.Slot{s})
	}))

	buf = 90
	got, err := m.GetSlot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 20, *got.EffectiveBuffer)

	*got.EffectiveBuffer = 50
	again, _ := m.GetSlot(ctx, "a")
	assert.Equal(t, 20, *again.EffectiveBuffer)
}

func TestMemory_Reset(t *testing.T) {
	// GIVEN: a store with a plant, a slot and a transfer key
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SavePlant(ctx, capacity.Plant{ID: "tomato"}))
	require.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		if err := tx.InsertSlots(ctx, []capacity.Slot{testSlot("a", "2025-03-01")}); err != nil {
			return err
		}
		return tx.AppendTransfer(ctx, capacity.TransferRecord{ID: "t", IdempotencyKey: "k"})
	}))

	// WHEN: resetting
	require.NoError(t, m.Reset(ctx))

	// THEN: everything is gone and the key can be reused
	plants, _ := m.ListPlants(ctx)
	assert.Empty(t, plants)
	slots, _ := m.ListSlots(ctx, capacity.SlotFilter{})
	assert.Empty(t, slots)
	assert.NoError(t, m.WithTx(ctx, func(tx capacity.Tx) error {
		return tx.AppendTransfer(ctx, capacity.TransferRecord{ID: "t2", IdempotencyKey: "k"})
	}))
}
