/*
ledger.go - Authoritative booked/available capacity per slot

PURPOSE:
  The Ledger is the only code that changes a slot's TotalBookedPlants.
  Orders reserve capacity when placed and release it when cancelled;
  transfers move booked quantities through the same debit/credit helpers.

CRITICAL INVARIANTS:
  1. 0 <= TotalBookedPlants <= TotalPlants, always
  2. A reservation never exceeds AvailableCapacity as read inside the same
     transaction that writes it (no check-then-act)
  3. A failed operation leaves every touched row unchanged

HOW A MUTATION RUNS:
  1. Lock the slot key (per-slot, bounded by the operation timeout)
  2. Begin a store transaction and re-read the slot
  3. Check, then write with a version compare-and-swap
  4. Commit; on a lost update, roll back and run steps 2-4 again

BUFFER:
  Reservations may only use buffer-adjusted capacity. Releases always
  succeed and clamp at zero. See buffer.go for the arithmetic.

EXAMPLE:
  slot{TotalPlants: 1000, Buffer: 10, TotalBookedPlants: 400}
  BufferAmount = 100, AvailableCapacity = 500
  Reserve(600) -> *CapacityExceededError{Max: 500}
  Reserve(500) -> TotalBookedPlants = 900, AvailableCapacity = 0

SEE ALSO:
  - buffer.go: AvailableCapacity and friends
  - transfer.go: uses debit/credit for order transfers
*/
package capacity

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	*core
}

// BookRequest asks for a new booking of Quantity plants for an order.
type BookRequest struct {
	OrderID  string
	SlotID   SlotID
	Quantity int64
}

// errBookingMoved signals that a booking changed slot between lookup and
// lock. The caller looks the booking up again.
var errBookingMoved = errors.New("booking moved to another slot")

// Reserve adds quantity to the slot's booked total.
func (l *Ledger) Reserve(ctx context.Context, id SlotID, quantity int64) (*SlotView, error) {
	if quantity <= 0 {
		return nil, invalid("quantity", "must be positive, got %d", quantity)
	}

	var out Slot
	err := l.mutate(ctx, "reserve", slotKeys(id), func(tx Tx) error {
		slot, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		if err := l.credit(slot, quantity); err != nil {
			return err
		}
		if err := writeSlot(ctx, tx, slot); err != nil {
			return err
		}
		out = *slot
		return nil
	})
	if err != nil {
		l.log.Debug("reserve rejected", zap.String("slot", string(id)), zap.Int64("quantity", quantity), zap.Error(err))
		return nil, err
	}

	l.log.Info("reserved", zap.String("slot", string(id)), zap.Int64("quantity", quantity), zap.Int64("booked", out.TotalBookedPlants))
	return l.view(out), nil
}

// Release subtracts quantity from the slot's booked total, clamping at zero.
// Closed slots accept releases.
func (l *Ledger) Release(ctx context.Context, id SlotID, quantity int64) (*SlotView, error) {
	if quantity <= 0 {
		return nil, invalid("quantity", "must be positive, got %d", quantity)
	}

	var out Slot
	err := l.mutate(ctx, "release", slotKeys(id), func(tx Tx) error {
		slot, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		l.debit(slot, quantity)
		if err := writeSlot(ctx, tx, slot); err != nil {
			return err
		}
		out = *slot
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("released", zap.String("slot", string(id)), zap.Int64("quantity", quantity), zap.Int64("booked", out.TotalBookedPlants))
	return l.view(out), nil
}

// Book reserves capacity and records a pending booking in one transaction.
func (l *Ledger) Book(ctx context.Context, req BookRequest) (*Booking, error) {
	if req.OrderID == "" {
		return nil, invalid("order_id", "required")
	}
	if req.Quantity <= 0 {
		return nil, invalid("quantity", "must be positive, got %d", req.Quantity)
	}

	var out Booking
	err := l.mutate(ctx, "book", slotKeys(req.SlotID), func(tx Tx) error {
		slot, err := tx.GetSlot(ctx, req.SlotID)
		if err != nil {
			return err
		}
		if err := l.credit(slot, req.Quantity); err != nil {
			return err
		}
		if err := writeSlot(ctx, tx, slot); err != nil {
			return err
		}

		now := l.now()
		out = Booking{
			ID:        BookingID(newID()),
			OrderID:   req.OrderID,
			SlotID:    req.SlotID,
			Quantity:  req.Quantity,
			Status:    BookingPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertBooking(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("booked", zap.String("booking", string(out.ID)), zap.String("order", out.OrderID),
		zap.String("slot", string(out.SlotID)), zap.Int64("quantity", out.Quantity))
	return &out, nil
}

// CancelBooking cancels a pending booking and releases its quantity from the
// slot it currently sits in.
func (l *Ledger) CancelBooking(ctx context.Context, id BookingID) (*Booking, error) {
	return l.settleBooking(ctx, "cancel_booking", id, BookingCancelled)
}

// FulfillBooking marks a pending booking fulfilled. The plants stay booked.
func (l *Ledger) FulfillBooking(ctx context.Context, id BookingID) (*Booking, error) {
	return l.settleBooking(ctx, "fulfill_booking", id, BookingFulfilled)
}

func (l *Ledger) settleBooking(ctx context.Context, op string, id BookingID, to BookingStatus) (*Booking, error) {
	for attempt := 0; ; attempt++ {
		current, err := l.store.GetBooking(ctx, id)
		if err != nil {
			return nil, err
		}

		var out Booking
		err = l.mutate(ctx, op, slotKeys(current.SlotID), func(tx Tx) error {
			b, err := tx.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			if b.SlotID != current.SlotID {
				return errBookingMoved
			}
			if b.Status != BookingPending {
				return invalid("status", "booking %s is %s, not pending", id, b.Status)
			}

			if to == BookingCancelled {
				slot, err := tx.GetSlot(ctx, b.SlotID)
				if err != nil {
					return err
				}
				l.debit(slot, b.Quantity)
				if err := writeSlot(ctx, tx, slot); err != nil {
					return err
				}
			}

			b.Status = to
			b.UpdatedAt = l.now()
			out = *b
			return tx.UpdateBooking(ctx, *b)
		})
		if errors.Is(err, errBookingMoved) && attempt < l.maxRetries {
			continue
		}
		if errors.Is(err, errBookingMoved) {
			return nil, ErrConcurrentModification
		}
		if err != nil {
			return nil, err
		}

		l.log.Info("booking settled", zap.String("booking", string(id)), zap.String("status", string(to)),
			zap.String("slot", string(out.SlotID)), zap.Int64("quantity", out.Quantity))
		return &out, nil
	}
}

// SetEffectiveBuffer sets the per-slot buffer override, or clears it when
// percent is nil.
func (l *Ledger) SetEffectiveBuffer(ctx context.Context, id SlotID, percent *int) (*SlotView, error) {
	if percent != nil && !validPercent(*percent) {
		return nil, invalid("effective_buffer", "must be between 0 and 100, got %d", *percent)
	}

	var out Slot
	err := l.mutate(ctx, "set_buffer", slotKeys(id), func(tx Tx) error {
		slot, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		if percent == nil {
			slot.EffectiveBuffer = nil
		} else {
			p := *percent
			slot.EffectiveBuffer = &p
		}
		slot.UpdatedAt = l.now()
		if err := writeSlot(ctx, tx, slot); err != nil {
			return err
		}
		out = *slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.view(out), nil
}

// CloseElapsed marks every active slot whose window ended before today as
// closed and returns how many were closed. Each slot is closed in its own
// transaction; a failure stops the sweep and reports what was done so far.
func (l *Ledger) CloseElapsed(ctx context.Context) (int, error) {
	today := l.today()
	active, err := l.store.ListSlots(ctx, SlotFilter{Status: SlotActive})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, s := range active {
		if !s.Elapsed(today) {
			continue
		}
		id := s.ID
		err := l.mutate(ctx, "close_slot", slotKeys(id), func(tx Tx) error {
			slot, err := tx.GetSlot(ctx, id)
			if err != nil {
				return err
			}
			if slot.Status == SlotClosed {
				return nil
			}
			slot.Status = SlotClosed
			slot.UpdatedAt = l.now()
			return writeSlot(ctx, tx, slot)
		})
		if err != nil {
			return closed, err
		}
		closed++
	}

	if closed > 0 {
		l.log.Info("closed elapsed slots", zap.Int("count", closed), zap.String("today", today.String()))
	}
	return closed, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetSlot(ctx context.Context, id SlotID) (*SlotView, error) {
	s, err := l.store.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.view(*s), nil
}

func (l *Ledger) ListSlots(ctx context.Context, filter SlotFilter) ([]SlotView, error) {
	slots, err := l.store.ListSlots(ctx, filter)
	if err != nil {
		return nil, err
	}
	today := l.today()
	views := make([]SlotView, len(slots))
	for i, s := range slots {
		views[i] = NewSlotView(s, today)
	}
	return views, nil
}

func (l *Ledger) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	return l.store.ListBookings(ctx, filter)
}

func (l *Ledger) view(s Slot) *SlotView {
	v := NewSlotView(s, l.today())
	return &v
}

// =============================================================================
// COUNTER PRIMITIVES - The only writers of TotalBookedPlants
// =============================================================================

// credit books quantity on slot after checking it is open and has room.
func (l *Ledger) credit(slot *Slot, quantity int64) error {
	if slot.IsClosed(l.today()) {
		return ErrSlotClosed
	}
	if avail := AvailableCapacity(*slot); quantity > avail {
		return &CapacityExceededError{SlotID: slot.ID, Requested: quantity, Max: avail}
	}
	slot.TotalBookedPlants += quantity
	slot.UpdatedAt = l.now()
	return nil
}

// receive books quantity moved in from another slot. No buffer applies and
// closed slots may receive.
func (l *Ledger) receive(slot *Slot, quantity int64) error {
	if recv := ReceivableCapacity(*slot); quantity > recv {
		return &CapacityExceededError{SlotID: slot.ID, Requested: quantity, Max: recv}
	}
	slot.TotalBookedPlants += quantity
	slot.UpdatedAt = l.now()
	return nil
}

// debit removes quantity from slot, clamping at zero.
func (l *Ledger) debit(slot *Slot, quantity int64) {
	slot.TotalBookedPlants = max(0, slot.TotalBookedPlants-quantity)
	slot.UpdatedAt = l.now()
}
