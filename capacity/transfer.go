/*
transfer.go - Moving capacity and pending orders between slots

PURPOSE:
  Operators rebalance production when one window is oversubscribed and a
  neighbouring one has room. Two mutually exclusive modes:

  Capacity: move unbooked plants.
    source.TotalPlants -= q, target.TotalPlants += q
    q must fit AvailableCapacity(source), so booked plants and the
    source's own buffer are never stripped.

  Orders: move every pending booking.
    booking.SlotID = target for each pending booking on source
    source booked -= sum, target booked += sum
    sum must fit ReceivableCapacity(target); the target's buffer does not
    apply to plants it receives.

COMPATIBILITY:
  Source and target must share plant and subtype, and must differ.

ATOMICITY:
  Both slots, every moved booking and the TransferRecord are written in one
  store transaction while holding both slot locks (taken in sorted order).
  A rejected orders transfer moves zero bookings.

IDEMPOTENCY:
  Each request gets a key derived from (mode, source, target, reason,
  timestamp bucket), or the caller's explicit key. If a record with the key
  exists the stored outcome is returned with Replayed set and nothing is
  applied again.

SEE ALSO:
  - ledger.go: debit/receive, the booked-counter primitives
  - buffer.go: AvailableCapacity, ReceivableCapacity
*/
package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

type CapacityTransferRequest struct {
	SourceSlotID SlotID
	TargetSlotID SlotID
	Quantity     int64
	Reason       string
	Actor        string
	// IdempotencyKey overrides the derived key when set.
	IdempotencyKey string
}

type OrdersTransferRequest struct {
	SourceSlotID   SlotID
	TargetSlotID   SlotID
	Reason         string
	Actor          string
	IdempotencyKey string
}

type TransferResult struct {
	Record           TransferRecord
	Source           SlotView
	Target           SlotView
	TransferredCount int
	// Replayed is true when the request matched an earlier transfer and
	// nothing was applied.
	Replayed bool
}

// TransferOptions lists slots that can receive capacity from Source.
type TransferOptions struct {
	Source          SlotView
	MaxTransferable int64
	Options         []SlotView
}

// OrdersTransferTargets lists slots with room for all pending orders on Source.
type OrdersTransferTargets struct {
	Source          SlotView
	PendingCount    int
	PendingQuantity int64
	Options         []SlotView
}

// =============================================================================
// TRANSFER ENGINE
// =============================================================================

// TransferEngine is the only writer of Slot.TotalPlants and Booking.SlotID.
type TransferEngine struct {
	*core
	ledger *Ledger
	window time.Duration
}

// idempotencyNamespace scopes derived transfer keys.
var idempotencyNamespace = uuid.MustParse("6f1c1a9e-3f4e-4b7a-9a55-2d8c0b7e5a10")

// IdempotencyKey derives the key for a transfer issued at t. Requests in the
// same window bucket with the same identity share a key.
func IdempotencyKey(mode TransferMode, source, target SlotID, reason string, t time.Time, window time.Duration) string {
	bucket := t.Truncate(window).Unix()
	name := fmt.Sprintf("%s|%s|%s|%s|%d", mode, source, target, reason, bucket)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// TransferCapacity moves unbooked capacity from source to target.
func (e *TransferEngine) TransferCapacity(ctx context.Context, req CapacityTransferRequest) (*TransferResult, error) {
	if req.Quantity <= 0 {
		return nil, invalid("quantity", "must be positive, got %d", req.Quantity)
	}
	if err := validatePair(req.SourceSlotID, req.TargetSlotID); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(TransferCapacity, req.SourceSlotID, req.TargetSlotID, req.Reason, e.now(), e.window)
	}

	var res TransferResult
	err := e.mutate(ctx, "transfer_capacity", slotKeys(req.SourceSlotID, req.TargetSlotID), func(tx Tx) error {
		res = TransferResult{}
		src, tgt, err := e.loadPair(ctx, tx, req.SourceSlotID, req.TargetSlotID)
		if err != nil {
			return err
		}
		if prior, err := tx.FindTransfer(ctx, key); err != nil {
			return err
		} else if prior != nil {
			if err := samePair(*prior, TransferCapacity, src.ID, tgt.ID); err != nil {
				return err
			}
			res = e.replay(*prior, *src, *tgt)
			return nil
		}

		if avail := AvailableCapacity(*src); req.Quantity > avail {
			return &CapacityExceededError{SlotID: src.ID, Requested: req.Quantity, Max: avail}
		}

		now := e.now()
		src.TotalPlants -= req.Quantity
		src.UpdatedAt = now
		tgt.TotalPlants += req.Quantity
		tgt.UpdatedAt = now
		if err := writeSlot(ctx, tx, src); err != nil {
			return err
		}
		if err := writeSlot(ctx, tx, tgt); err != nil {
			return err
		}

		rec := TransferRecord{
			ID:             TransferID(newID()),
			Mode:           TransferCapacity,
			SourceSlotID:   src.ID,
			TargetSlotID:   tgt.ID,
			Quantity:       req.Quantity,
			Reason:         req.Reason,
			Actor:          req.Actor,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		if err := tx.AppendTransfer(ctx, rec); err != nil {
			return err
		}

		res = TransferResult{Record: rec, Source: e.viewOf(*src), Target: e.viewOf(*tgt)}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return e.replayStored(ctx, key, TransferCapacity, req.SourceSlotID, req.TargetSlotID)
	}
	if err != nil {
		e.log.Debug("capacity transfer rejected", zap.String("source", string(req.SourceSlotID)),
			zap.String("target", string(req.TargetSlotID)), zap.Int64("quantity", req.Quantity), zap.Error(err))
		return nil, err
	}

	if !res.Replayed {
		e.log.Info("capacity transferred",
			zap.String("transfer", string(res.Record.ID)),
			zap.String("source", string(req.SourceSlotID)),
			zap.String("target", string(req.TargetSlotID)),
			zap.Int64("quantity", req.Quantity),
			zap.String("actor", req.Actor))
	}
	return &res, nil
}

// TransferOrders moves every pending booking from source to target.
func (e *TransferEngine) TransferOrders(ctx context.Context, req OrdersTransferRequest) (*TransferResult, error) {
	if err := validatePair(req.SourceSlotID, req.TargetSlotID); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(TransferOrders, req.SourceSlotID, req.TargetSlotID, req.Reason, e.now(), e.window)
	}

	var res TransferResult
	err := e.mutate(ctx, "transfer_orders", slotKeys(req.SourceSlotID, req.TargetSlotID), func(tx Tx) error {
		res = TransferResult{}
		src, tgt, err := e.loadPair(ctx, tx, req.SourceSlotID, req.TargetSlotID)
		if err != nil {
			return err
		}
		if prior, err := tx.FindTransfer(ctx, key); err != nil {
			return err
		} else if prior != nil {
			if err := samePair(*prior, TransferOrders, src.ID, tgt.ID); err != nil {
				return err
			}
			res = e.replay(*prior, *src, *tgt)
			return nil
		}

		pending, err := tx.ListBookings(ctx, BookingFilter{SlotID: src.ID, Status: BookingPending})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return invalid("source_slot_id", "slot %s has no pending orders", src.ID)
		}
		var total int64
		for _, b := range pending {
			total += b.Quantity
		}

		if err := e.ledger.receive(tgt, total); err != nil {
			return err
		}
		e.ledger.debit(src, total)

		now := e.now()
		rec := TransferRecord{
			ID:             TransferID(newID()),
			Mode:           TransferOrders,
			SourceSlotID:   src.ID,
			TargetSlotID:   tgt.ID,
			Quantity:       total,
			Reason:         req.Reason,
			Actor:          req.Actor,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		for _, b := range pending {
			b.SlotID = tgt.ID
			b.UpdatedAt = now
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
			rec.OrderIDs = append(rec.OrderIDs, b.OrderID)
			rec.BookingIDs = append(rec.BookingIDs, b.ID)
		}
		if err := writeSlot(ctx, tx, src); err != nil {
			return err
		}
		if err := writeSlot(ctx, tx, tgt); err != nil {
			return err
		}
		if err := tx.AppendTransfer(ctx, rec); err != nil {
			return err
		}

		res = TransferResult{
			Record:           rec,
			Source:           e.viewOf(*src),
			Target:           e.viewOf(*tgt),
			TransferredCount: len(pending),
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return e.replayStored(ctx, key, TransferOrders, req.SourceSlotID, req.TargetSlotID)
	}
	if err != nil {
		e.log.Debug("orders transfer rejected", zap.String("source", string(req.SourceSlotID)),
			zap.String("target", string(req.TargetSlotID)), zap.Error(err))
		return nil, err
	}

	if !res.Replayed {
		e.log.Info("orders transferred",
			zap.String("transfer", string(res.Record.ID)),
			zap.String("source", string(req.SourceSlotID)),
			zap.String("target", string(req.TargetSlotID)),
			zap.Int("bookings", res.TransferredCount),
			zap.Int64("quantity", res.Record.Quantity),
			zap.String("actor", req.Actor))
	}
	return &res, nil
}

// =============================================================================
// CANDIDATES
// =============================================================================

// CapacityTransferOptions lists compatible slots, still open, that could
// take capacity from the source, along with how much the source can give.
func (e *TransferEngine) CapacityTransferOptions(ctx context.Context, id SlotID) (*TransferOptions, error) {
	src, siblings, err := e.siblings(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &TransferOptions{Source: src, MaxTransferable: src.AvailableCapacity, Options: []SlotView{}}
	for _, v := range siblings {
		if v.AvailableCapacity > 0 {
			out.Options = append(out.Options, v)
		}
	}
	return out, nil
}

// OrdersTransferTargets lists compatible open slots whose receivable
// capacity covers every pending order on the source.
func (e *TransferEngine) OrdersTransferTargets(ctx context.Context, id SlotID) (*OrdersTransferTargets, error) {
	src, siblings, err := e.siblings(ctx, id)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.ListBookings(ctx, BookingFilter{SlotID: id, Status: BookingPending})
	if err != nil {
		return nil, err
	}

	out := &OrdersTransferTargets{Source: src, PendingCount: len(pending), Options: []SlotView{}}
	for _, b := range pending {
		out.PendingQuantity += b.Quantity
	}
	for _, v := range siblings {
		if v.ReceivableCapacity >= out.PendingQuantity {
			out.Options = append(out.Options, v)
		}
	}
	return out, nil
}

// ListTransfers returns the audit trail, newest first.
func (e *TransferEngine) ListTransfers(ctx context.Context, filter TransferFilter) ([]TransferRecord, error) {
	return e.store.ListTransfers(ctx, filter)
}

// siblings returns the source view and every other compatible slot whose
// window has not elapsed, ordered by start day.
func (e *TransferEngine) siblings(ctx context.Context, id SlotID) (SlotView, []SlotView, error) {
	src, err := e.store.GetSlot(ctx, id)
	if err != nil {
		return SlotView{}, nil, err
	}
	slots, err := e.store.ListSlots(ctx, SlotFilter{PlantID: src.PlantID, SubtypeID: src.SubtypeID})
	if err != nil {
		return SlotView{}, nil, err
	}

	today := e.today()
	var out []SlotView
	for _, s := range slots {
		if s.ID == src.ID || s.Elapsed(today) {
			continue
		}
		out = append(out, NewSlotView(s, today))
	}
	return NewSlotView(*src, today), out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validatePair(source, target SlotID) error {
	if source == "" || target == "" {
		return invalid("slot_id", "source and target are required")
	}
	if source == target {
		return invalid("target_slot_id", "source and target are the same slot")
	}
	return nil
}

func (e *TransferEngine) loadPair(ctx context.Context, tx Tx, source, target SlotID) (*Slot, *Slot, error) {
	src, err := tx.GetSlot(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := tx.GetSlot(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	if !src.Compatible(*tgt) {
		return nil, nil, &IncompatibleSlotsError{Source: *src, Target: *tgt}
	}
	return src, tgt, nil
}

func (e *TransferEngine) replay(rec TransferRecord, src, tgt Slot) TransferResult {
	res := TransferResult{
		Record:   rec,
		Source:   e.viewOf(src),
		Target:   e.viewOf(tgt),
		Replayed: true,
	}
	if rec.Mode == TransferOrders {
		res.TransferredCount = len(rec.BookingIDs)
	}
	return res
}

// samePair rejects a key that already names a transfer of another mode or
// between other slots. Replaying it would report the wrong slots.
func samePair(rec TransferRecord, mode TransferMode, source, target SlotID) error {
	if rec.Mode != mode || rec.SourceSlotID != source || rec.TargetSlotID != target {
		return invalid("idempotency_key", "key %s already names %s transfer %s -> %s",
			rec.IdempotencyKey, rec.Mode, rec.SourceSlotID, rec.TargetSlotID)
	}
	return nil
}

// replayStored answers a request whose key was taken by a concurrent writer
// outside this process.
func (e *TransferEngine) replayStored(ctx context.Context, key string, mode TransferMode, source, target SlotID) (*TransferResult, error) {
	rec, err := e.store.FindTransfer(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrConcurrentModification
	}
	if err := samePair(*rec, mode, source, target); err != nil {
		return nil, err
	}
	src, err := e.store.GetSlot(ctx, rec.SourceSlotID)
	if err != nil {
		return nil, err
	}
	tgt, err := e.store.GetSlot(ctx, rec.TargetSlotID)
	if err != nil {
		return nil, err
	}
	res := e.replay(*rec, *src, *tgt)
	return &res, nil
}

func (e *TransferEngine) viewOf(s Slot) SlotView { return NewSlotView(s, e.today()) }
