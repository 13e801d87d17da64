/*
Package capacity provides the slot capacity and transfer engine.

PURPOSE:
  Nursery production capacity is planned per plant subtype and divided into
  fixed-length windows ("slots"). Each slot holds a finite number of plants,
  withholds a buffer percentage from new bookings, and keeps a running total
  of booked plants. This package owns that bookkeeping: generating slots,
  reserving and releasing capacity, moving capacity or pending orders
  between slots, and rolling availability up for reporting.

KEY CONCEPTS IN THIS FILE (types.go):
  - Plant / Subtype: the catalog capacity is planned against
  - Slot: one window of capacity with its counters
  - Booking: an order's hold on a quantity of plants in one slot
  - TransferRecord: immutable audit entry for every transfer

OWNERSHIP:
  1. Ledger is the only writer of Slot.TotalBookedPlants
  2. TransferEngine is the only writer of Slot.TotalPlants and Booking.SlotID
  3. Generator is the only creator of slots

USAGE:
  eng := capacity.NewEngine(store, capacity.Options{})
  slot, err := eng.Ledger.Reserve(ctx, "slot-1", 250)
  var capErr *capacity.CapacityExceededError
  if errors.As(err, &capErr) {
      fmt.Println("at most", capErr.Max)
  }

SEE ALSO:
  - buffer.go: buffer resolution and derived capacity figures
  - ledger.go: reserve/release and booking lifecycle
  - transfer.go: capacity and order transfers
  - availability.go: read-side rollups
*/
package capacity

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PlantID string
type SubtypeID string
type SlotID string
type BookingID string
type TransferID string

// =============================================================================
// CATALOG
// =============================================================================

// Plant is a crop line capacity is planned for.
type Plant struct {
	ID        PlantID
	Name      string
	Subtypes  []Subtype
	CreatedAt time.Time
}

// Subtype returns the subtype with the given id, if the plant owns it.
func (p Plant) Subtype(id SubtypeID) (Subtype, bool) {
	for _, st := range p.Subtypes {
		if st.ID == id {
			return st, true
		}
	}
	return Subtype{}, false
}

// Subtype is the unit of capacity planning.
type Subtype struct {
	ID             SubtypeID
	PlantID        PlantID
	Name           string
	PlantReadyDays int
	// UnitFactor is the number of plants per sales unit (tray, bundle).
	UnitFactor decimal.Decimal
}

// =============================================================================
// SLOT
// =============================================================================

type SlotStatus string

const (
	SlotActive SlotStatus = "active"
	SlotClosed SlotStatus = "closed"
)

// SlotState is derived from counters and the calendar, never stored.
type SlotState string

const (
	StateActive    SlotState = "active"
	StateExhausted SlotState = "exhausted"
	StateClosed    SlotState = "closed"
)

// Slot is one window of production capacity for a plant subtype.
//
// INVARIANTS:
//   - 0 <= TotalBookedPlants <= TotalPlants
//   - 0 <= Buffer <= 100, and the same for EffectiveBuffer when set
type Slot struct {
	ID                SlotID
	PlantID           PlantID
	SubtypeID         SubtypeID
	StartDay          Day
	EndDay            Day
	Month             string
	TotalPlants       int64
	Buffer            int
	EffectiveBuffer   *int
	TotalBookedPlants int64
	Status            SlotStatus

	// Version increments on every write. Stores reject updates whose
	// Version does not match the persisted one.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period returns the slot's closed day window.
func (s Slot) Period() Period {
	return Period{Start: s.StartDay, End: s.EndDay}
}

// Compatible reports whether capacity or orders may move between s and other.
func (s Slot) Compatible(other Slot) bool {
	return s.PlantID == other.PlantID && s.SubtypeID == other.SubtypeID
}

// Elapsed reports whether the window ended before today.
func (s Slot) Elapsed(today Day) bool {
	return s.EndDay.Before(today)
}

// IsClosed reports whether reservations are disallowed.
func (s Slot) IsClosed(today Day) bool {
	return s.Status == SlotClosed || s.Elapsed(today)
}

// State derives the slot's lifecycle state.
func (s Slot) State(today Day) SlotState {
	if s.IsClosed(today) {
		return StateClosed
	}
	if AvailableCapacity(s) == 0 {
		return StateExhausted
	}
	return StateActive
}

// MonthLabel is the grouping label shown for a slot starting on day.
func MonthLabel(day Day) string {
	return day.Time.Format("January 2006")
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingFulfilled BookingStatus = "fulfilled"
	BookingCancelled BookingStatus = "cancelled"
)

// Booking links an order to exactly one slot at a time.
type Booking struct {
	ID        BookingID
	OrderID   string
	SlotID    SlotID
	Quantity  int64
	Status    BookingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSFER RECORD
// =============================================================================

type TransferMode string

const (
	TransferCapacity TransferMode = "capacity"
	TransferOrders   TransferMode = "orders"
)

// TransferRecord is the audit entry written with every successful transfer.
// Records are never updated.
type TransferRecord struct {
	ID           TransferID
	Mode         TransferMode
	SourceSlotID SlotID
	TargetSlotID SlotID
	// Quantity is plants moved; for order transfers, the sum of moved bookings.
	Quantity       int64
	OrderIDs       []string
	BookingIDs     []BookingID
	Reason         string
	Actor          string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// FILTERS
// =============================================================================

// SlotFilter narrows slot listings. Zero fields match everything.
type SlotFilter struct {
	PlantID   PlantID
	SubtypeID SubtypeID
	// Overlapping keeps slots whose window intersects the period.
	Overlapping *Period
	Status      SlotStatus
}

// Matches reports whether s passes the filter.
func (f SlotFilter) Matches(s Slot) bool {
	if f.PlantID != "" && s.PlantID != f.PlantID {
		return false
	}
	if f.SubtypeID != "" && s.SubtypeID != f.SubtypeID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Overlapping != nil && !s.Period().Overlaps(*f.Overlapping) {
		return false
	}
	return true
}

type BookingFilter struct {
	SlotID  SlotID
	OrderID string
	Status  BookingStatus
}

func (f BookingFilter) Matches(b Booking) bool {
	if f.SlotID != "" && b.SlotID != f.SlotID {
		return false
	}
	if f.OrderID != "" && b.OrderID != f.OrderID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}

type TransferFilter struct {
	// SlotID matches records where the slot is either source or target.
	SlotID SlotID
	Limit  int
}

func (f TransferFilter) Matches(r TransferRecord) bool {
	return f.SlotID == "" || r.SourceSlotID == f.SlotID || r.TargetSlotID == f.SlotID
}
