/*
store.go - Persistence interface for the capacity engine

PURPOSE:
  Defines the boundary between engine logic and the database. Reads are
  available everywhere; writes only exist on Tx, so every mutation happens
  inside WithTx and either commits as a whole or not at all.

KEY INTERFACES:
  Reader: catalog, slot, booking and transfer queries
  Tx:     Reader plus write primitives, valid only inside WithTx
  Store:  Reader plus plant registration and WithTx

OPTIMISTIC CONCURRENCY:
  UpdateSlot takes the slot as it was read. The store writes it only if the
  persisted Version still matches and bumps Version on success; otherwise
  it returns ErrConcurrentModification and the transaction rolls back.

IDEMPOTENCY:
  AppendTransfer rejects a record whose IdempotencyKey already exists with
  ErrDuplicateIdempotencyKey. FindTransfer looks a key up so a retried
  transfer can be answered from the audit trail.

NOT FOUND:
  Get* methods return a *NotFoundError, never (nil, nil).

IMPLEMENTATIONS:
  - capacity/store/memory.go: in-memory, for tests and the demo server
  - store/sqlite/sqlite.go: SQLite via sqlx with embedded migrations

SEE ALSO:
  - engine.go: mutate runs every write through WithTx
*/
package capacity

import "context"

// Reader is the read side shared by Store and Tx.
type Reader interface {
	GetPlant(ctx context.Context, id PlantID) (*Plant, error)
	ListPlants(ctx context.Context) ([]Plant, error)

	GetSlot(ctx context.Context, id SlotID) (*Slot, error)
	// ListSlots returns matching slots ordered by plant, subtype, StartDay.
	ListSlots(ctx context.Context, filter SlotFilter) ([]Slot, error)

	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	// ListBookings returns matching bookings ordered by CreatedAt.
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)

	// FindTransfer returns the record with the key, or nil when none exists.
	FindTransfer(ctx context.Context, idempotencyKey string) (*TransferRecord, error)
	// ListTransfers returns matching records, newest first.
	ListTransfers(ctx context.Context, filter TransferFilter) ([]TransferRecord, error)
}

// Tx is a unit of work. Writes become visible only when WithTx's callback
// returns nil.
type Tx interface {
	Reader

	// SavePlant creates or replaces a plant and its subtypes.
	SavePlant(ctx context.Context, p Plant) error

	InsertSlots(ctx context.Context, slots []Slot) error
	// UpdateSlot writes s if the stored Version equals s.Version.
	UpdateSlot(ctx context.Context, s Slot) error

	InsertBooking(ctx context.Context, b Booking) error
	UpdateBooking(ctx context.Context, b Booking) error

	AppendTransfer(ctx context.Context, r TransferRecord) error
}

// Store persists plants, slots, bookings and transfer records.
type Store interface {
	Reader

	// SavePlant creates or replaces a plant and its subtypes.
	SavePlant(ctx context.Context, p Plant) error

	// WithTx runs fn in a transaction. If fn returns an error, nothing it
	// wrote is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
