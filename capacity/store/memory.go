// Package store provides in-process capacity.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/slot-engine/capacity"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole callback and records an undo entry per write, so
// a failed callback leaves no trace.
//
// Values are copied on the way in and out; callers never share pointers
// with the store.
type Memory struct {
	mu        sync.RWMutex
	plants    map[capacity.PlantID]capacity.Plant
	slots     map[capacity.SlotID]capacity.Slot
	bookings  map[capacity.BookingID]capacity.Booking
	transfers []capacity.TransferRecord
	keys      map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		plants:   make(map[capacity.PlantID]capacity.Plant),
		slots:    make(map[capacity.SlotID]capacity.Slot),
		bookings: make(map[capacity.BookingID]capacity.Booking),
		keys:     make(map[string]int),
	}
}

var _ capacity.Store = (*Memory)(nil)

func (m *Memory) SavePlant(_ context.Context, p capacity.Plant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plants[p.ID] = clonePlant(p)
	return nil
}

// Reset deletes all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plants = make(map[capacity.PlantID]capacity.Plant)
	m.slots = make(map[capacity.SlotID]capacity.Slot)
	m.bookings = make(map[capacity.BookingID]capacity.Booking)
	m.transfers = nil
	m.keys = make(map[string]int)
	return nil
}

// WithTx executes fn within a transaction.
// Writes land immediately and are undone in reverse order if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(capacity.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// =============================================================================
// READS - Locked wrappers around the unlocked readers
// =============================================================================

func (m *Memory) GetPlant(ctx context.Context, id capacity.PlantID) (*capacity.Plant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPlant(id)
}

func (m *Memory) ListPlants(ctx context.Context) ([]capacity.Plant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPlants(), nil
}

func (m *Memory) GetSlot(ctx context.Context, id capacity.SlotID) (*capacity.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSlot(id)
}

func (m *Memory) ListSlots(ctx context.Context, f capacity.SlotFilter) ([]capacity.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSlots(f), nil
}

func (m *Memory) GetBooking(ctx context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBooking(id)
}

func (m *Memory) ListBookings(ctx context.Context, f capacity.BookingFilter) ([]capacity.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBookings(f), nil
}

func (m *Memory) FindTransfer(ctx context.Context, key string) (*capacity.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findTransfer(key), nil
}

func (m *Memory) ListTransfers(ctx context.Context, f capacity.TransferFilter) ([]capacity.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransfers(f), nil
}

func (m *Memory) getPlant(id capacity.PlantID) (*capacity.Plant, error) {
	p, ok := m.plants[id]
	if !ok {
		return nil, &capacity.NotFoundError{Kind: "plant", ID: string(id)}
	}
	p = clonePlant(p)
	return &p, nil
}

func (m *Memory) listPlants() []capacity.Plant {
	out := make([]capacity.Plant, 0, len(m.plants))
	for _, p := range m.plants {
		out = append(out, clonePlant(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) getSlot(id capacity.SlotID) (*capacity.Slot, error) {
	s, ok := m.slots[id]
	if !ok {
		return nil, &capacity.NotFoundError{Kind: "slot", ID: string(id)}
	}
	s = cloneSlot(s)
	return &s, nil
}

func (m *Memory) listSlots(f capacity.SlotFilter) []capacity.Slot {
	var out []capacity.Slot
	for _, s := range m.slots {
		if f.Matches(s) {
			out = append(out, cloneSlot(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PlantID != b.PlantID {
			return a.PlantID < b.PlantID
		}
		if a.SubtypeID != b.SubtypeID {
			return a.SubtypeID < b.SubtypeID
		}
		if !a.StartDay.Equal(b.StartDay) {
			return a.StartDay.Before(b.StartDay)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *Memory) getBooking(id capacity.BookingID) (*capacity.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, &capacity.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return &b, nil
}

func (m *Memory) listBookings(f capacity.BookingFilter) []capacity.Booking {
	var out []capacity.Booking
	for _, b := range m.bookings {
		if f.Matches(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) findTransfer(key string) *capacity.TransferRecord {
	i, ok := m.keys[key]
	if !ok {
		return nil
	}
	r := cloneTransfer(m.transfers[i])
	return &r
}

func (m *Memory) listTransfers(f capacity.TransferFilter) []capacity.TransferRecord {
	var out []capacity.TransferRecord
	for i := len(m.transfers) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
		if f.Matches(m.transfers[i]) {
			out = append(out, cloneTransfer(m.transfers[i]))
		}
	}
	return out
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

// memoryTx runs with m.mu held for writing.
type memoryTx struct {
	m    *Memory
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetPlant(_ context.Context, id capacity.PlantID) (*capacity.Plant, error) {
	return tx.m.getPlant(id)
}

func (tx *memoryTx) ListPlants(_ context.Context) ([]capacity.Plant, error) {
	return tx.m.listPlants(), nil
}

func (tx *memoryTx) GetSlot(_ context.Context, id capacity.SlotID) (*capacity.Slot, error) {
	return tx.m.getSlot(id)
}

func (tx *memoryTx) ListSlots(_ context.Context, f capacity.SlotFilter) ([]capacity.Slot, error) {
	return tx.m.listSlots(f), nil
}

func (tx *memoryTx) GetBooking(_ context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	return tx.m.getBooking(id)
}

func (tx *memoryTx) ListBookings(_ context.Context, f capacity.BookingFilter) ([]capacity.Booking, error) {
	return tx.m.listBookings(f), nil
}

func (tx *memoryTx) FindTransfer(_ context.Context, key string) (*capacity.TransferRecord, error) {
	return tx.m.findTransfer(key), nil
}

func (tx *memoryTx) ListTransfers(_ context.Context, f capacity.TransferFilter) ([]capacity.TransferRecord, error) {
	return tx.m.listTransfers(f), nil
}

func (tx *memoryTx) SavePlant(_ context.Context, p capacity.Plant) error {
	prev, existed := tx.m.plants[p.ID]
	tx.m.plants[p.ID] = clonePlant(p)
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.m.plants[p.ID] = prev
		} else {
			delete(tx.m.plants, p.ID)
		}
	})
	return nil
}

// InsertSlots rejects the whole batch if any window overlaps an active slot
// of the same series, including one earlier in the batch.
func (tx *memoryTx) InsertSlots(_ context.Context, slots []capacity.Slot) error {
	for i, s := range slots {
		if _, exists := tx.m.slots[s.ID]; exists {
			return capacity.ErrConcurrentModification
		}
		if s.Status == capacity.SlotClosed {
			continue
		}
		for _, e := range tx.m.slots {
			if overlapsActive(e, s) {
				return &capacity.SlotConflictError{Existing: e.ID, Window: e.Period(), Requested: s.Period()}
			}
		}
		for _, e := range slots[:i] {
			if overlapsActive(e, s) {
				return &capacity.SlotConflictError{Existing: e.ID, Window: e.Period(), Requested: s.Period()}
			}
		}
	}

	for _, s := range slots {
		id := s.ID
		tx.m.slots[id] = cloneSlot(s)
		tx.undo = append(tx.undo, func() { delete(tx.m.slots, id) })
	}
	return nil
}

func (tx *memoryTx) UpdateSlot(_ context.Context, s capacity.Slot) error {
	prev, ok := tx.m.slots[s.ID]
	if !ok {
		return &capacity.NotFoundError{Kind: "slot", ID: string(s.ID)}
	}
	if prev.Version != s.Version {
		return capacity.ErrConcurrentModification
	}
	next := cloneSlot(s)
	next.Version++
	tx.m.slots[s.ID] = next
	tx.undo = append(tx.undo, func() { tx.m.slots[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) InsertBooking(_ context.Context, b capacity.Booking) error {
	if _, exists := tx.m.bookings[b.ID]; exists {
		return capacity.ErrConcurrentModification
	}
	tx.m.bookings[b.ID] = b
	tx.undo = append(tx.undo, func() { delete(tx.m.bookings, b.ID) })
	return nil
}

func (tx *memoryTx) UpdateBooking(_ context.Context, b capacity.Booking) error {
	prev, ok := tx.m.bookings[b.ID]
	if !ok {
		return &capacity.NotFoundError{Kind: "booking", ID: string(b.ID)}
	}
	tx.m.bookings[b.ID] = b
	tx.undo = append(tx.undo, func() { tx.m.bookings[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) AppendTransfer(_ context.Context, r capacity.TransferRecord) error {
	if r.IdempotencyKey != "" {
		if _, exists := tx.m.keys[r.IdempotencyKey]; exists {
			return capacity.ErrDuplicateIdempotencyKey
		}
		tx.m.keys[r.IdempotencyKey] = len(tx.m.transfers)
	}
	tx.m.transfers = append(tx.m.transfers, cloneTransfer(r))
	tx.undo = append(tx.undo, func() {
		tx.m.transfers = tx.m.transfers[:len(tx.m.transfers)-1]
		if r.IdempotencyKey != "" {
			delete(tx.m.keys, r.IdempotencyKey)
		}
	})
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func overlapsActive(existing, s capacity.Slot) bool {
	return existing.Status == capacity.SlotActive &&
		existing.ID != s.ID &&
		existing.Compatible(s) &&
		existing.Period().Overlaps(s.Period())
}

func clonePlant(p capacity.Plant) capacity.Plant {
	p.Subtypes = append([]capacity.Subtype(nil), p.Subtypes...)
	return p
}

func cloneSlot(s capacity.Slot) capacity.Slot {
	if s.EffectiveBuffer != nil {
		b := *s.EffectiveBuffer
		s.EffectiveBuffer = &b
	}
	return s
}

func cloneTransfer(r capacity.TransferRecord) capacity.TransferRecord {
	r.OrderIDs = append([]string(nil), r.OrderIDs...)
	r.BookingIDs = append([]capacity.BookingID(nil), r.BookingIDs...)
	return r
}
