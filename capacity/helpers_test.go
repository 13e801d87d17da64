package capacity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/capacity"
	"github.com/warp/slot-engine/capacity/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// testClock is a settable clock shared by the engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(day string) *testClock {
	return &testClock{now: capacity.MustParseDay(day).Time.Add(9 * time.Hour)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(day string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = capacity.MustParseDay(day).Time.Add(9 * time.Hour)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ctx   context.Context
	eng   *capacity.Engine
	store *store.Memory
	clock *testClock
}

// newHarness builds an engine over a fresh memory store with the catalog
// seeded and the clock at 2025-01-15.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, capacity.Options{})
}

func newHarnessWith(t *testing.T, opts capacity.Options) *harness {
	t.Helper()
	st := store.NewMemory()
	clock := newTestClock("2025-01-15")
	opts.Now = clock.Now
	h := &harness{
		ctx:   context.Background(),
		eng:   capacity.NewEngine(st, opts),
		store: st,
		clock: clock,
	}
	seedCatalog(t, st)
	return h
}

func seedCatalog(t *testing.T, st capacity.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SavePlant(ctx, capacity.Plant{
		ID:   "tomato",
		Name: "Tomato",
		Subtypes: []capacity.Subtype{
			{ID: "cherry", PlantID: "tomato", Name: "Cherry", PlantReadyDays: 45, UnitFactor: decimal.NewFromInt(6)},
			{ID: "roma", PlantID: "tomato", Name: "Roma", PlantReadyDays: 50, UnitFactor: decimal.NewFromInt(1)},
		},
	}))
	require.NoError(t, st.SavePlant(ctx, capacity.Plant{
		ID:   "basil",
		Name: "Basil",
		Subtypes: []capacity.Subtype{
			{ID: "genovese", PlantID: "basil", Name: "Genovese", PlantReadyDays: 30, UnitFactor: decimal.NewFromInt(12)},
		},
	}))
}

// slotSeed is the short form of a slot used to seed tests.
type slotSeed struct {
	id      capacity.SlotID
	plant   capacity.PlantID
	subtype capacity.SubtypeID
	start   string
	end     string
	total   int64
	buffer  int
	booked  int64
}

// seedSlot writes a slot straight to the store, bypassing the generator, so
// tests can start from any counter state.
func (h *harness) seedSlot(t *testing.T, s slotSeed) capacity.Slot {
	t.Helper()
	if s.plant == "" {
		s.plant = "tomato"
	}
	if s.subtype == "" {
		s.subtype = "cherry"
	}
	if s.start == "" {
		s.start = "2025-03-01"
	}
	if s.end == "" {
		s.end = capacity.MustParseDay(s.start).AddDays(6).String()
	}
	start := capacity.MustParseDay(s.start)
	slot := capacity.Slot{
		ID:                s.id,
		PlantID:           s.plant,
		SubtypeID:         s.subtype,
		StartDay:          start,
		EndDay:            capacity.MustParseDay(s.end),
		Month:             capacity.MonthLabel(start),
		TotalPlants:       s.total,
		Buffer:            s.buffer,
		TotalBookedPlants: s.booked,
		Status:            capacity.SlotActive,
		Version:           1,
		CreatedAt:         h.clock.Now(),
		UpdatedAt:         h.clock.Now(),
	}
	err := h.store.WithTx(h.ctx, func(tx capacity.Tx) error {
		return tx.InsertSlots(h.ctx, []capacity.Slot{slot})
	})
	require.NoError(t, err)
	return slot
}

func (h *harness) slot(t *testing.T, id capacity.SlotID) *capacity.SlotView {
	t.Helper()
	v, err := h.eng.Ledger.GetSlot(h.ctx, id)
	require.NoError(t, err)
	return v
}

func (h *harness) book(t *testing.T, order string, slot capacity.SlotID, qty int64) *capacity.Booking {
	t.Helper()
	b, err := h.eng.Ledger.Book(h.ctx, capacity.BookRequest{OrderID: order, SlotID: slot, Quantity: qty})
	require.NoError(t, err)
	return b
}

func period(start, end string) capacity.Period {
	return capacity.Period{Start: capacity.MustParseDay(start), End: capacity.MustParseDay(end)}
}

func intPtr(v int) *int { return &v }
