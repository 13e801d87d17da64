package capacity

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ResolveBuffer is the one place the buffer fallback chain is resolved:
// the per-slot override when set, else the slot's default buffer.
// An unset default is the zero value, so the chain ends at 0.
func ResolveBuffer(s Slot) int {
	if s.EffectiveBuffer != nil {
		return *s.EffectiveBuffer
	}
	return s.Buffer
}

// BufferAmount is the number of plants withheld from new bookings,
// rounded half away from zero.
func BufferAmount(s Slot) int64 {
	pct := decimal.NewFromInt(int64(ResolveBuffer(s)))
	return decimal.NewFromInt(s.TotalPlants).Mul(pct).Div(hundred).Round(0).IntPart()
}

// BufferAdjustedCapacity is capacity less the buffer.
func BufferAdjustedCapacity(s Slot) int64 {
	return s.TotalPlants - BufferAmount(s)
}

// AvailableCapacity is what a new reservation, or a capacity transfer out of
// the slot, may take.
func AvailableCapacity(s Slot) int64 {
	return max(0, BufferAdjustedCapacity(s)-s.TotalBookedPlants)
}

// ReceivableCapacity is what the slot can absorb as the target of an orders
// transfer. No buffer is applied to capacity being received.
func ReceivableCapacity(s Slot) int64 {
	return max(0, s.TotalPlants-s.TotalBookedPlants)
}

func validPercent(p int) bool { return p >= 0 && p <= 100 }

// =============================================================================
// SLOT VIEW - Slot plus derived figures, for reads
// =============================================================================

// SlotView is a slot with every derived figure resolved against one clock
// reading. Views are snapshots; they are never written back.
type SlotView struct {
	Slot
	ResolvedBuffer         int
	BufferAmount           int64
	BufferAdjustedCapacity int64
	AvailableCapacity      int64
	ReceivableCapacity     int64
	State                  SlotState
}

// NewSlotView derives the view of s as of today.
func NewSlotView(s Slot, today Day) SlotView {
	return SlotView{
		Slot:                   s,
		ResolvedBuffer:         ResolveBuffer(s),
		BufferAmount:           BufferAmount(s),
		BufferAdjustedCapacity: BufferAdjustedCapacity(s),
		AvailableCapacity:      AvailableCapacity(s),
		ReceivableCapacity:     ReceivableCapacity(s),
		State:                  s.State(today),
	}
}
