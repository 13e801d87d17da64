/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the capacity package's Go types from the external contract: snake_case
  names, YYYY-MM-DD days and RFC3339 timestamps.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Catalog:     factory.PlantJSON
  Slots:       SlotDTO, QuantityRequest, BufferRequest, GenerateResponse
  Bookings:    BookingDTO, CreateBookingRequest
  Transfers:   TransferDTO, CapacityTransferRequest, OrdersTransferRequest,
               CapacityTransferResponse, OrdersTransferResponse,
               TransferOptionsDTO, OrdersTransferTargetsDTO
  Reporting:   AvailabilityDTO and its nested groups
  Scenarios:   ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/plan.go: PlanJSON and PlantJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/slot-engine/capacity"
)

// =============================================================================
// SLOTS
// =============================================================================

// SlotDTO is a slot with its derived capacity figures.
type SlotDTO struct {
	ID                     string `json:"id"`
	PlantID                string `json:"plant_id"`
	SubtypeID              string `json:"subtype_id"`
	StartDay               string `json:"start_day"`
	EndDay                 string `json:"end_day"`
	Month                  string `json:"month"`
	TotalPlants            int64  `json:"total_plants"`
	Buffer                 int    `json:"buffer"`
	EffectiveBuffer        *int   `json:"effective_buffer"`
	ResolvedBuffer         int    `json:"resolved_buffer"`
	BufferAmount           int64  `json:"buffer_amount"`
	BufferAdjustedCapacity int64  `json:"buffer_adjusted_capacity"`
	TotalBookedPlants      int64  `json:"total_booked_plants"`
	AvailableCapacity      int64  `json:"available_capacity"`
	ReceivableCapacity     int64  `json:"receivable_capacity"`
	Status                 string `json:"status"`
	State                  string `json:"state"`
	Version                int64  `json:"version"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at"`
}

// QuantityRequest is the body of reserve and release.
type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

// BufferRequest sets or clears (null) the effective buffer.
type BufferRequest struct {
	EffectiveBuffer *int `json:"effective_buffer"`
}

// GenerateResponse is returned by POST /api/slots/generate.
type GenerateResponse struct {
	CreatedCount int       `json:"created_count"`
	Slots        []SlotDTO `json:"slots"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingDTO struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	SlotID    string `json:"slot_id"`
	Quantity  int64  `json:"quantity"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type CreateBookingRequest struct {
	OrderID  string `json:"order_id"`
	SlotID   string `json:"slot_id"`
	Quantity int64  `json:"quantity"`
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferDTO struct {
	ID             string   `json:"id"`
	Mode           string   `json:"mode"`
	SourceSlotID   string   `json:"source_slot_id"`
	TargetSlotID   string   `json:"target_slot_id"`
	Quantity       int64    `json:"quantity"`
	OrderIDs       []string `json:"order_ids,omitempty"`
	BookingIDs     []string `json:"booking_ids,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Actor          string   `json:"actor,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
	Timestamp      string   `json:"timestamp"`
}

// CapacityTransferRequest is the body of POST /api/transfers/capacity.
// The Idempotency-Key header is used when IdempotencyKey is empty.
type CapacityTransferRequest struct {
	SourceSlotID   string `json:"source_slot_id"`
	TargetSlotID   string `json:"target_slot_id"`
	Quantity       int64  `json:"quantity"`
	Reason         string `json:"reason,omitempty"`
	Actor          string `json:"actor,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type OrdersTransferRequest struct {
	SourceSlotID   string `json:"source_slot_id"`
	TargetSlotID   string `json:"target_slot_id"`
	Reason         string `json:"reason,omitempty"`
	Actor          string `json:"actor,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CapacityTransferResponse struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	Replayed bool        `json:"replayed"`
	Transfer TransferDTO `json:"transfer"`
	Source   SlotDTO     `json:"source"`
	Target   SlotDTO     `json:"target"`
}

type OrdersTransferResponse struct {
	Success          bool        `json:"success"`
	TransferredCount int         `json:"transferred_count"`
	Replayed         bool        `json:"replayed"`
	Transfer         TransferDTO `json:"transfer"`
	Source           SlotDTO     `json:"source"`
	Target           SlotDTO     `json:"target"`
}

type TransferOptionsDTO struct {
	Source          SlotDTO   `json:"source"`
	MaxTransferable int64     `json:"max_transferable"`
	Options         []SlotDTO `json:"options"`
}

type OrdersTransferTargetsDTO struct {
	Source          SlotDTO   `json:"source"`
	PendingCount    int       `json:"pending_count"`
	PendingQuantity int64     `json:"pending_quantity"`
	Options         []SlotDTO `json:"options"`
}

// =============================================================================
// AVAILABILITY
// =============================================================================

type AvailabilityDTO struct {
	StartDate          string                 `json:"start_date"`
	EndDate            string                 `json:"end_date"`
	Summary            AvailabilitySummaryDTO `json:"summary"`
	PlantsAvailability []PlantAvailabilityDTO `json:"plants_availability"`
	GeneratedAt        string                 `json:"generated_at"`
}

type AvailabilitySummaryDTO struct {
	TotalPlants    int   `json:"total_plants"`
	TotalAvailable int64 `json:"total_available"`
	TotalSubtypes  int   `json:"total_subtypes"`
	TotalSlots     int   `json:"total_slots"`
}

type PlantAvailabilityDTO struct {
	PlantID        string                   `json:"plant_id"`
	Name           string                   `json:"name"`
	TotalAvailable int64                    `json:"total_available"`
	Subtypes       []SubtypeAvailabilityDTO `json:"subtypes"`
}

type SubtypeAvailabilityDTO struct {
	SubtypeID      string                `json:"subtype_id"`
	Name           string                `json:"name"`
	PlantReadyDays int                   `json:"plant_ready_days"`
	UnitFactor     decimal.Decimal       `json:"unit_factor"`
	TotalAvailable int64                 `json:"total_available"`
	AvailableUnits decimal.Decimal       `json:"available_units"`
	Slots          []SlotAvailabilityDTO `json:"slots"`
}

type SlotAvailabilityDTO struct {
	SlotDTO
	AvailableUnits decimal.Decimal `json:"available_units"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSlotDTO(v capacity.SlotView) SlotDTO {
	return SlotDTO{
		ID:                     string(v.ID),
		PlantID:                string(v.PlantID),
		SubtypeID:              string(v.SubtypeID),
		StartDay:               v.StartDay.String(),
		EndDay:                 v.EndDay.String(),
		Month:                  v.Month,
		TotalPlants:            v.TotalPlants,
		Buffer:                 v.Buffer,
		EffectiveBuffer:        v.EffectiveBuffer,
		ResolvedBuffer:         v.ResolvedBuffer,
		BufferAmount:           v.BufferAmount,
		BufferAdjustedCapacity: v.BufferAdjustedCapacity,
		TotalBookedPlants:      v.TotalBookedPlants,
		AvailableCapacity:      v.AvailableCapacity,
		ReceivableCapacity:     v.ReceivableCapacity,
		Status:                 string(v.Status),
		State:                  string(v.State),
		Version:                v.Version,
		CreatedAt:              v.CreatedAt.Format(time.RFC3339),
		UpdatedAt:              v.UpdatedAt.Format(time.RFC3339),
	}
}

func toSlotDTOs(views []capacity.SlotView) []SlotDTO {
	out := make([]SlotDTO, len(views))
	for i, v := range views {
		out[i] = toSlotDTO(v)
	}
	return out
}

func toBookingDTO(b capacity.Booking) BookingDTO {
	return BookingDTO{
		ID:        string(b.ID),
		OrderID:   b.OrderID,
		SlotID:    string(b.SlotID),
		Quantity:  b.Quantity,
		Status:    string(b.Status),
		CreatedAt: b.CreatedAt.Format(time.RFC3339),
		UpdatedAt: b.UpdatedAt.Format(time.RFC3339),
	}
}

func toTransferDTO(r capacity.TransferRecord) TransferDTO {
	dto := TransferDTO{
		ID:             string(r.ID),
		Mode:           string(r.Mode),
		SourceSlotID:   string(r.SourceSlotID),
		TargetSlotID:   string(r.TargetSlotID),
		Quantity:       r.Quantity,
		OrderIDs:       r.OrderIDs,
		Reason:         r.Reason,
		Actor:          r.Actor,
		IdempotencyKey: r.IdempotencyKey,
		Timestamp:      r.CreatedAt.Format(time.RFC3339),
	}
	for _, id := range r.BookingIDs {
		dto.BookingIDs = append(dto.BookingIDs, string(id))
	}
	return dto
}

func toAvailabilityDTO(rep *capacity.AvailabilityReport) AvailabilityDTO {
	dto := AvailabilityDTO{
		StartDate: rep.Period.Start.String(),
		EndDate:   rep.Period.End.String(),
		Summary: AvailabilitySummaryDTO{
			TotalPlants:    rep.Summary.TotalPlants,
			TotalAvailable: rep.Summary.TotalAvailable,
			TotalSubtypes:  rep.Summary.TotalSubtypes,
			TotalSlots:     rep.Summary.TotalSlots,
		},
		PlantsAvailability: make([]PlantAvailabilityDTO, 0, len(rep.Plants)),
		GeneratedAt:        rep.GeneratedAt.Format(time.RFC3339),
	}
	for _, p := range rep.Plants {
		pd := PlantAvailabilityDTO{PlantID: string(p.PlantID), Name: p.Name, TotalAvailable: p.TotalAvailable}
		for _, st := range p.Subtypes {
			sd := SubtypeAvailabilityDTO{
				SubtypeID:      string(st.SubtypeID),
				Name:           st.Name,
				PlantReadyDays: st.PlantReadyDays,
				UnitFactor:     st.UnitFactor,
				TotalAvailable: st.TotalAvailable,
				AvailableUnits: st.AvailableUnits,
			}
			for _, s := range st.Slots {
				sd.Slots = append(sd.Slots, SlotAvailabilityDTO{SlotDTO: toSlotDTO(s.SlotView), AvailableUnits: s.AvailableUnits})
			}
			pd.Subtypes = append(pd.Subtypes, sd)
		}
		dto.PlantsAvailability = append(dto.PlantsAvailability, pd)
	}
	return dto
}
