/*
handlers.go - HTTP API handlers for the slot capacity engine

PURPOSE:
  Exposes the capacity engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine components.

ENDPOINTS:
  Catalog:
    GET    /api/plants                              List plants
    POST   /api/plants                              Create or update a plant
    GET    /api/plants/{id}                         Get plant

  Slots:
    POST   /api/slots/generate                      Generate slots from a plan
    GET    /api/slots                               List slots
    GET    /api/slots/{id}                          Slot with derived figures
    PUT    /api/slots/{id}/buffer                   Set/clear effective buffer
    POST   /api/slots/{id}/reserve                  Reserve capacity
    POST   /api/slots/{id}/release                  Release capacity
    GET    /api/slots/{id}/bookings                 Bookings on the slot
    GET    /api/slots/{id}/capacity-transfer-options
    GET    /api/slots/{id}/orders-transfer-targets

  Bookings:
    GET    /api/bookings                            List bookings
    POST   /api/bookings                            Book
    GET    /api/bookings/{id}                       Get booking
    POST   /api/bookings/{id}/cancel                Cancel (releases capacity)
    POST   /api/bookings/{id}/fulfill               Fulfil

  Transfers:
    POST   /api/transfers/capacity                  Move unbooked capacity
    POST   /api/transfers/orders                    Move all pending orders
    GET    /api/transfers                           Audit trail

  Reporting:
    GET    /api/availability                        Availability rollup

ERROR HANDLING:
  Errors are returned as {error, code, retryable, details}:
  - 400: validation_error
  - 404: not_found
  - 409: capacity_exceeded (details.max), slot_conflict, slot_closed,
         concurrency_conflict (retryable)
  - 422: incompatible_slots
  - 503: lock_timeout (retryable)
  - 500: internal_error

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/slot-engine/capacity"
	"github.com/warp/slot-engine/factory"
)

// IdempotencyHeader may carry an explicit transfer idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *capacity.Engine
	Plans  *factory.PlanFactory
	Log    *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over eng. A nil logger discards output.
func NewHandler(eng *capacity.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine: eng,
		Plans:  factory.NewPlanFactory(),
		Log:    log,
	}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListPlants returns the catalog.
func (h *Handler) ListPlants(w http.ResponseWriter, r *http.Request) {
	plants, err := h.Engine.Store.ListPlants(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]factory.PlantJSON, len(plants))
	for i, p := range plants {
		dtos[i] = h.Plans.PlantToJSON(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPlant returns a single plant with its subtypes.
func (h *Handler) GetPlant(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Store.GetPlant(r.Context(), capacity.PlantID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Plans.PlantToJSON(*p))
}

// CreatePlant saves a plant and its subtypes, replacing an existing entry.
func (h *Handler) CreatePlant(w http.ResponseWriter, r *http.Request) {
	var req factory.PlantJSON
	if !decode(w, r, &req) {
		return
	}
	plant, err := h.Plans.PlantFromJSON(req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if err := h.Engine.Store.SavePlant(r.Context(), plant); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.Engine.Availability.Invalidate()
	writeJSON(w, http.StatusCreated, h.Plans.PlantToJSON(plant))
}

// =============================================================================
// SLOT HANDLERS
// =============================================================================

// GenerateSlots applies a plan: catalog entries first, then every run.
// POST /api/slots/generate
func (h *Handler) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	var pj factory.PlanJSON
	if !decode(w, r, &pj) {
		return
	}
	plan, err := h.Plans.FromJSON(pj)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	results, err := h.Plans.Apply(r.Context(), h.Engine, plan)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	today := capacity.DayOf(h.Engine.Now())
	resp := GenerateResponse{Slots: []SlotDTO{}}
	for _, res := range results {
		resp.CreatedCount += res.CreatedCount
		for _, s := range res.Slots {
			resp.Slots = append(resp.Slots, toSlotDTO(capacity.NewSlotView(s, today)))
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListSlots lists slots filtered by plant_id, subtype_id, status and an
// optional from/to window.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := capacity.SlotFilter{
		PlantID:   capacity.PlantID(q.Get("plant_id")),
		SubtypeID: capacity.SubtypeID(q.Get("subtype_id")),
		Status:    capacity.SlotStatus(q.Get("status")),
	}
	if q.Get("from") != "" || q.Get("to") != "" {
		period, err := parsePeriod(q.Get("from"), q.Get("to"))
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		filter.Overlapping = &period
	}

	views, err := h.Engine.Ledger.ListSlots(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(views))
}

func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.Ledger.GetSlot(r.Context(), slotParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*v))
}

// SetBuffer sets the slot's effective buffer, or clears it with null.
// PUT /api/slots/{id}/buffer
func (h *Handler) SetBuffer(w http.ResponseWriter, r *http.Request) {
	var req BufferRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.Engine.Ledger.SetEffectiveBuffer(r.Context(), slotParam(r), req.EffectiveBuffer)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*v))
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.Engine.Ledger.Reserve(r.Context(), slotParam(r), req.Quantity)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*v))
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.Engine.Ledger.Release(r.Context(), slotParam(r), req.Quantity)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*v))
}

// SlotBookings lists bookings currently on the slot.
func (h *Handler) SlotBookings(w http.ResponseWriter, r *http.Request) {
	id := slotParam(r)
	if _, err := h.Engine.Ledger.GetSlot(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.listBookings(w, r, capacity.BookingFilter{
		SlotID: id,
		Status: capacity.BookingStatus(r.URL.Query().Get("status")),
	})
}

func (h *Handler) CapacityTransferOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.Engine.Transfers.CapacityTransferOptions(r.Context(), slotParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransferOptionsDTO{
		Source:          toSlotDTO(opts.Source),
		MaxTransferable: opts.MaxTransferable,
		Options:         toSlotDTOs(opts.Options),
	})
}

func (h *Handler) OrdersTransferTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.Engine.Transfers.OrdersTransferTargets(r.Context(), slotParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OrdersTransferTargetsDTO{
		Source:          toSlotDTO(targets.Source),
		PendingCount:    targets.PendingCount,
		PendingQuantity: targets.PendingQuantity,
		Options:         toSlotDTOs(targets.Options),
	})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// ListBookings lists bookings filtered by slot_id, order_id and status.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.listBookings(w, r, capacity.BookingFilter{
		SlotID:  capacity.SlotID(q.Get("slot_id")),
		OrderID: q.Get("order_id"),
		Status:  capacity.BookingStatus(q.Get("status")),
	})
}

func (h *Handler) listBookings(w http.ResponseWriter, r *http.Request, filter capacity.BookingFilter) {
	bookings, err := h.Engine.Ledger.ListBookings(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Engine.Ledger.Book(r.Context(), capacity.BookRequest{
		OrderID:  req.OrderID,
		SlotID:   capacity.SlotID(req.SlotID),
		Quantity: req.Quantity,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(*b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Store.GetBooking(r.Context(), bookingParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Ledger.CancelBooking(r.Context(), bookingParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

func (h *Handler) FulfillBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Ledger.FulfillBooking(r.Context(), bookingParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// TransferCapacity moves unbooked capacity between compatible slots.
// POST /api/transfers/capacity
func (h *Handler) TransferCapacity(w http.ResponseWriter, r *http.Request) {
	var req CapacityTransferRequest
	if !decode(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyHeader)
	}

	res, err := h.Engine.Transfers.TransferCapacity(r.Context(), capacity.CapacityTransferRequest{
		SourceSlotID:   capacity.SlotID(req.SourceSlotID),
		TargetSlotID:   capacity.SlotID(req.TargetSlotID),
		Quantity:       req.Quantity,
		Reason:         req.Reason,
		Actor:          req.Actor,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	msg := fmt.Sprintf("Transferred %d plants from %s to %s", res.Record.Quantity, res.Record.SourceSlotID, res.Record.TargetSlotID)
	if res.Replayed {
		msg = "Transfer already applied; returning the recorded result"
	}
	writeJSON(w, http.StatusOK, CapacityTransferResponse{
		Success:  true,
		Message:  msg,
		Replayed: res.Replayed,
		Transfer: toTransferDTO(res.Record),
		Source:   toSlotDTO(res.Source),
		Target:   toSlotDTO(res.Target),
	})
}

// TransferOrders moves every pending booking from source to target.
// POST /api/transfers/orders
func (h *Handler) TransferOrders(w http.ResponseWriter, r *http.Request) {
	var req OrdersTransferRequest
	if !decode(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyHeader)
	}

	res, err := h.Engine.Transfers.TransferOrders(r.Context(), capacity.OrdersTransferRequest{
		SourceSlotID:   capacity.SlotID(req.SourceSlotID),
		TargetSlotID:   capacity.SlotID(req.TargetSlotID),
		Reason:         req.Reason,
		Actor:          req.Actor,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OrdersTransferResponse{
		Success:          true,
		TransferredCount: res.TransferredCount,
		Replayed:         res.Replayed,
		Transfer:         toTransferDTO(res.Record),
		Source:           toSlotDTO(res.Source),
		Target:           toSlotDTO(res.Target),
	})
}

// ListTransfers returns the audit trail, newest first.
// GET /api/transfers?slot_id=&limit=
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := capacity.TransferFilter{SlotID: capacity.SlotID(q.Get("slot_id"))}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeEngineError(w, r, &capacity.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	records, err := h.Engine.Transfers.ListTransfers(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]TransferDTO, len(records))
	for i, rec := range records {
		dtos[i] = toTransferDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// GetAvailability rolls availability up by plant and subtype.
// GET /api/availability?from=&to=&plant_id=&subtype_id=&include_closed=
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := parsePeriod(q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	query := capacity.AvailabilityQuery{
		Period:    period,
		PlantID:   capacity.PlantID(q.Get("plant_id")),
		SubtypeID: capacity.SubtypeID(q.Get("subtype_id")),
	}
	if s := q.Get("include_closed"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			h.writeEngineError(w, r, &capacity.ValidationError{Field: "include_closed", Message: "must be a boolean"})
			return
		}
		query.IncludeClosed = b
	}

	rep, err := h.Engine.Availability.GetAvailability(r.Context(), query)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(rep))
}

// =============================================================================
// HELPERS
// =============================================================================

func slotParam(r *http.Request) capacity.SlotID {
	return capacity.SlotID(chi.URLParam(r, "id"))
}

func bookingParam(r *http.Request) capacity.BookingID {
	return capacity.BookingID(chi.URLParam(r, "id"))
}

func parsePeriod(from, to string) (capacity.Period, error) {
	if from == "" || to == "" {
		return capacity.Period{}, &capacity.ValidationError{Field: "range", Message: "from and to are required (YYYY-MM-DD)"}
	}
	start, err := capacity.ParseDay(from)
	if err != nil {
		return capacity.Period{}, &capacity.ValidationError{Field: "from", Message: err.Error()}
	}
	end, err := capacity.ParseDay(to)
	if err != nil {
		return capacity.Period{}, &capacity.ValidationError{Field: "to", Message: err.Error()}
	}
	return capacity.Period{Start: start, End: end}, nil
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "validation_error",
			Details: map[string]any{
				"reason": err.Error(),
			},
		})
		return false
	}
	return true
}

// writeEngineError maps engine errors to status codes and error bodies.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, status, resp)
}

func errorResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var capErr *capacity.CapacityExceededError
	var valErr *capacity.ValidationError
	var nfErr *capacity.NotFoundError
	var conflictErr *capacity.SlotConflictError

	switch {
	case errors.As(err, &capErr):
		resp.Code = "capacity_exceeded"
		resp.Details = map[string]any{
			"slot_id":   capErr.SlotID,
			"requested": capErr.Requested,
			"max":       capErr.Max,
		}
		return http.StatusConflict, resp
	case errors.As(err, &valErr):
		resp.Code = "validation_error"
		if valErr.Field != "" {
			resp.Details = map[string]any{"field": valErr.Field}
		}
		return http.StatusBadRequest, resp
	case errors.Is(err, capacity.ErrValidation):
		resp.Code = "validation_error"
		return http.StatusBadRequest, resp
	case errors.As(err, &nfErr):
		resp.Code = "not_found"
		resp.Details = map[string]any{"kind": nfErr.Kind, "id": nfErr.ID}
		return http.StatusNotFound, resp
	case errors.Is(err, capacity.ErrNotFound):
		resp.Code = "not_found"
		return http.StatusNotFound, resp
	case errors.As(err, &conflictErr):
		resp.Code = "slot_conflict"
		resp.Details = map[string]any{
			"existing_slot_id": conflictErr.Existing,
			"existing_window":  conflictErr.Window.String(),
			"requested_window": conflictErr.Requested.String(),
		}
		return http.StatusConflict, resp
	case errors.Is(err, capacity.ErrSlotClosed):
		resp.Code = "slot_closed"
		return http.StatusConflict, resp
	case errors.Is(err, capacity.ErrIncompatibleSlots):
		resp.Code = "incompatible_slots"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, capacity.ErrLockTimeout):
		resp.Code = "lock_timeout"
		resp.Retryable = true
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, capacity.ErrConcurrentModification):
		resp.Code = "concurrency_conflict"
		resp.Retryable = true
		return http.StatusConflict, resp
	default:
		resp.Error = "Internal server error"
		resp.Code = "internal_error"
		return http.StatusInternalServerError, resp
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
