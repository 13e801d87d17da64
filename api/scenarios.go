/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	nursery data. Each scenario saves a catalog, generates slots from a plan
	and places bookings through the engine, so every figure obeys the same
	rules as live traffic.

AVAILABLE SCENARIOS:

	spring-season:   Tomato and basil weekly slots for the next eight weeks
	buffer-pressure: One slot at 1000 plants, 10% buffer, 400 booked
	rebalance:       An overbooked week next to an empty one, ready for a
	                 capacity or orders transfer

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Build a plan relative to today and apply it via the factory
 3. Book demo orders through the Ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "rebalance"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: handler context
  - factory/plan.go: plan JSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/slot-engine/capacity"
	"github.com/warp/slot-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "spring-season",
		Name:        "Spring Season",
		Description: "Weekly tomato and basil slots for the next eight weeks with a few orders",
	},
	{
		ID:          "buffer-pressure",
		Name:        "Buffer Pressure",
		Description: "1000 plants, 10% buffer, 400 booked: only 500 more can be reserved",
	},
	{
		ID:          "rebalance",
		Name:        "Rebalance",
		Description: "A nearly full week beside an empty one, to try capacity and orders transfers",
	},
}

// resetter is implemented by stores that can clear all data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	loader, ok := map[string]func(context.Context) error{
		"spring-season":   h.loadSpringSeason,
		"buffer-pressure": h.loadBufferPressure,
		"rebalance":       h.loadRebalance,
	}[req.ScenarioID]
	if !ok {
		h.writeEngineError(w, r, &capacity.NotFoundError{Kind: "scenario", ID: req.ScenarioID})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		h.writeEngineError(w, r, fmt.Errorf("failed to load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) reset(ctx context.Context) error {
	st, ok := h.Engine.Store.(resetter)
	if !ok {
		return fmt.Errorf("store does not support reset")
	}
	if err := st.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	h.Engine.Availability.Invalidate()
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSpringSeason(ctx context.Context) error {
	start := capacity.DayOf(h.Engine.Now())
	end := start.AddDays(8*7 - 1)
	slots, err := h.applyPlan(ctx, factory.PlanJSON{
		ID:     "spring-season",
		Name:   "Spring Season",
		Plants: demoCatalog(),
		Runs: []factory.RunJSON{
			weeklyRun("tomato", "cherry", start, end, 1000, 10),
			weeklyRun("tomato", "roma", start, end, 600, 5),
			weeklyRun("basil", "genovese", start, end, 2400, 15),
		},
	})
	if err != nil {
		return err
	}

	orders := []struct {
		order string
		slot  int
		qty   int64
	}{
		{"ORD-1001", 0, 250},
		{"ORD-1002", 0, 120},
		{"ORD-1003", 1, 400},
		{"ORD-1004", 8, 300},
		{"ORD-1005", 16, 900},
	}
	for _, o := range orders {
		if _, err := h.Engine.Ledger.Book(ctx, capacity.BookRequest{OrderID: o.order, SlotID: slots[o.slot].ID, Quantity: o.qty}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadBufferPressure(ctx context.Context) error {
	start := capacity.DayOf(h.Engine.Now())
	slots, err := h.applyPlan(ctx, factory.PlanJSON{
		Plants: demoCatalog(),
		Runs:   []factory.RunJSON{weeklyRun("tomato", "cherry", start, start.AddDays(6), 1000, 10)},
	})
	if err != nil {
		return err
	}
	for i, qty := range []int64{150, 150, 100} {
		if _, err := h.Engine.Ledger.Book(ctx, capacity.BookRequest{
			OrderID:  fmt.Sprintf("ORD-%d", 2001+i),
			SlotID:   slots[0].ID,
			Quantity: qty,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRebalance(ctx context.Context) error {
	start := capacity.DayOf(h.Engine.Now())
	slots, err := h.applyPlan(ctx, factory.PlanJSON{
		Plants: demoCatalog(),
		Runs:   []factory.RunJSON{weeklyRun("tomato", "cherry", start, start.AddDays(13), 1000, 0)},
	})
	if err != nil {
		return err
	}
	for i, qty := range []int64{400, 300, 200} {
		if _, err := h.Engine.Ledger.Book(ctx, capacity.BookRequest{
			OrderID:  fmt.Sprintf("ORD-%d", 3001+i),
			SlotID:   slots[0].ID,
			Quantity: qty,
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyPlan applies pj and returns every created slot in run order.
func (h *Handler) applyPlan(ctx context.Context, pj factory.PlanJSON) ([]capacity.Slot, error) {
	plan, err := h.Plans.FromJSON(pj)
	if err != nil {
		return nil, err
	}
	results, err := h.Plans.Apply(ctx, h.Engine, plan)
	if err != nil {
		return nil, err
	}
	var slots []capacity.Slot
	for _, res := range results {
		slots = append(slots, res.Slots...)
	}
	return slots, nil
}

func weeklyRun(plant, subtype string, start, end capacity.Day, perSlot int64, buffer int) factory.RunJSON {
	return factory.RunJSON{
		PlantID:            plant,
		SubtypeID:          subtype,
		StartDate:          start.String(),
		EndDate:            end.String(),
		SlotSizeDays:       7,
		TotalPlantsPerSlot: perSlot,
		BufferPercent:      buffer,
	}
}

func demoCatalog() []factory.PlantJSON {
	six, twelve := decimal.NewFromInt(6), decimal.NewFromInt(12)
	return []factory.PlantJSON{
		{
			ID:   "tomato",
			Name: "Tomato",
			Subtypes: []factory.SubtypeJSON{
				{ID: "cherry", Name: "Cherry", PlantReadyDays: 45, UnitFactor: &six},
				{ID: "roma", Name: "Roma", PlantReadyDays: 50},
			},
		},
		{
			ID:   "basil",
			Name: "Basil",
			Subtypes: []factory.SubtypeJSON{
				{ID: "genovese", Name: "Genovese", PlantReadyDays: 30, UnitFactor: &twelve},
			},
		},
	}
}
