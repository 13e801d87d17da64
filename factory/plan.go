/*
Package factory provides JSON to Go slot plan conversion.

PURPOSE:
  Growers keep seasonal production plans as JSON: the catalog entries the
  plan needs and one or more generation runs per subtype. The factory turns
  a plan into capacity.Plant values and capacity.GenerateRequest values,
  and Apply pushes both through the engine.

JSON SCHEMA:
  {
    "id": "spring-2025",
    "name": "Spring tomatoes",
    "truncation_policy": "truncate",
    "plants": [
      {
        "id": "tomato",
        "name": "Tomato",
        "subtypes": [
          {"id": "cherry", "name": "Cherry", "plant_ready_days": 45, "unit_factor": 6}
        ]
      }
    ],
    "runs": [
      {
        "plant_id": "tomato",
        "subtype_id": "cherry",
        "start_date": "2025-03-01",
        "end_date": "2025-05-31",
        "slot_size_days": 7,
        "total_plants_per_slot": 1000,
        "buffer_percent": 10
      }
    ]
  }

DEFAULTS:
  - unit_factor: 1 when missing or zero
  - truncation_policy: the run's value, else the plan's, else the engine's

USAGE:
  f := NewPlanFactory()
  plan, err := f.ParsePlan(jsonString)
  results, err := f.Apply(ctx, eng, plan)

SEE ALSO:
  - capacity/generator.go: GenerateRequest and truncation policies
  - api/scenarios.go: demo plans
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/slot-engine/capacity"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the JSON representation of a slot plan.
type PlanJSON struct {
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Truncation string      `json:"truncation_policy,omitempty"`
	Plants     []PlantJSON `json:"plants,omitempty"`
	Runs       []RunJSON   `json:"runs"`
}

// PlantJSON is a catalog entry. Also used by the plant endpoints.
type PlantJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Subtypes []SubtypeJSON `json:"subtypes,omitempty"`
}

type SubtypeJSON struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	PlantReadyDays int              `json:"plant_ready_days"`
	UnitFactor     *decimal.Decimal `json:"unit_factor,omitempty"`
}

// RunJSON is one generation run for a subtype.
type RunJSON struct {
	PlantID            string `json:"plant_id"`
	SubtypeID          string `json:"subtype_id"`
	StartDate          string `json:"start_date"`
	EndDate            string `json:"end_date"`
	SlotSizeDays       int    `json:"slot_size_days"`
	TotalPlantsPerSlot int64  `json:"total_plants_per_slot"`
	BufferPercent      int    `json:"buffer_percent"`
	Truncation         string `json:"truncation_policy,omitempty"`
}

// Plan is a parsed PlanJSON.
type Plan struct {
	ID       string
	Name     string
	Plants   []capacity.Plant
	Requests []capacity.GenerateRequest
}

// =============================================================================
// PLAN FACTORY
// =============================================================================

// PlanFactory converts JSON plans to engine requests.
type PlanFactory struct{}

func NewPlanFactory() *PlanFactory {
	return &PlanFactory{}
}

// ParsePlan parses a JSON string into a Plan.
func (f *PlanFactory) ParsePlan(jsonStr string) (*Plan, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plan JSON: %v", capacity.ErrValidation, err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PlanJSON into a Plan. Dates and policies are checked
// here; quantities are left to GenerateRequest.Validate.
func (f *PlanFactory) FromJSON(pj PlanJSON) (*Plan, error) {
	if len(pj.Runs) == 0 && len(pj.Plants) == 0 {
		return nil, &capacity.ValidationError{Field: "runs", Message: "plan has no runs and no plants"}
	}
	plan := &Plan{ID: pj.ID, Name: pj.Name}

	for i, p := range pj.Plants {
		plant, err := f.PlantFromJSON(p)
		if err != nil {
			return nil, fmt.Errorf("plants[%d]: %w", i, err)
		}
		plan.Plants = append(plan.Plants, plant)
	}

	for i, r := range pj.Runs {
		req, err := parseRun(r, pj.Truncation)
		if err != nil {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
		plan.Requests = append(plan.Requests, req)
	}
	return plan, nil
}

// PlantFromJSON converts a catalog entry.
func (f *PlanFactory) PlantFromJSON(pj PlantJSON) (capacity.Plant, error) {
	if pj.ID == "" {
		return capacity.Plant{}, &capacity.ValidationError{Field: "id", Message: "required"}
	}
	plant := capacity.Plant{
		ID:   capacity.PlantID(pj.ID),
		Name: pj.Name,
	}
	seen := make(map[string]bool, len(pj.Subtypes))
	for _, sj := range pj.Subtypes {
		if sj.ID == "" {
			return capacity.Plant{}, &capacity.ValidationError{Field: "subtypes.id", Message: "required"}
		}
		if seen[sj.ID] {
			return capacity.Plant{}, &capacity.ValidationError{Field: "subtypes.id", Message: fmt.Sprintf("duplicate subtype %q", sj.ID)}
		}
		seen[sj.ID] = true
		if sj.PlantReadyDays < 0 {
			return capacity.Plant{}, &capacity.ValidationError{Field: "plant_ready_days", Message: "must not be negative"}
		}
		factor := decimal.NewFromInt(1)
		if sj.UnitFactor != nil && !sj.UnitFactor.IsZero() {
			if sj.UnitFactor.IsNegative() {
				return capacity.Plant{}, &capacity.ValidationError{Field: "unit_factor", Message: "must be positive"}
			}
			factor = *sj.UnitFactor
		}
		plant.Subtypes = append(plant.Subtypes, capacity.Subtype{
			ID:             capacity.SubtypeID(sj.ID),
			PlantID:        plant.ID,
			Name:           sj.Name,
			PlantReadyDays: sj.PlantReadyDays,
			UnitFactor:     factor,
		})
	}
	return plant, nil
}

// PlantToJSON converts a plant to its JSON form.
func (f *PlanFactory) PlantToJSON(p capacity.Plant) PlantJSON {
	pj := PlantJSON{ID: string(p.ID), Name: p.Name}
	for _, st := range p.Subtypes {
		factor := st.UnitFactor
		pj.Subtypes = append(pj.Subtypes, SubtypeJSON{
			ID:             string(st.ID),
			Name:           st.Name,
			PlantReadyDays: st.PlantReadyDays,
			UnitFactor:     &factor,
		})
	}
	return pj
}

// Apply saves the plan's catalog entries and runs every generation request
// in one transaction. If any run fails nothing is stored.
func (f *PlanFactory) Apply(ctx context.Context, eng *capacity.Engine, plan *Plan) ([]*capacity.GenerateResult, error) {
	return eng.Generator.GenerateBatch(ctx, plan.Plants, plan.Requests)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRun(r RunJSON, planPolicy string) (capacity.GenerateRequest, error) {
	start, err := capacity.ParseDay(r.StartDate)
	if err != nil {
		return capacity.GenerateRequest{}, &capacity.ValidationError{Field: "start_date", Message: err.Error()}
	}
	end, err := capacity.ParseDay(r.EndDate)
	if err != nil {
		return capacity.GenerateRequest{}, &capacity.ValidationError{Field: "end_date", Message: err.Error()}
	}

	policy := capacity.TruncationPolicy(r.Truncation)
	if policy == "" {
		policy = capacity.TruncationPolicy(planPolicy)
	}
	if policy != "" && !policy.Valid() {
		return capacity.GenerateRequest{}, &capacity.ValidationError{Field: "truncation_policy", Message: fmt.Sprintf("unknown policy %q", policy)}
	}

	return capacity.GenerateRequest{
		PlantID:            capacity.PlantID(r.PlantID),
		SubtypeID:          capacity.SubtypeID(r.SubtypeID),
		SlotSizeDays:       r.SlotSizeDays,
		TotalPlantsPerSlot: r.TotalPlantsPerSlot,
		BufferPercent:      r.BufferPercent,
		Period:             capacity.Period{Start: start, End: end},
		Truncation:         policy,
	}, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// WeeklyRunJSON returns a plan JSON with a single run of 7-day slots.
func WeeklyRunJSON(plantID, subtypeID, start, end string, perSlot int64, buffer int) string {
	pj := PlanJSON{
		Runs: []RunJSON{{
			PlantID:            plantID,
			SubtypeID:          subtypeID,
			StartDate:          start,
			EndDate:            end,
			SlotSizeDays:       7,
			TotalPlantsPerSlot: perSlot,
			BufferPercent:      buffer,
		}},
	}
	b, _ := json.Marshal(pj)
	return string(b)
}
