package capacity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// TRUNCATION POLICY
// =============================================================================

// TruncationPolicy decides what happens to the last window when the range
// is not a whole number of slots.
type TruncationPolicy string

const (
	// TruncateFinal ends the last slot on the range's end day.
	TruncateFinal TruncationPolicy = "truncate"
	// DropPartial skips a last window shorter than the slot size.
	DropPartial TruncationPolicy = "drop"
	// ExtendFinal keeps the last slot full length, past the range end.
	ExtendFinal TruncationPolicy = "extend"
)

func (p TruncationPolicy) Valid() bool {
	switch p {
	case TruncateFinal, DropPartial, ExtendFinal:
		return true
	}
	return false
}

// PlanWindows splits period into consecutive windows of size days.
func PlanWindows(period Period, size int, policy TruncationPolicy) []Period {
	var windows []Period
	for start := period.Start; start.BeforeOrEqual(period.End); start = start.AddDays(size) {
		end := start.AddDays(size - 1)
		if end.After(period.End) {
			switch policy {
			case DropPartial:
				return windows
			case ExtendFinal:
			default:
				end = period.End
			}
		}
		windows = append(windows, Period{Start: start, End: end})
	}
	return windows
}

// =============================================================================
// GENERATOR
// =============================================================================

// GenerateRequest describes a run of identical slots for one subtype.
type GenerateRequest struct {
	PlantID            PlantID
	SubtypeID          SubtypeID
	SlotSizeDays       int
	TotalPlantsPerSlot int64
	BufferPercent      int
	Period             Period
	// Truncation overrides the generator's default policy when set.
	Truncation TruncationPolicy
}

func (r GenerateRequest) Validate() error {
	if r.PlantID == "" {
		return invalid("plant_id", "required")
	}
	if r.SubtypeID == "" {
		return invalid("subtype_id", "required")
	}
	if !r.Period.Valid() {
		return invalid("range", "start %s is after end %s", r.Period.Start, r.Period.End)
	}
	if r.SlotSizeDays <= 0 {
		return invalid("slot_size_days", "must be positive, got %d", r.SlotSizeDays)
	}
	if r.TotalPlantsPerSlot <= 0 {
		return invalid("total_plants", "must be positive, got %d", r.TotalPlantsPerSlot)
	}
	if !validPercent(r.BufferPercent) {
		return invalid("buffer", "must be between 0 and 100, got %d", r.BufferPercent)
	}
	if r.Truncation != "" && !r.Truncation.Valid() {
		return invalid("truncation", "unknown policy %q", r.Truncation)
	}
	return nil
}

type GenerateResult struct {
	Slots        []Slot
	CreatedCount int
}

// Generator is the only creator of slots.
type Generator struct {
	*core
	Truncation TruncationPolicy
}

// Generate builds and persists the slots covering req.Period. The overlap
// check and the insert run in one transaction under a per-series lock, so
// two concurrent runs for the same plant and subtype cannot both succeed.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	results, err := g.GenerateBatch(ctx, nil, []GenerateRequest{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// GenerateBatch saves plants and runs every request in one transaction,
// holding the series lock of every request. Either all slots and plants are
// stored or none are. Later requests see the slots of earlier ones, so two
// overlapping runs for the same series conflict.
func (g *Generator) GenerateBatch(ctx context.Context, plants []Plant, reqs []GenerateRequest) ([]*GenerateResult, error) {
	type run struct {
		req     GenerateRequest
		windows []Period
		covered Period
	}
	runs := make([]run, len(reqs))
	keys := make([]string, 0, len(reqs)+len(plants))
	for i, req := range reqs {
		windows, err := g.plan(req)
		if err != nil {
			return nil, runError(len(reqs), i, req, err)
		}
		runs[i] = run{
			req:     req,
			windows: windows,
			covered: Period{Start: windows[0].Start, End: windows[len(windows)-1].End},
		}
		keys = append(keys, seriesKey(req.PlantID, req.SubtypeID))
	}
	for _, p := range plants {
		if p.ID == "" {
			return nil, invalid("plant_id", "required")
		}
		keys = append(keys, plantKey(p.ID))
	}
	if len(keys) == 0 {
		return []*GenerateResult{}, nil
	}

	var results []*GenerateResult
	err := g.mutate(ctx, "generate", keys, func(tx Tx) error {
		results = make([]*GenerateResult, 0, len(runs))
		for _, p := range plants {
			if err := tx.SavePlant(ctx, p); err != nil {
				return fmt.Errorf("failed to save plant %s: %w", p.ID, err)
			}
		}

		now := g.now()
		for i, r := range runs {
			slots, err := g.insertRun(ctx, tx, r.req, r.windows, r.covered, now)
			if err != nil {
				return runError(len(runs), i, r.req, err)
			}
			results = append(results, &GenerateResult{Slots: slots, CreatedCount: len(slots)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, r := range runs {
		g.log.Info("generated slots",
			zap.String("plant", string(r.req.PlantID)),
			zap.String("subtype", string(r.req.SubtypeID)),
			zap.Int("count", results[i].CreatedCount),
			zap.String("period", r.covered.String()))
	}
	return results, nil
}

// plan validates req and splits its period into windows.
func (g *Generator) plan(req GenerateRequest) ([]Period, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	policy := req.Truncation
	if policy == "" {
		policy = g.Truncation
	}
	windows := PlanWindows(req.Period, req.SlotSizeDays, policy)
	if len(windows) == 0 {
		return nil, invalid("range", "%s is shorter than one %d-day slot", req.Period, req.SlotSizeDays)
	}
	return windows, nil
}

func (g *Generator) insertRun(ctx context.Context, tx Tx, req GenerateRequest, windows []Period, covered Period, now time.Time) ([]Slot, error) {
	plant, err := tx.GetPlant(ctx, req.PlantID)
	if err != nil {
		return nil, err
	}
	if _, ok := plant.Subtype(req.SubtypeID); !ok {
		return nil, &NotFoundError{Kind: "subtype", ID: string(req.SubtypeID)}
	}

	existing, err := tx.ListSlots(ctx, SlotFilter{
		PlantID:     req.PlantID,
		SubtypeID:   req.SubtypeID,
		Status:      SlotActive,
		Overlapping: &covered,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		for _, e := range existing {
			if e.Period().Overlaps(w) {
				return nil, &SlotConflictError{Existing: e.ID, Window: e.Period(), Requested: w}
			}
		}
	}

	slots := make([]Slot, len(windows))
	for i, w := range windows {
		slots[i] = Slot{
			ID:          SlotID(newID()),
			PlantID:     req.PlantID,
			SubtypeID:   req.SubtypeID,
			StartDay:    w.Start,
			EndDay:      w.End,
			Month:       MonthLabel(w.Start),
			TotalPlants: req.TotalPlantsPerSlot,
			Buffer:      req.BufferPercent,
			Status:      SlotActive,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := tx.InsertSlots(ctx, slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// runError names the failing run when a batch has more than one.
func runError(n, i int, req GenerateRequest, err error) error {
	if n <= 1 {
		return err
	}
	return fmt.Errorf("run %d (%s/%s): %w", i, req.PlantID, req.SubtypeID, err)
}
