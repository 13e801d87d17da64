/*
availability.go - Read-side rollups of slot capacity

PURPOSE:
  Dashboards ask "how many plants can still be sold between these dates",
  grouped by plant, then subtype, then slot. Every figure is derived from
  the same buffer math the Ledger enforces, so a number shown here is a
  number Reserve will accept.

CONSISTENCY:
  Each slot is read as one committed row, so a report never shows half of
  a write. Different slots may come from different moments; reports are
  eventually consistent across slots.

CACHING:
  Reports are cached per query (and per calendar day) in an expirable LRU.
  Any committed mutation purges the whole cache. Concurrent identical
  misses share one store read through singleflight.

EXAMPLE:
  rep, _ := eng.Availability.GetAvailability(ctx, AvailabilityQuery{
      Period: Period{Start: MustParseDay("2025-03-01"), End: MustParseDay("2025-03-31")},
  })
  rep.Summary.TotalAvailable // plants still bookable in March
*/
package capacity

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// QUERY / REPORT
// =============================================================================

type AvailabilityQuery struct {
	Period        Period
	PlantID       PlantID
	SubtypeID     SubtypeID
	IncludeClosed bool
}

func (q AvailabilityQuery) Validate() error {
	if q.Period.Start.IsZero() || q.Period.End.IsZero() {
		return invalid("range", "start and end dates are required")
	}
	if !q.Period.Valid() {
		return invalid("range", "start %s is after end %s", q.Period.Start, q.Period.End)
	}
	return nil
}

func (q AvailabilityQuery) cacheKey(today Day) string {
	return fmt.Sprintf("%s|%s|%s|%t|%s", q.Period, q.PlantID, q.SubtypeID, q.IncludeClosed, today)
}

// AvailabilityReport is shared between callers when served from cache.
// Treat it as read-only.
type AvailabilityReport struct {
	Period      Period
	Summary     AvailabilitySummary
	Plants      []PlantAvailability
	GeneratedAt time.Time
}

type AvailabilitySummary struct {
	// TotalPlants counts distinct plants, not plant units.
	TotalPlants    int
	TotalAvailable int64
	TotalSubtypes  int
	TotalSlots     int
}

type PlantAvailability struct {
	PlantID        PlantID
	Name           string
	TotalAvailable int64
	Subtypes       []SubtypeAvailability
}

type SubtypeAvailability struct {
	SubtypeID      SubtypeID
	Name           string
	PlantReadyDays int
	UnitFactor     decimal.Decimal
	TotalAvailable int64
	AvailableUnits decimal.Decimal
	Slots          []SlotAvailability
}

type SlotAvailability struct {
	SlotView
	// AvailableUnits is AvailableCapacity in sales units, 2 decimal places.
	AvailableUnits decimal.Decimal
}

// SalesUnits converts a plant count into sales units. A zero or missing
// factor counts one plant per unit.
func SalesUnits(plants int64, factor decimal.Decimal) decimal.Decimal {
	if !factor.IsPositive() {
		factor = decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(plants).Div(factor).Round(2)
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type AvailabilityAggregator struct {
	*core
	cache *lru.LRU[string, *AvailabilityReport]
	group singleflight.Group
}

func newAvailabilityAggregator(c *core, ttl time.Duration, size int) *AvailabilityAggregator {
	a := &AvailabilityAggregator{core: c}
	if ttl > 0 {
		a.cache = lru.NewLRU[string, *AvailabilityReport](size, nil, ttl)
	}
	return a
}

// Invalidate drops every cached report.
func (a *AvailabilityAggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Purge()
	}
}

// GetAvailability rolls up slots overlapping q.Period.
func (a *AvailabilityAggregator) GetAvailability(ctx context.Context, q AvailabilityQuery) (*AvailabilityReport, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	today := a.today()
	if a.cache == nil {
		return a.build(ctx, q, today)
	}

	key := q.cacheKey(today)
	if rep, ok := a.cache.Get(key); ok {
		a.metrics.ObserveCache(true)
		return rep, nil
	}
	a.metrics.ObserveCache(false)

	v, err, _ := a.group.Do(key, func() (any, error) {
		rep, err := a.build(ctx, q, today)
		if err != nil {
			return nil, err
		}
		a.cache.Add(key, rep)
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AvailabilityReport), nil
}

func (a *AvailabilityAggregator) build(ctx context.Context, q AvailabilityQuery, today Day) (*AvailabilityReport, error) {
	plants, err := a.store.ListPlants(ctx)
	if err != nil {
		return nil, err
	}
	catalog := make(map[PlantID]Plant, len(plants))
	for _, p := range plants {
		catalog[p.ID] = p
	}

	period := q.Period
	slots, err := a.store.ListSlots(ctx, SlotFilter{PlantID: q.PlantID, SubtypeID: q.SubtypeID, Overlapping: &period})
	if err != nil {
		return nil, err
	}

	byPlant := make(map[PlantID]*PlantAvailability)
	bySubtype := make(map[PlantID]map[SubtypeID]*SubtypeAvailability)
	rep := &AvailabilityReport{Period: q.Period, GeneratedAt: a.now()}

	for _, s := range slots {
		view := NewSlotView(s, today)
		if view.State == StateClosed && !q.IncludeClosed {
			continue
		}

		plant := catalog[s.PlantID]
		pa, ok := byPlant[s.PlantID]
		if !ok {
			pa = &PlantAvailability{PlantID: s.PlantID, Name: nameOr(plant.Name, string(s.PlantID))}
			byPlant[s.PlantID] = pa
			bySubtype[s.PlantID] = make(map[SubtypeID]*SubtypeAvailability)
		}
		sa, ok := bySubtype[s.PlantID][s.SubtypeID]
		if !ok {
			st, _ := plant.Subtype(s.SubtypeID)
			sa = &SubtypeAvailability{
				SubtypeID:      s.SubtypeID,
				Name:           nameOr(st.Name, string(s.SubtypeID)),
				PlantReadyDays: st.PlantReadyDays,
				UnitFactor:     st.UnitFactor,
			}
			bySubtype[s.PlantID][s.SubtypeID] = sa
			rep.Summary.TotalSubtypes++
		}

		sa.Slots = append(sa.Slots, SlotAvailability{
			SlotView:       view,
			AvailableUnits: SalesUnits(view.AvailableCapacity, sa.UnitFactor),
		})
		sa.TotalAvailable += view.AvailableCapacity
		pa.TotalAvailable += view.AvailableCapacity
		rep.Summary.TotalAvailable += view.AvailableCapacity
		rep.Summary.TotalSlots++
	}

	rep.Plants = make([]PlantAvailability, 0, len(byPlant))
	for id, pa := range byPlant {
		for _, sa := range bySubtype[id] {
			sort.Slice(sa.Slots, func(i, j int) bool {
				return sa.Slots[i].StartDay.Before(sa.Slots[j].StartDay)
			})
			sa.AvailableUnits = SalesUnits(sa.TotalAvailable, sa.UnitFactor)
			pa.Subtypes = append(pa.Subtypes, *sa)
		}
		sort.Slice(pa.Subtypes, func(i, j int) bool {
			return lessByName(pa.Subtypes[i].Name, string(pa.Subtypes[i].SubtypeID), pa.Subtypes[j].Name, string(pa.Subtypes[j].SubtypeID))
		})
		rep.Plants = append(rep.Plants, *pa)
	}
	sort.Slice(rep.Plants, func(i, j int) bool {
		return lessByName(rep.Plants[i].Name, string(rep.Plants[i].PlantID), rep.Plants[j].Name, string(rep.Plants[j].PlantID))
	})
	rep.Summary.TotalPlants = len(rep.Plants)
	return rep, nil
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func lessByName(aName, aID, bName, bID string) bool {
	if aName != bName {
		return aName < bName
	}
	return aID < bID
}
