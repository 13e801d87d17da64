package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/capacity"
	"github.com/warp/slot-engine/capacity/store"
	"github.com/warp/slot-engine/metrics"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	t      *testing.T
	ctx    context.Context
	h      *Handler
	router http.Handler
	store  *store.Memory
	clock  *fakeClock
}

// newTestServer serves a fresh memory-backed engine with the tomato/basil
// catalog and the clock at 2025-01-15 09:00 UTC.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	clock := &fakeClock{now: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	eng := capacity.NewEngine(st, capacity.Options{
		Now:     clock.Now,
		Metrics: metrics.New(reg),
	})
	h := NewHandler(eng, nil)

	ctx := context.Background()
	require.NoError(t, st.SavePlant(ctx, capacity.Plant{
		ID:   "tomato",
		Name: "Tomato",
		Subtypes: []capacity.Subtype{
			{ID: "cherry", PlantID: "tomato", Name: "Cherry", PlantReadyDays: 45, UnitFactor: decimal.NewFromInt(6)},
			{ID: "roma", PlantID: "tomato", Name: "Roma", PlantReadyDays: 50, UnitFactor: decimal.NewFromInt(1)},
		},
	}))

	return &testServer{
		t:      t,
		ctx:    ctx,
		h:      h,
		router: NewRouter(h, RouterOptions{Gatherer: reg}),
		store:  st,
		clock:  clock,
	}
}

// do sends a request with an optional JSON body. Extra args are header
// name/value pairs.
func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// generate creates weekly tomato slots through the engine.
func (s *testServer) generate(subtype capacity.SubtypeID, start, end string, perSlot int64, buffer int) []capacity.Slot {
	s.t.Helper()
	res, err := s.h.Engine.Generator.Generate(s.ctx, capacity.GenerateRequest{
		PlantID:            "tomato",
		SubtypeID:          subtype,
		SlotSizeDays:       7,
		TotalPlantsPerSlot: perSlot,
		BufferPercent:      buffer,
		Period:             capacity.Period{Start: capacity.MustParseDay(start), End: capacity.MustParseDay(end)},
	})
	require.NoError(s.t, err)
	return res.Slots
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
