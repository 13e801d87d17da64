package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	// Timeout bounds lock acquisition plus the store transaction of one
	// mutation. Default 5s.
	Timeout time.Duration
	// MaxRetries is how often a mutation is retried after a lost update.
	// Default 3.
	MaxRetries int
	// IdempotencyWindow is the timestamp bucket used to derive transfer
	// idempotency keys. Default 1m.
	IdempotencyWindow time.Duration
	// AvailabilityTTL bounds how stale a cached availability report may be.
	// Default 5s. Negative disables caching.
	AvailabilityTTL time.Duration
	// AvailabilityCacheSize is the number of distinct queries cached.
	// Default 256.
	AvailabilityCacheSize int
	// Truncation is the default final-window policy for generation.
	Truncation TruncationPolicy

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics Metrics
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = time.Minute
	}
	if o.AvailabilityTTL == 0 {
		o.AvailabilityTTL = 5 * time.Second
	}
	if o.AvailabilityCacheSize <= 0 {
		o.AvailabilityCacheSize = 256
	}
	if o.Truncation == "" {
		o.Truncation = TruncateFinal
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	return o
}

// Metrics receives one observation per engine operation.
type Metrics interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ObserveConflict(op string)
	ObserveCache(hit bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, error, time.Duration) {}
func (nopMetrics) ObserveConflict(string)                        {}
func (nopMetrics) ObserveCache(bool)                             {}

// =============================================================================
// ENGINE - Wires the components over one store
// =============================================================================

// Engine bundles the four components. They share the store, the lock table
// and the clock, and every committed mutation purges the availability cache.
type Engine struct {
	Store        Store
	Generator    *Generator
	Ledger       *Ledger
	Transfers    *TransferEngine
	Availability *AvailabilityAggregator

	now func() time.Time
}

// Now reads the engine's clock.
func (e *Engine) Now() time.Time { return e.now() }

func NewEngine(store Store, opts Options) *Engine {
	opts = opts.withDefaults()
	c := &core{
		store:      store,
		locks:      newLockTable(),
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
	}

	ledger := &Ledger{core: c}
	agg := newAvailabilityAggregator(c, opts.AvailabilityTTL, opts.AvailabilityCacheSize)
	c.onCommit = agg.Invalidate

	return &Engine{
		Store:        store,
		Generator:    &Generator{core: c, Truncation: opts.Truncation},
		Ledger:       ledger,
		Transfers:    &TransferEngine{core: c, ledger: ledger, window: opts.IdempotencyWindow},
		Availability: agg,
		now:          opts.Now,
	}
}

// =============================================================================
// CORE - Lock, transact, retry
// =============================================================================

type core struct {
	store      Store
	locks      *lockTable
	now        func() time.Time
	log        *zap.Logger
	metrics    Metrics
	timeout    time.Duration
	maxRetries int
	onCommit   func()
}

func (c *core) today() Day { return DayOf(c.now()) }

func newID() string { return uuid.NewString() }

// mutate runs fn as one atomic unit: take the locks for keys (sorted), run
// fn inside a store transaction, and retry the transaction when a version
// check reports a lost update. fn may run more than once, so it must not
// leak state between attempts.
func (c *core) mutate(ctx context.Context, op string, keys []string, fn func(tx Tx) error) (err error) {
	began := time.Now()
	defer func() { c.metrics.ObserveOperation(op, err, time.Since(began)) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	release, err := c.locks.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		err = c.store.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentModification) || attempt >= c.maxRetries {
			break
		}
		c.metrics.ObserveConflict(op)
		c.log.Debug("retrying after lost update", zap.String("op", op), zap.Int("attempt", attempt+1))
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsClientError(err) && !IsNotFound(err) && !errors.Is(err, ErrLockTimeout) {
			err = fmt.Errorf("%w: %s: %v", ErrLockTimeout, op, err)
		}
		return err
	}
	if c.onCommit != nil {
		c.onCommit()
	}
	return nil
}

func slotKeys(ids ...SlotID) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = slotKey(id)
	}
	return keys
}

// writeSlot persists s with a version check and advances the caller's copy
// to the version now stored.
func writeSlot(ctx context.Context, tx Tx, s *Slot) error {
	if err := tx.UpdateSlot(ctx, *s); err != nil {
		return err
	}
	s.Version++
	return nil
}
