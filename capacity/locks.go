package capacity

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// lockTable hands out one mutex per key. Entries are reference counted and
// dropped when nobody holds or waits on them, so the table only grows with
// the number of keys in flight.
//
// Each lock is a one-slot channel so acquisition can give up when the
// context ends.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// Acquire locks every key in ascending order. Sorting means two callers
// asking for {a, b} and {b, a} queue on a first and never deadlock.
// On context expiry every lock taken so far is released.
func (t *lockTable) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = uniqueSorted(keys)
	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.unlock(held[i])
		}
	}

	for _, k := range keys {
		l := t.ref(k)
		select {
		case l.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			t.unref(k)
			release()
			return nil, fmt.Errorf("%w: key %s: %v", ErrLockTimeout, k, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (t *lockTable) ref(key string) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

func (t *lockTable) unlock(key string) {
	t.mu.Lock()
	l := t.locks[key]
	t.mu.Unlock()
	<-l.ch
	t.unref(key)
}

// size is the number of live entries; used by tests.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func slotKey(id SlotID) string { return "slot/" + string(id) }

func seriesKey(plant PlantID, subtype SubtypeID) string {
	return "series/" + string(plant) + "/" + string(subtype)
}

func plantKey(id PlantID) string { return "plant/" + string(id) }
