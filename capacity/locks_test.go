package capacity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLockTable_Exclusive(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	release, err := lt.Acquire(ctx, "slot/a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := lt.Acquire(ctx, "slot/a")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock while the first still held it")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLockTable_TimeoutReleasesPartialHold(t *testing.T) {
	lt := newLockTable()

	holdB, err := lt.Acquire(context.Background(), "slot/b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lt.Acquire(ctx, "slot/a", "slot/b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.True(t, IsRetryable(err))

	// slot/a must have been given back.
	r, err := lt.Acquire(context.Background(), "slot/a")
	require.NoError(t, err)
	r()
	holdB()

	assert.Equal(t, 0, lt.size())
}

func TestLockTable_OppositeOrderDoesNotDeadlock(t *testing.T) {
	lt := newLockTable()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := lt.Acquire(ctx, "slot/a", "slot/b")
			if assert.NoError(t, err) {
				r()
			}
		}()
		go func() {
			defer wg.Done()
			r, err := lt.Acquire(ctx, "slot/b", "slot/a")
			if assert.NoError(t, err) {
				r()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, lt.size())
}

func TestLockTable_DuplicateKeysAndDoubleRelease(t *testing.T) {
	lt := newLockTable()
	r, err := lt.Acquire(context.Background(), "slot/a", "slot/a")
	require.NoError(t, err)
	r()
	r()
	assert.Equal(t, 0, lt.size())
}

func TestMutate_LockTimeoutIsRetryable(t *testing.T) {
	// GIVEN: another operation holds slot s1
	c := &core{
		locks:   newLockTable(),
		now:     time.Now,
		log:     zap.NewNop(),
		metrics: nopMetrics{},
		timeout: 20 * time.Millisecond,
	}
	hold, err := c.locks.Acquire(context.Background(), slotKey("s1"))
	require.NoError(t, err)
	defer hold()

	// WHEN: a mutation on s1 waits past its timeout
	called := false
	err = c.mutate(context.Background(), "reserve", slotKeys("s1"), func(Tx) error {
		called = true
		return nil
	})

	// THEN: it gives up without touching the store
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsClientError(err))
}
