package lockmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(100 * time.Millisecond)
}

func TestCompatibilityMatrix(t *testing.T) {
	// spec §4.4: IS vs {IS,IX,S,SIX} ok; IX vs {IS,IX} ok; S vs {IS,S}
	// ok; SIX vs {IS} ok; X conflicts with everything.
	cases := []struct {
		a, b Mode
		ok   bool
	}{
		{IS, IS, true}, {IS, IX, true}, {IS, S, true}, {IS, SIX, true}, {IS, X, false},
		{IX, IS, true}, {IX, IX, true}, {IX, S, false}, {IX, SIX, false}, {IX, X, false},
		{S, IS, true}, {S, IX, false}, {S, S, true}, {S, SIX, false}, {S, X, false},
		{SIX, IS, true}, {SIX, IX, false}, {SIX, S, false}, {SIX, SIX, false}, {SIX, X, false},
		{X, IS, false}, {X, IX, false}, {X, S, false}, {X, SIX, false}, {X, X, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, compat[c.a][c.b], "%s vs %s", c.a, c.b)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	m := newTestManager()
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, S))
	require.NoError(t, m.Lock(2, key, S))
	require.NoError(t, m.Lock(3, key, IS))

	held, ok := m.Held(2, key)
	require.True(t, ok)
	assert.Equal(t, S, held)
}

func TestExclusiveBlocksAndWakes(t *testing.T) {
	m := NewManager(2 * time.Second)
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, X))

	acquired := make(chan error, 1)
	go func() {
		acquired <- m.Lock(2, key, S)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("S granted while X held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	m.UnlockAll(1)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after unlock")
	}
}

func TestLockTimeout(t *testing.T) {
	m := newTestManager()
	key := RecordKey(1, 2, 3)
	require.NoError(t, m.Lock(1, key, X))

	err := m.Lock(2, key, S)
	require.Error(t, err)
	assert.ErrorIs(t, errors.Cause(err), ErrLockTimeout)

	// holder unaffected
	held, ok := m.Held(1, key)
	require.True(t, ok)
	assert.Equal(t, X, held)
}

func TestReentrantAndCovered(t *testing.T) {
	m := newTestManager()
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, X))
	// X covers every weaker re-request by the same transaction
	require.NoError(t, m.Lock(1, key, S))
	require.NoError(t, m.Lock(1, key, IX))
	require.NoError(t, m.Lock(1, key, X))
}

func TestUpgradeSToX(t *testing.T) {
	m := newTestManager()
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, S))
	// sole S holder upgrades immediately
	require.NoError(t, m.Lock(1, key, X))
	held, ok := m.Held(1, key)
	require.True(t, ok)
	assert.Equal(t, X, held)
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	m := NewManager(2 * time.Second)
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, S))
	require.NoError(t, m.Lock(2, key, S))

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(1, key, X)
	}()
	select {
	case err := <-done:
		t.Fatalf("upgrade granted with another S holder: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	m.UnlockAll(2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("upgrade not granted after reader released")
	}
	held, ok := m.Held(1, key)
	require.True(t, ok)
	assert.Equal(t, X, held)
}

func TestUpgradeTimeoutKeepsOriginalGrant(t *testing.T) {
	m := newTestManager()
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, S))
	require.NoError(t, m.Lock(2, key, S))

	err := m.Lock(1, key, X)
	assert.ErrorIs(t, errors.Cause(err), ErrLockTimeout)

	held, ok := m.Held(1, key)
	require.True(t, ok)
	assert.Equal(t, S, held, "failed upgrade must not drop the S grant")
}

func TestIntentionAndJoin(t *testing.T) {
	m := newTestManager()
	key := TableKey(1)
	require.NoError(t, m.Lock(1, key, S))
	// S + IX joins to SIX
	require.NoError(t, m.Lock(1, key, IX))
	held, ok := m.Held(1, key)
	require.True(t, ok)
	assert.Equal(t, SIX, held)

	// SIX admits only IS from others
	require.NoError(t, m.Lock(2, key, IS))
	err := m.Lock(3, key, S)
	assert.ErrorIs(t, errors.Cause(err), ErrLockTimeout)
}

func TestRecordGranularityRestriction(t *testing.T) {
	m := newTestManager()
	err := m.Lock(1, RecordKey(1, 1, 0), IX)
	require.Error(t, err)
}

func TestUnlockAllReleasesEverything(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Lock(1, TableKey(1), IX))
	require.NoError(t, m.Lock(1, RecordKey(1, 1, 0), X))
	require.NoError(t, m.Lock(1, RecordKey(1, 1, 1), X))
	m.UnlockAll(1)

	require.NoError(t, m.Lock(2, TableKey(1), X))
}

func TestNoConflictingGrants(t *testing.T) {
	// hammer one record key from several goroutines; at every moment at
	// most one X holder may exist
	m := NewManager(time.Second)
	key := RecordKey(1, 1, 0)
	var inside sync.Map
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := m.Lock(id, key, X); err != nil {
					continue
				}
				if _, loaded := inside.LoadOrStore("holder", id); loaded {
					t.Errorf("two X holders at once")
				}
				inside.Delete("holder")
				m.UnlockAll(id)
			}
		}(uint64(w + 1))
	}
	wg.Wait()
}
