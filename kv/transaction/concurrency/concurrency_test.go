package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

func TestMaxTs(t *testing.T) {
	cm := NewConcurrencyManager(10)
	assert.Equal(t, uint64(10), cm.MaxTs())

	cm.UpdateMaxTs(20)
	assert.Equal(t, uint64(20), cm.MaxTs())

	// The watermark never moves backwards.
	cm.UpdateMaxTs(15)
	assert.Equal(t, uint64(20), cm.MaxTs())

	// The max timestamp is reserved for point-in-time reads and must not
	// poison the watermark.
	cm.UpdateMaxTs(mvcc.TsMax)
	assert.Equal(t, uint64(20), cm.MaxTs())
}

func TestMaxTsConcurrent(t *testing.T) {
	cm := NewConcurrencyManager(0)
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(ts uint64) {
			defer wg.Done()
			cm.UpdateMaxTs(ts)
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, uint64(100), cm.MaxTs())
}

func TestKeyGuardExclusive(t *testing.T) {
	cm := NewConcurrencyManager(0)
	guard := cm.LockKey([]byte{1})

	acquired := make(chan *KeyGuard)
	go func() {
		acquired <- cm.LockKey([]byte{1})
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second guard acquired while first was held")
	default:
	}

	guard.Release()
	second := <-acquired
	second.Release()
}

func TestReadKeyCheck(t *testing.T) {
	cm := NewConcurrencyManager(0)
	guard := cm.LockKey([]byte{1})
	guard.SetLock(&mvcc.Lock{Primary: []byte{1}, Ts: 100, Kind: mvcc.WriteKindPut})

	// A read from before the lock passes, one from after is blocked.
	assert.NoError(t, cm.ReadKeyCheck([]byte{1}, 90, nil))
	err := cm.ReadKeyCheck([]byte{1}, 110, nil)
	require.Error(t, err)
	locked, ok := err.(*mvcc.ErrLocked)
	require.True(t, ok)
	assert.Equal(t, uint64(100), locked.Lock.Ts)

	// Other keys are unaffected.
	assert.NoError(t, cm.ReadKeyCheck([]byte{2}, 110, nil))

	// Locks the reader has already resolved are bypassed.
	bypass := map[uint64]struct{}{100: {}}
	assert.NoError(t, cm.ReadKeyCheck([]byte{1}, 110, bypass))

	guard.SetLock(nil)
	guard.Release()
	assert.NoError(t, cm.ReadKeyCheck([]byte{1}, 110, nil))
}

func TestReadRangeCheck(t *testing.T) {
	cm := NewConcurrencyManager(0)
	guard := cm.LockKey([]byte{5})
	guard.SetLock(&mvcc.Lock{Primary: []byte{5}, Ts: 100, Kind: mvcc.WriteKindPut})
	defer func() {
		guard.SetLock(nil)
		guard.Release()
	}()

	assert.Error(t, cm.ReadRangeCheck([]byte{1}, []byte{9}, 110, nil))
	assert.Error(t, cm.ReadRangeCheck([]byte{5}, nil, 110, nil))
	// The end key is exclusive.
	assert.NoError(t, cm.ReadRangeCheck([]byte{1}, []byte{5}, 110, nil))
	assert.NoError(t, cm.ReadRangeCheck([]byte{6}, []byte{9}, 110, nil))
	assert.NoError(t, cm.ReadRangeCheck([]byte{1}, []byte{9}, 90, nil))
}

func TestPessimisticLockInvisibleToReaders(t *testing.T) {
	cm := NewConcurrencyManager(0)
	guard := cm.LockKey([]byte{1})
	guard.SetLock(&mvcc.Lock{Primary: []byte{1}, Ts: 100, Kind: mvcc.WriteKindPessimistic})
	defer func() {
		guard.SetLock(nil)
		guard.Release()
	}()

	assert.NoError(t, cm.ReadKeyCheck([]byte{1}, 110, nil))
}

func TestLockSurvivesGuardRelease(t *testing.T) {
	cm := NewConcurrencyManager(0)
	guard := cm.LockKey([]byte{1})
	guard.SetLock(&mvcc.Lock{Primary: []byte{1}, Ts: 100, Kind: mvcc.WriteKindPut})
	guard.Release()

	// The published lock outlives the guard until somebody clears it.
	assert.Error(t, cm.ReadKeyCheck([]byte{1}, 110, nil))

	guard = cm.LockKey([]byte{1})
	guard.SetLock(nil)
	guard.Release()
	assert.NoError(t, cm.ReadKeyCheck([]byte{1}, 110, nil))
}
