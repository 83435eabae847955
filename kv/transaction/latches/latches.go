// Package latches provides mutual exclusion between commands that declare
// overlapping key sets. A command acquires the latch for every key it will
// write before it reads or writes storage, so commands on disjoint keys run
// concurrently while commands on overlapping keys are serialized.
package latches

import (
	"sort"
	"sync"

	"github.com/dgryski/go-farm"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// Latches stores the currently held latches, keyed by the hash of the user
// key. Hashing keeps latch bookkeeping O(1) per key regardless of key length;
// a hash collision only causes spurious serialization, never a correctness
// problem.
//
// Access to, and modification of, the latch map is guarded by latchGuard.
type Latches struct {
	latchMap   map[uint64]*sync.WaitGroup
	latchGuard sync.Mutex
	// An optional validation function, only used for testing.
	Validation func(txn *mvcc.MvccTxn, keys [][]byte)
}

func NewLatches() *Latches {
	return &Latches{
		latchMap: make(map[uint64]*sync.WaitGroup),
	}
}

// hashKeys maps keys to sorted, deduplicated latch hashes. Sorting makes the
// acquisition order deterministic; dedup keeps a command from deadlocking on
// its own repeated key.
func hashKeys(keys [][]byte) []uint64 {
	seen := make(map[uint64]struct{}, len(keys))
	hashes := make([]uint64, 0, len(keys))
	for _, key := range keys {
		h := farm.Fingerprint64(key)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// WaitForLatches attempts to acquire the latches for all keys, blocking until
// it succeeds.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	hashes := hashKeys(keysToLatch)
	for {
		wg := l.acquireLatches(hashes)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// AcquireLatches tries to acquire the latches for all keys at once. It
// returns nil on success, or a WaitGroup the caller can wait on before
// retrying.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	return l.acquireLatches(hashKeys(keysToLatch))
}

func (l *Latches) acquireLatches(hashes []uint64) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	// Check none of the keys we want to write are locked.
	for _, h := range hashes {
		if latchWg, ok := l.latchMap[h]; ok {
			// Return a wait group to wait on.
			return latchWg
		}
	}

	// All latches are available, lock them all with a new wait group.
	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, h := range hashes {
		l.latchMap[h] = wg
	}

	return nil
}

// ReleaseLatches releases the latches for all keys, allowing other commands
// that were blocked on them to run.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	hashes := hashKeys(keysToUnlatch)

	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, h := range hashes {
		if first {
			wg := l.latchMap[h]
			wg.Done()
			first = false
		}
		delete(l.latchMap, h)
	}
}

// Validate calls the validation function if one is registered.
func (l *Latches) Validate(txn *mvcc.MvccTxn, latched [][]byte) {
	if l.Validation != nil {
		l.Validation(txn, latched)
	}
}
