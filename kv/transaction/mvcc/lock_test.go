package mvcc

import (
	"testing"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/storage"
	"github.com/tidekv/tidekv/kv/util/tsoutil"
)

func TestLockRoundTrip(t *testing.T) {
	lock := Lock{
		Primary:     []byte{1, 2, 3},
		Ts:          100,
		Ttl:         3000,
		Kind:        WriteKindPut,
		ForUpdateTs: 120,
		MinCommitTs: 130,
		TxnSize:     4,
		ShortValue:  []byte{42, 43},
	}
	parsed, err := ParseLock(lock.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, &lock, parsed)
}

func TestLockRoundTripAsyncCommit(t *testing.T) {
	lock := Lock{
		Primary:        []byte{1},
		Ts:             100,
		Kind:           WriteKindPut,
		MinCommitTs:    101,
		UseAsyncCommit: true,
		Secondaries:    [][]byte{{2}, {3, 4}},
	}
	parsed, err := ParseLock(lock.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, &lock, parsed)
}

func TestParseLockTruncated(t *testing.T) {
	lock := Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindPut}
	data := lock.ToBytes()
	_, err := ParseLock(data[:len(data)-1])
	assert.Error(t, err)
	_, err = ParseLock(nil)
	assert.Error(t, err)
}

func TestIsLockedFor(t *testing.T) {
	lock := &Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindPut}

	// A read from before the lock is not blocked.
	var resp kvrpcpb.GetResponse
	assert.False(t, lock.IsLockedFor([]byte{2}, 90, &resp))
	assert.Nil(t, resp.Error)

	// A read from after the lock is blocked.
	assert.True(t, lock.IsLockedFor([]byte{2}, 110, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, []byte{2}, resp.Error.Locked.Key)
	assert.Equal(t, uint64(100), resp.Error.Locked.LockVersion)
}

func TestIsLockedForMaxTs(t *testing.T) {
	// A read at the maximum timestamp only respects the primary's lock, so
	// lock resolution itself cannot be blocked on secondaries.
	lock := &Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindPut}

	var resp kvrpcpb.GetResponse
	assert.False(t, lock.IsLockedFor([]byte{2}, TsMax, &resp))
	assert.True(t, lock.IsLockedFor([]byte{1}, TsMax, &resp))
}

func TestPessimisticLockNeverBlocksReads(t *testing.T) {
	lock := &Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindPessimistic}

	var resp kvrpcpb.GetResponse
	assert.False(t, lock.IsLockedFor([]byte{2}, 110, &resp))
	assert.Nil(t, resp.Error)
}

func TestLockExpiry(t *testing.T) {
	// Physical time lives in the upper bits of a timestamp; TTL is in
	// milliseconds of physical time.
	lock := &Lock{Primary: []byte{1}, Ts: tsoutil.ComposeTS(100, 0), Ttl: 50, Kind: WriteKindPut}

	assert.False(t, lock.IsExpired(tsoutil.ComposeTS(120, 0)))
	assert.False(t, lock.IsExpired(tsoutil.ComposeTS(149, 0)))
	assert.True(t, lock.IsExpired(tsoutil.ComposeTS(150, 0)))
	assert.True(t, lock.IsExpired(tsoutil.ComposeTS(500, 0)))
}

func TestLocksAtOrBefore(t *testing.T) {
	mem := storage.NewMemStorage()
	mem.Set(engine_util.CfLock, []byte{1}, (&Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindPut}).ToBytes())
	mem.Set(engine_util.CfLock, []byte{2}, (&Lock{Primary: []byte{2}, Ts: 200, Kind: WriteKindPut}).ToBytes())
	mem.Set(engine_util.CfLock, []byte{3}, (&Lock{Primary: []byte{1}, Ts: 150, Kind: WriteKindPut}).ToBytes())
	reader, err := mem.Reader(nil)
	require.NoError(t, err)
	txn := &RoTxn{Reader: reader}

	pairs, err := LocksAtOrBefore(txn, nil, 150, 0)
	require.NoError(t, err)
	require.Equal(t, 2, len(pairs))
	assert.Equal(t, []byte{1}, pairs[0].Key)
	assert.Equal(t, []byte{3}, pairs[1].Key)

	pairs, err = LocksAtOrBefore(txn, []byte{2}, 250, 1)
	require.NoError(t, err)
	require.Equal(t, 1, len(pairs))
	assert.Equal(t, []byte{2}, pairs[0].Key)
}

func TestAllLocksForTxn(t *testing.T) {
	mem := storage.NewMemStorage()
	mem.Set(engine_util.CfLock, []byte{1}, (&Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindPut}).ToBytes())
	mem.Set(engine_util.CfLock, []byte{2}, (&Lock{Primary: []byte{2}, Ts: 200, Kind: WriteKindPut}).ToBytes())
	mem.Set(engine_util.CfLock, []byte{3}, (&Lock{Primary: []byte{1}, Ts: 100, Kind: WriteKindDelete}).ToBytes())
	reader, err := mem.Reader(nil)
	require.NoError(t, err)
	txn := &RoTxn{Reader: reader, StartTS: 100}

	pairs, err := AllLocksForTxn(txn)
	require.NoError(t, err)
	require.Equal(t, 2, len(pairs))
	assert.Equal(t, []byte{1}, pairs[0].Key)
	assert.Equal(t, []byte{3}, pairs[1].Key)
	assert.Equal(t, WriteKindDelete, pairs[1].Lock.Kind)
}
