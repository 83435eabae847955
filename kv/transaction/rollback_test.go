package transaction

import (
	"bytes"
	"testing"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/stretchr/testify/assert"

	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// TestEmptyRollback tests a rollback with no keys.
func TestEmptyRollback(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([][]byte{}...)
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	assert.Nil(t, resp.RegionError)
	builder.assertLens(0, 0, 0)
}

// TestRollback tests a successful rollback of a prewritten key.
func TestRollback(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3})
	value := bytes.Repeat([]byte{42}, 80)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, value: value},
		{cf: engine_util.CfLock, key: []byte{3}, value: lockBytes([]byte{3}, 100, 0, mvcc.WriteKindPut)},
	})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
	})
}

// TestRollbackShortValue tests rolling back a prewrite whose value was
// inlined in the lock. No staged value exists, so only the lock goes.
func TestRollbackShortValue(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3})
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Kind: mvcc.WriteKindPut, ShortValue: []byte{42}}
	builder.init([]kv{
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
	})
}

// TestRollbackWithNoLock tests a rollback for a key which was never locked.
// A rollback record is left so a late prewrite cannot lock it.
func TestRollbackWithNoLock(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
	})
}

// TestRollbackAfterRollback tests a repeated rollback is a no-op.
func TestRollbackAfterRollback(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3})
	builder.init([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
	})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 1)
}

// TestRollbackDuplicateKeys tests a rollback which rolls back the same key
// twice in one request.
func TestRollbackDuplicateKeys(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3}, []byte{15}, []byte{3})
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Kind: mvcc.WriteKindPut, ShortValue: []byte{42}}
	builder.init([]kv{
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 2)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
		{cf: engine_util.CfWrite, key: []byte{15}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
	})
}

// TestRollbackCommitted tests rolling back a key which has already been
// committed. The rollback must fail, the committed value stays.
func TestRollbackCommitted(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3})
	builder.init([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: writeBytes(mvcc.WriteKindPut, 100)},
	})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.NotNil(t, resp.Error)
	assert.NotEmpty(t, resp.Error.Abort)
	builder.assertLens(0, 0, 1)
}

// TestCleanupExpired tests cleaning up an expired lock rolls the transaction
// back.
func TestCleanupExpired(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Kind: mvcc.WriteKindPut, ShortValue: []byte{42}}
	builder.init([]kv{
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})

	var req kvrpcpb.CleanupRequest
	req.Key = []byte{3}
	req.StartVersion = 100
	req.CurrentTs = 120
	resp := builder.runOneRequest(&req).(*kvrpcpb.CleanupResponse)

	assert.Nil(t, resp.Error)
	assert.Equal(t, uint64(0), resp.CommitVersion)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: writeBytes(mvcc.WriteKindRollback, 100)},
	})
}

// TestCleanupAlive tests that cleanup leaves an unexpired lock alone and
// reports it instead.
func TestCleanupAlive(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfLock, key: []byte{3}, value: lockBytes([]byte{3}, 100, 5000, mvcc.WriteKindPut)},
	})

	var req kvrpcpb.CleanupRequest
	req.Key = []byte{3}
	req.StartVersion = 100
	req.CurrentTs = 120
	resp := builder.runOneRequest(&req).(*kvrpcpb.CleanupResponse)

	assert.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Locked)
	builder.assertLens(0, 1, 0)
}

// TestCleanupCommitted tests that cleanup reports a committed transaction
// through the commit version rather than rolling it back.
func TestCleanupCommitted(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: writeBytes(mvcc.WriteKindPut, 100)},
	})

	var req kvrpcpb.CleanupRequest
	req.Key = []byte{3}
	req.StartVersion = 100
	req.CurrentTs = 120
	resp := builder.runOneRequest(&req).(*kvrpcpb.CleanupResponse)

	assert.Nil(t, resp.Error)
	assert.Equal(t, uint64(110), resp.CommitVersion)
	builder.assertLens(0, 0, 1)
}
