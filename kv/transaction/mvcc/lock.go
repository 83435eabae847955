package mvcc

import (
	"bytes"
	"reflect"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/util/codec"
	"github.com/tidekv/tidekv/kv/util/tsoutil"
)

const TsMax uint64 = ^uint64(0)

// Lock describes an in-progress write: it exists from prewrite (or
// pessimistic lock acquisition) until the transaction commits or rolls back.
// A serialized version is stored in the "lock" CF keyed by the plain user key.
type Lock struct {
	Primary     []byte
	Ts          uint64
	Ttl         uint64
	Kind        WriteKind
	ForUpdateTs uint64
	MinCommitTs uint64
	TxnSize     uint64
	// ShortValue holds the staged value when it is small enough to travel in
	// the lock itself rather than the default CF. It moves into the write
	// record at commit time.
	ShortValue     []byte
	UseAsyncCommit bool
	Secondaries    [][]byte
}

// KlPair is a key with the lock currently held on it.
type KlPair struct {
	Key  []byte
	Lock *Lock
}

// Info creates a LockInfo object from a Lock object for key.
func (lock *Lock) Info(key []byte) *kvrpcpb.LockInfo {
	return &kvrpcpb.LockInfo{
		Key:             key,
		PrimaryLock:     lock.Primary,
		LockVersion:     lock.Ts,
		LockTtl:         lock.Ttl,
		LockType:        lock.Kind.ToProto(),
		LockForUpdateTs: lock.ForUpdateTs,
		TxnSize:         lock.TxnSize,
		UseAsyncCommit:  lock.UseAsyncCommit,
		MinCommitTs:     lock.MinCommitTs,
		Secondaries:     lock.Secondaries,
	}
}

// IsPessimistic reports whether the lock was taken by a pessimistic
// transaction before its value was known.
func (lock *Lock) IsPessimistic() bool {
	return lock.Kind == WriteKindPessimistic
}

// IsExpired reports whether the lock's TTL has run out at currentTs.
func (lock *Lock) IsExpired(currentTs uint64) bool {
	return tsoutil.IsExpired(lock.Ts, lock.Ttl, currentTs)
}

func (lock *Lock) ToBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(lock.Kind))
	buf = codec.EncodeCompactBytes(buf, lock.Primary)
	buf = codec.EncodeUvarint(buf, lock.Ts)
	buf = codec.EncodeUvarint(buf, lock.Ttl)
	buf = codec.EncodeUvarint(buf, lock.ForUpdateTs)
	buf = codec.EncodeUvarint(buf, lock.MinCommitTs)
	buf = codec.EncodeUvarint(buf, lock.TxnSize)
	if lock.ShortValue != nil {
		buf = append(buf, 1)
		buf = codec.EncodeCompactBytes(buf, lock.ShortValue)
	} else {
		buf = append(buf, 0)
	}
	if lock.UseAsyncCommit {
		buf = append(buf, 1)
		buf = codec.EncodeUvarint(buf, uint64(len(lock.Secondaries)))
		for _, s := range lock.Secondaries {
			buf = codec.EncodeCompactBytes(buf, s)
		}
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ParseLock attempts to parse a byte string into a Lock object.
func ParseLock(input []byte) (*Lock, error) {
	if len(input) == 0 {
		return nil, errors.New("mvcc: empty lock value")
	}
	lock := &Lock{Kind: WriteKind(input[0])}
	var err error
	data := input[1:]
	if data, lock.Primary, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "mvcc: parsing lock primary")
	}
	if data, lock.Ts, err = codec.DecodeUvarint(data); err != nil {
		return nil, err
	}
	if data, lock.Ttl, err = codec.DecodeUvarint(data); err != nil {
		return nil, err
	}
	if data, lock.ForUpdateTs, err = codec.DecodeUvarint(data); err != nil {
		return nil, err
	}
	if data, lock.MinCommitTs, err = codec.DecodeUvarint(data); err != nil {
		return nil, err
	}
	if data, lock.TxnSize, err = codec.DecodeUvarint(data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("mvcc: truncated lock value")
	}
	if data[0] == 1 {
		if data, lock.ShortValue, err = codec.DecodeCompactBytes(data[1:]); err != nil {
			return nil, err
		}
	} else {
		data = data[1:]
	}
	if len(data) == 0 {
		return nil, errors.New("mvcc: truncated lock value")
	}
	if data[0] == 1 {
		var count uint64
		if data, count, err = codec.DecodeUvarint(data[1:]); err != nil {
			return nil, err
		}
		lock.UseAsyncCommit = true
		for i := uint64(0); i < count; i++ {
			var sec []byte
			if data, sec, err = codec.DecodeCompactBytes(data); err != nil {
				return nil, err
			}
			lock.Secondaries = append(lock.Secondaries, sec)
		}
	}
	return lock, nil
}

// IsLockedFor checks if lock blocks a read of key at txnStartTs. If it does,
// the lock's info is stored in resp's Error field and true is returned.
func (lock *Lock) IsLockedFor(key []byte, txnStartTs uint64, resp interface{}) bool {
	if lock == nil {
		return false
	}
	if txnStartTs == TsMax && !bytes.Equal(key, lock.Primary) {
		return false
	}
	if lock.IsPessimistic() {
		// A pessimistic lock has no value staged yet, so it cannot shadow
		// any committed data.
		return false
	}
	if lock.Ts <= txnStartTs {
		err := &kvrpcpb.KeyError{Locked: lock.Info(key)}
		respValue := reflect.ValueOf(resp)
		reflect.Indirect(respValue).FieldByName("Error").Set(reflect.ValueOf(err))
		return true
	}
	return false
}

// LocksAtOrBefore returns up to limit locks with start timestamps no greater
// than maxTs, starting from startKey. A limit of 0 means no limit.
func LocksAtOrBefore(txn *RoTxn, startKey []byte, maxTs uint64, limit int) ([]KlPair, error) {
	var result []KlPair
	iter := txn.Reader.IterCF(engine_util.CfLock)
	defer iter.Close()
	for iter.Seek(startKey); iter.Valid(); iter.Next() {
		item := iter.Item()
		val, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := ParseLock(val)
		if err != nil {
			return nil, err
		}
		if lock.Ts > maxTs {
			continue
		}
		result = append(result, KlPair{item.KeyCopy(nil), lock})
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// AllLocksForTxn returns all locks held by the transaction the txn is
// operating for (matched by start timestamp).
func AllLocksForTxn(txn *RoTxn) ([]KlPair, error) {
	var result []KlPair
	iter := txn.Reader.IterCF(engine_util.CfLock)
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		item := iter.Item()
		val, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := ParseLock(val)
		if err != nil {
			return nil, err
		}
		if lock.Ts == txn.StartTS {
			result = append(result, KlPair{item.KeyCopy(nil), lock})
		}
	}
	return result, nil
}
