package mvcc

import (
	"bytes"

	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/storage"
	"github.com/tidekv/tidekv/kv/util/codec"
)

// shortValueMaxLen is the largest value inlined into a write record rather
// than stored separately in the default CF.
const shortValueMaxLen = 64

// RoTxn is a read-only transaction over the MVCC-encoded key space. It
// decodes the default/lock/write column families into versioned reads at
// StartTS.
type RoTxn struct {
	Reader  storage.StorageReader
	StartTS uint64
}

// MvccTxn extends RoTxn with a buffer of writes. Mutations are staged in the
// buffer and only reach the underlying storage when the containing command
// finishes, as a single atomic batch.
type MvccTxn struct {
	RoTxn
	writes []storage.Modify
}

func NewMvccTxn(reader storage.StorageReader, startTs uint64) MvccTxn {
	return MvccTxn{RoTxn: RoTxn{Reader: reader, StartTS: startTs}}
}

// Writes returns all changes added to this transaction.
func (txn *MvccTxn) Writes() []storage.Modify {
	return txn.writes
}

// WriteSize returns the approximate byte cost of the staged writes.
func (txn *MvccTxn) WriteSize() int {
	size := 0
	for i := range txn.writes {
		size += txn.writes[i].Size()
	}
	return size
}

// PutWrite records a write at key and ts.
func (txn *MvccTxn) PutWrite(key []byte, ts uint64, write *Write) {
	encodedKey := codec.EncodeKey(key, ts)
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Put{
			Key:   encodedKey,
			Value: write.ToBytes(),
			Cf:    engine_util.CfWrite,
		},
	})
}

// GetLock returns a lock if key is locked. It will return (nil, nil) if there
// is no lock on key, and (nil, err) if an error occurs during lookup.
func (txn *RoTxn) GetLock(key []byte) (*Lock, error) {
	bytes, err := txn.Reader.GetCF(engine_util.CfLock, key)
	if err != nil {
		return nil, err
	}
	if bytes == nil {
		return nil, nil
	}

	lock, err := ParseLock(bytes)
	if err != nil {
		return nil, err
	}

	return lock, nil
}

// PutLock adds a key/lock to this transaction.
func (txn *MvccTxn) PutLock(key []byte, lock *Lock) {
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Put{
			Key:   key,
			Value: lock.ToBytes(),
			Cf:    engine_util.CfLock,
		},
	})
}

// DeleteLock adds a delete lock to this transaction.
func (txn *MvccTxn) DeleteLock(key []byte) {
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Delete{
			Key: key,
			Cf:  engine_util.CfLock,
		},
	})
}

// GetValue finds the value for key, valid at the start timestamp of this
// transaction. I.e., the most recent value committed before the start of this
// transaction. Short values are served straight from the write record.
func (txn *RoTxn) GetValue(key []byte) ([]byte, error) {
	write, _, err := txn.mostRecentWriteBefore(key, txn.StartTS)
	if err != nil || write == nil {
		return nil, err
	}
	return txn.valueOfWrite(key, write)
}

// GetValueAt is like GetValue but reads at an explicit timestamp rather than
// the transaction's start timestamp.
func (txn *RoTxn) GetValueAt(key []byte, ts uint64) ([]byte, error) {
	write, _, err := txn.mostRecentWriteBefore(key, ts)
	if err != nil || write == nil {
		return nil, err
	}
	return txn.valueOfWrite(key, write)
}

// valueOfWrite resolves a Put write record to its value, following the
// indirection to the default CF when the value was not inlined.
func (txn *RoTxn) valueOfWrite(key []byte, write *Write) ([]byte, error) {
	switch write.Kind {
	case WriteKindPut:
		if write.ShortValue != nil {
			return write.ShortValue, nil
		}
		return txn.Reader.GetCF(engine_util.CfDefault, codec.EncodeKey(key, write.StartTS))
	case WriteKindDelete:
		return nil, nil
	}
	return nil, nil
}

// mostRecentWriteBefore finds the most recent write to key with a commit
// timestamp no greater than ts. It returns the write and its commit
// timestamp, or nil if there is no such write.
func (txn *RoTxn) mostRecentWriteBefore(key []byte, ts uint64) (*Write, uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()

	iter.Seek(codec.EncodeKey(key, ts))
	if !iter.Valid() {
		return nil, 0, nil
	}
	item := iter.Item()
	commitTs := decodeTimestamp(item.Key())
	userKey := codec.DecodeUserKey(item.Key())
	if !bytes.Equal(userKey, key) {
		return nil, 0, nil
	}
	value, err := item.Value()
	if err != nil {
		return nil, 0, err
	}
	write, err := ParseWrite(value)
	if err != nil {
		return nil, 0, err
	}
	return write, commitTs, nil
}

// PutValue adds a key/value write to this transaction.
func (txn *MvccTxn) PutValue(key []byte, value []byte) {
	encodedKey := codec.EncodeKey(key, txn.StartTS)
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Put{
			Key:   encodedKey,
			Value: value,
			Cf:    engine_util.CfDefault,
		},
	})
}

// DeleteValue removes a key/value pair in this transaction.
func (txn *MvccTxn) DeleteValue(key []byte) {
	encodedKey := codec.EncodeKey(key, txn.StartTS)
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Delete{
			Key: encodedKey,
			Cf:  engine_util.CfDefault,
		},
	})
}

// CurrentWrite searches for a write with this transaction's start timestamp.
// It returns a Write from the DB and that write's commit timestamp, or an
// error.
func (txn *RoTxn) CurrentWrite(key []byte) (*Write, uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	for iter.Seek(codec.EncodeKey(key, TsMax)); iter.Valid(); iter.Next() {
		item := iter.Item()
		userKey := codec.DecodeUserKey(item.Key())
		if !bytes.Equal(userKey, key) {
			return nil, 0, nil
		}
		value, err := item.Value()
		if err != nil {
			return nil, 0, err
		}
		write, err := ParseWrite(value)
		if err != nil {
			return nil, 0, err
		}
		if write.StartTS == txn.StartTS {
			return write, decodeTimestamp(item.Key()), nil
		}
		if write.StartTS < txn.StartTS {
			return nil, 0, nil
		}
	}
	return nil, 0, nil
}

// MostRecentWrite finds the most recent write with the given key. It returns
// a Write from the DB and that write's commit timestamp, or an error.
func (txn *RoTxn) MostRecentWrite(key []byte) (*Write, uint64, error) {
	return txn.mostRecentWriteBefore(key, TsMax)
}

func decodeTimestamp(key []byte) uint64 {
	return codec.DecodeTs(key)
}

// NewWrite builds the write record for a committed mutation, inlining the
// value when it is small enough.
func NewWrite(startTs uint64, kind WriteKind, value []byte) *Write {
	write := &Write{StartTS: startTs, Kind: kind}
	if kind == WriteKindPut && len(value) > 0 && len(value) <= shortValueMaxLen {
		write.ShortValue = value
	}
	return write
}

// IsShortValue reports whether value would be inlined into a write record.
func IsShortValue(value []byte) bool {
	return len(value) > 0 && len(value) <= shortValueMaxLen
}
