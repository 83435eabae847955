package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

type WriteBatch struct {
	entries       []*badger.Entry
	size          int
	safePoint     int
	safePointSize int
}

const (
	CfDefault string = "default"
	CfWrite   string = "write"
	CfLock    string = "lock"
)

var CFs = [3]string{CfDefault, CfWrite, CfLock}

// ValidCF reports whether cf names one of the engine's column families. The
// empty string is accepted as an alias for the default CF in raw requests.
func ValidCF(cf string) bool {
	switch cf {
	case "", CfDefault, CfWrite, CfLock:
		return true
	}
	return false
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

// Size returns the accumulated byte size of all keys and values in the batch.
func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:   KeyWithCF(cf, key),
		Value: val,
	})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: KeyWithCF(cf, key),
	})
	wb.size += len(key)
}

// SetSafePoint marks the current batch length so a failed sub-operation can
// be undone with RollbackToSafePoint.
func (wb *WriteBatch) SetSafePoint() {
	wb.safePoint = len(wb.entries)
	wb.safePointSize = wb.size
}

func (wb *WriteBatch) RollbackToSafePoint() {
	wb.entries = wb.entries[:wb.safePoint]
	wb.size = wb.safePointSize
}

// WriteToDB applies the whole batch in one badger transaction. Entries with
// an empty value are deletes.
func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			var err1 error
			if len(entry.Value) == 0 {
				err1 = txn.Delete(entry.Key)
			} else {
				err1 = txn.SetEntry(entry)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (wb *WriteBatch) MustWriteToDB(db *badger.DB) {
	if err := wb.WriteToDB(db); err != nil {
		panic(err)
	}
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
	wb.safePoint = 0
	wb.safePointSize = 0
}
