package engine_util

import (
	"github.com/coocood/badger"
)

// DBIterator is the iterator contract shared by all storage backends. For a
// forward iterator Seek positions at the first key >= the given key; for a
// reverse iterator it positions at the last key <= the given key.
type DBIterator interface {
	// Item returns a pointer to the current key-value pair.
	Item() DBItem
	// Valid returns false when iteration is done.
	Valid() bool
	// Next advances the iterator by one in the iteration direction. Always
	// check Valid() after a Next() before using Item().
	Next()
	// Seek repositions the iterator at the given key, see above for direction
	// semantics.
	Seek([]byte)
	// Close the iterator.
	Close()
}

type DBItem interface {
	// Key returns the key.
	Key() []byte
	// KeyCopy returns a copy of the key of the item, writing it to dst slice.
	// If nil is passed, or capacity of dst isn't sufficient, a new slice is
	// allocated and returned.
	KeyCopy(dst []byte) []byte
	// Value retrieves the value of the item.
	Value() ([]byte, error)
	// ValueSize returns the size of the value.
	ValueSize() int
	// ValueCopy returns a copy of the value of the item, writing it to dst
	// slice. If nil is passed, or capacity of dst isn't sufficient, a new
	// slice is allocated and returned.
	ValueCopy(dst []byte) ([]byte, error)
}

// CFItem strips the column family prefix from the keys of an underlying
// badger item.
type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return i.item.KeyCopy(dst)[i.prefixLen:]
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *CFItem) ValueSize() int {
	return i.item.ValueSize()
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// BadgerIterator iterates one column family of a badger transaction.
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix string
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: cf + "_",
	}
}

// NewReverseCFIterator returns an iterator walking the column family in
// descending key order.
func NewReverseCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	return &BadgerIterator{
		iter:   txn.NewIterator(opts),
		prefix: cf + "_",
	}
}

func (it *BadgerIterator) Item() DBItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix([]byte(it.prefix)) }

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}

func (it *BadgerIterator) Rewind() {
	it.iter.Rewind()
}
