package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/coocood/badger/y"
	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/engine_util"
)

// MemStorage is a Storage backed by memory, intended for testing. Data is not
// written to disk. A store-wide lock keeps a batch atomic with respect to
// readers and lets scheduler workers apply disjoint batches concurrently.
type MemStorage struct {
	mu        sync.RWMutex
	CfDefault *llrb.LLRB
	CfLock    *llrb.LLRB
	CfWrite   *llrb.LLRB
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		CfDefault: llrb.New(),
		CfLock:    llrb.New(),
		CfWrite:   llrb.New(),
	}
}

func (is *MemStorage) Start() error {
	return nil
}

func (is *MemStorage) Stop() error {
	return nil
}

func (is *MemStorage) Reader(ctx *kvrpcpb.Context) (StorageReader, error) {
	return &memReader{is}, nil
}

func (is *MemStorage) Write(ctx *kvrpcpb.Context, batch []Modify) error {
	is.mu.Lock()
	defer is.mu.Unlock()
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			item := memItem{data.Key, data.Value, false}
			tree, err := is.tree(data.Cf)
			if err != nil {
				return err
			}
			tree.ReplaceOrInsert(item)
		case Delete:
			item := memItem{key: data.Key}
			tree, err := is.tree(data.Cf)
			if err != nil {
				return err
			}
			tree.Delete(item)
		case DeleteRange:
			cfs := engine_util.CFs[:]
			if data.Cf != "" {
				cfs = []string{data.Cf}
			}
			for _, cf := range cfs {
				tree, _ := is.tree(cf)
				var doomed []memItem
				tree.AscendGreaterOrEqual(memItem{key: data.StartKey}, func(item llrb.Item) bool {
					mi := item.(memItem)
					if engine_util.ExceedEndKey(mi.key, data.EndKey) {
						return false
					}
					doomed = append(doomed, mi)
					return true
				})
				for _, item := range doomed {
					tree.Delete(item)
				}
			}
		}
	}
	return nil
}

func (is *MemStorage) tree(cf string) (*llrb.LLRB, error) {
	switch cf {
	case "", engine_util.CfDefault:
		return is.CfDefault, nil
	case engine_util.CfLock:
		return is.CfLock, nil
	case engine_util.CfWrite:
		return is.CfWrite, nil
	}
	return nil, fmt.Errorf("mem-storage: bad CF %s", cf)
}

func (is *MemStorage) Get(cf string, key []byte) []byte {
	tree, err := is.tree(cf)
	if err != nil {
		return nil
	}
	is.mu.RLock()
	defer is.mu.RUnlock()
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil
	}
	return result.(memItem).value
}

func (is *MemStorage) Set(cf string, key []byte, value []byte) {
	tree, err := is.tree(cf)
	if err != nil {
		panic(err)
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	tree.ReplaceOrInsert(memItem{key, value, true})
}

// HasChanged reports whether key was deleted or written since it was Set.
func (is *MemStorage) HasChanged(cf string, key []byte) bool {
	tree, err := is.tree(cf)
	if err != nil {
		return true
	}
	is.mu.RLock()
	defer is.mu.RUnlock()
	result := tree.Get(memItem{key: key})
	if result == nil {
		return true
	}
	return !result.(memItem).fresh
}

func (is *MemStorage) Len(cf string) int {
	tree, err := is.tree(cf)
	if err != nil {
		return -1
	}
	is.mu.RLock()
	defer is.mu.RUnlock()
	return tree.Len()
}

// memReader is a StorageReader which reads from a MemStorage.
type memReader struct {
	inner *MemStorage
}

func (mr *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	tree, err := mr.inner.tree(cf)
	if err != nil {
		return nil, err
	}
	mr.inner.mu.RLock()
	defer mr.inner.mu.RUnlock()
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (mr *memReader) IterCF(cf string) engine_util.DBIterator {
	tree, err := mr.inner.tree(cf)
	if err != nil {
		return nil
	}
	mr.inner.mu.RLock()
	defer mr.inner.mu.RUnlock()
	it := &memIter{data: tree, mu: &mr.inner.mu}
	if min := tree.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (mr *memReader) IterReverseCF(cf string) engine_util.DBIterator {
	tree, err := mr.inner.tree(cf)
	if err != nil {
		return nil
	}
	mr.inner.mu.RLock()
	defer mr.inner.mu.RUnlock()
	it := &memIterReverse{data: tree, mu: &mr.inner.mu}
	if max := tree.Max(); max != nil {
		it.item = max.(memItem)
	}
	return it
}

func (r *memReader) Close() {}

type memIter struct {
	data *llrb.LLRB
	mu   *sync.RWMutex
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	it.mu.RLock()
	defer it.mu.RUnlock()
	it.data.AscendGreaterOrEqual(oldItem, func(item llrb.Item) bool {
		// Skip the first item, which is the current position.
		if first {
			first = false
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.mu.RLock()
	defer it.mu.RUnlock()
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item llrb.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

// memIterReverse walks the tree in descending key order. Seek positions at
// the last key <= the given key.
type memIterReverse struct {
	data *llrb.LLRB
	mu   *sync.RWMutex
	item memItem
}

func (it *memIterReverse) Item() engine_util.DBItem {
	return it.item
}

func (it *memIterReverse) Valid() bool {
	return it.item.key != nil
}

func (it *memIterReverse) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	it.mu.RLock()
	defer it.mu.RUnlock()
	it.data.DescendLessOrEqual(oldItem, func(item llrb.Item) bool {
		if first {
			first = false
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIterReverse) Seek(key []byte) {
	it.item = memItem{}
	it.mu.RLock()
	defer it.mu.RUnlock()
	it.data.DescendLessOrEqual(memItem{key: key}, func(item llrb.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIterReverse) Close() {}

type memItem struct {
	key   []byte
	value []byte
	fresh bool
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, it.key)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueSize() int {
	return len(it.value)
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return y.SafeCopy(dst, it.value), nil
}

func (it memItem) Less(than llrb.Item) bool {
	other := than.(memItem)
	return bytes.Compare(it.key, other.key) < 0
}
