package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidekv/tidekv/kv/engine_util"
)

// TestMemStorageConcurrentWrites applies disjoint-key batches from several
// goroutines while readers iterate, the way scheduler workers drive the
// store.
func TestMemStorageConcurrentWrites(t *testing.T) {
	mem := NewMemStorage()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := []byte(fmt.Sprintf("%d-%d", g, i))
				err := mem.Write(nil, []Modify{
					{Data: Put{Key: key, Value: []byte{byte(g)}, Cf: engine_util.CfDefault}},
				})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			reader, err := mem.Reader(nil)
			assert.NoError(t, err)
			iter := reader.IterCF(engine_util.CfDefault)
			for ; iter.Valid(); iter.Next() {
			}
			iter.Close()
			reader.Close()
		}
	}()
	wg.Wait()

	assert.Equal(t, 800, mem.Len(engine_util.CfDefault))
	assert.Equal(t, []byte{3}, mem.Get(engine_util.CfDefault, []byte("3-42")))
}
