package latches

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	wg := l.AcquireLatches([][]byte{{}, {3}, {3, 0, 42}})
	assert.Nil(t, wg)

	// Can only acquire once.
	wg = l.AcquireLatches([][]byte{{3}})
	assert.NotNil(t, wg)

	// Release then acquire is ok.
	l.ReleaseLatches([][]byte{{}, {3}, {3, 0, 42}})
	wg = l.AcquireLatches([][]byte{{3}})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([][]byte{{3}, {4}})
	assert.NotNil(t, wg)
}

func TestAcquireDuplicateKeys(t *testing.T) {
	l := NewLatches()

	// A command naming the same key twice must not block on itself.
	wg := l.AcquireLatches([][]byte{{3}, {3}, {4}})
	assert.Nil(t, wg)
	l.ReleaseLatches([][]byte{{3}, {3}, {4}})
	wg = l.AcquireLatches([][]byte{{3}, {4}})
	assert.Nil(t, wg)
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	l.WaitForLatches([][]byte{{3}, {4}})

	released := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		l.WaitForLatches([][]byte{{4}, {5}})
		<-released
		l.ReleaseLatches([][]byte{{4}, {5}})
		close(acquired)
	}()

	// The waiter is blocked until we release the overlapping latch.
	l.ReleaseLatches([][]byte{{3}, {4}})
	close(released)
	<-acquired

	wg := l.AcquireLatches([][]byte{{3}, {4}, {5}})
	assert.Nil(t, wg)
}

func TestConcurrentDisjointKeys(t *testing.T) {
	l := NewLatches()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte{byte(i)}
			for j := 0; j < 100; j++ {
				l.WaitForLatches([][]byte{key})
				l.ReleaseLatches([][]byte{key})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, len(l.latchMap))
}
