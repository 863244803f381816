package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexGuardsCounter(t *testing.T) {
	t.Parallel()

	var (
		mu Mutex
		wg sync.WaitGroup
		n  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, n)
}

func TestRWMutexReadersSeeWrites(t *testing.T) {
	t.Parallel()

	var (
		mu RWMutex
		wg sync.WaitGroup
		v  int
	)
	for i := 1; i <= 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			if i > v {
				v = i
			}
			mu.Unlock()
		}(i)
		go func() {
			defer wg.Done()
			mu.RLock()
			_ = v
			mu.RUnlock()
		}()
	}
	wg.Wait()

	mu.RLock()
	defer mu.RUnlock()
	assert.Equal(t, 100, v)
}
