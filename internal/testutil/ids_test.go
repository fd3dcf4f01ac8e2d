package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs()
	assert.Equal(t, int32(1), ids.Next())
	assert.Equal(t, int32(2), ids.Next())
	assert.Equal(t, int32(3), ids.Next())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	ids := NewSequentialIDs()
	var wg sync.WaitGroup
	seen := make(chan any, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- ids.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[any]bool{}
	for id := range seen {
		unique[id] = true
	}
	assert.Len(t, unique, 200)
}
