package grpcsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_FireOnce(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.HasFired())

	assert.True(t, e.Fire())
	assert.True(t, e.HasFired())
	assert.False(t, e.Fire())

	select {
	case <-e.Done():
	default:
		t.Fatal("Done channel should be closed after Fire")
	}
}

func TestEvent_ConcurrentFire(t *testing.T) {
	e := NewEvent()
	var wg sync.WaitGroup
	results := make([]bool, 20)

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.Fire()
		}()
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one Fire call should win")
}
