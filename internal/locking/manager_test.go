package locking

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager(zerolog.Nop())

	assert.True(t, m.Acquire("strategy"))
	assert.False(t, m.Acquire("strategy"), "second acquire must fail while held")
	assert.True(t, m.Acquire("rebalance"), "different names are independent")

	m.Release("strategy")
	assert.True(t, m.Acquire("strategy"))
	assert.True(t, m.IsHeld("rebalance"))
}

func TestAcquireUnderContention(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var wg sync.WaitGroup
	wins := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("strategy") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine may win the lock")
}
