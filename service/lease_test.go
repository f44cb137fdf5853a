package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseAcquireRelease(t *testing.T) {
	r := NewLeaseRegistry(time.Minute)

	assert.True(t, r.Acquire("msg-1"))
	assert.False(t, r.Acquire("msg-1"))
	assert.True(t, r.Acquire("msg-2"), "leases are keyed per id")

	r.Release("msg-1")
	assert.True(t, r.Acquire("msg-1"))
}

func TestLeaseExpires(t *testing.T) {
	r := NewLeaseRegistry(10 * time.Millisecond)

	assert.True(t, r.Acquire("msg-1"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.Acquire("msg-1"), "expired lease must be reacquirable")
}

func TestLeaseConcurrentAcquire(t *testing.T) {
	r := NewLeaseRegistry(time.Minute)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Acquire("msg-1") {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins, "exactly one concurrent acquire may win")
}

func TestLeaseSweep(t *testing.T) {
	r := NewLeaseRegistry(10 * time.Millisecond)

	assert.True(t, r.Acquire("msg-1"))
	assert.True(t, r.Acquire("msg-2"))
	time.Sleep(20 * time.Millisecond)

	r.Sweep()

	r.mu.Lock()
	remaining := len(r.leases)
	r.mu.Unlock()
	assert.Zero(t, remaining)
}
