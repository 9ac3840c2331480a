package asynchook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/optisync"
)

type countHooks struct {
	optisync.NopHooks
	mu      sync.Mutex
	settled []optisync.State
	block   chan struct{}
}

func (c *countHooks) Settled(_ string, s optisync.State, _ time.Duration) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.settled = append(c.settled, s)
	c.mu.Unlock()
}

func TestDeliversAndDrains(t *testing.T) {
	inner := &countHooks{}
	h := New(inner, 2, 16)
	for i := 0; i < 10; i++ {
		h.Settled("cancel", optisync.Leg2Confirmed, time.Millisecond)
	}
	h.Close()
	assert.Len(t, inner.settled, 10)
	assert.Zero(t, h.Dropped())

	h.Settled("cancel", optisync.Failed, 0) // after close
	assert.EqualValues(t, 1, h.Dropped())
}

func TestDropsWhenFull(t *testing.T) {
	inner := &countHooks{block: make(chan struct{})}
	h := New(inner, 1, 1)
	for i := 0; i < 5; i++ {
		h.Settled("publish", optisync.Failed, 0)
	}
	// one in the worker, one queued, the rest dropped
	assert.GreaterOrEqual(t, h.Dropped(), uint64(3))
	close(inner.block)
	h.Close()
}
