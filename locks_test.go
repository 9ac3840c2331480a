package optisync

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyLocksAllOrNothing(t *testing.T) {
	l := newKeyLocks()
	a, b, c := DetailKey(tItem, "1"), DetailKey(tAuction, "1"), DetailKey(tAuction, "2")

	if busy := l.tryLock("op1", []Key{a, b}); busy != nil {
		t.Fatalf("tryLock: %v", busy)
	}
	if busy := l.tryLock("op2", []Key{c, b}); len(busy) != 1 || busy[0] != b {
		t.Fatalf("expected b busy, got %v", busy)
	}
	if l.heldByOther(c, "op1") {
		t.Fatalf("c must not be held after a refused tryLock")
	}
	// re-entrant for the same owner
	if busy := l.tryLock("op1", []Key{a}); busy != nil {
		t.Fatalf("owner relock: %v", busy)
	}
	l.unlock("op2", []Key{a}) // not the owner: no effect
	if !l.heldByOther(a, "op2") {
		t.Fatalf("a released by a stranger")
	}
	l.unlock("op1", []Key{a, b})
	if l.heldByOther(a, "op2") || l.heldByOther(b, "op2") {
		t.Fatalf("keys not released")
	}
}

func TestKeyLocksExclusiveUnderContention(t *testing.T) {
	l := newKeyLocks()
	k := DetailKey(tAuction, "A4")
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			<-start
			if l.tryLock(owner, []Key{k}) == nil {
				winners.Add(1)
			}
		}(string(rune('a' + i)))
	}
	close(start)
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one holder, got %d", n)
	}
}
