package optisync

import (
	"context"
	"sync"
)

// keyLocks is the per-key mutual exclusion table. Acquisition is
// all-or-nothing and never waits.
type keyLocks struct {
	mu     sync.Mutex
	owners map[Key]string
}

func newKeyLocks() *keyLocks { return &keyLocks{owners: make(map[Key]string)} }

func (l *keyLocks) tryLock(owner string, keys []Key) []Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	var busy []Key
	for _, k := range keys {
		if cur, ok := l.owners[k]; ok && cur != owner {
			busy = append(busy, k)
		}
	}
	if len(busy) > 0 {
		return busy
	}
	for _, k := range keys {
		l.owners[k] = owner
	}
	return nil
}

func (l *keyLocks) unlock(owner string, keys []Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if l.owners[k] == owner {
			delete(l.owners, k)
		}
	}
}

// heldByOther reports whether k is locked by anyone but owner.
func (l *keyLocks) heldByOther(k Key, owner string) bool {
	l.mu.Lock()
	cur, ok := l.owners[k]
	l.mu.Unlock()
	return ok && cur != owner
}

type ownerKey struct{}

// withOwner marks ctx as running on behalf of the lock owner, so store
// fetches of the owner's own keys are allowed.
func withOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerFrom(ctx context.Context) string {
	s, _ := ctx.Value(ownerKey{}).(string)
	return s
}
