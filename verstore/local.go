package verstore

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	Version   uint64
	UpdatedAt time.Time
}

// Local keeps versions in-process.
// An optional cleanup loop prunes counters idle for longer than retention.
// Pruning restarts a key at 0, so enable it only when retention outlives
// both the value TTL and any subscriber of the key.
type Local struct {
	mu       sync.RWMutex
	versions map[string]localEntry
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

var _ Store = (*Local)(nil)

func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{versions: make(map[string]localEntry)}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Current(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e := s.versions[k]
	s.mu.RUnlock()
	return e.Version, nil
}

// CurrentMany takes the read lock once for all keys.
func (s *Local) CurrentMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.versions[k].Version
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Next(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.versions[k]
	e.Version++
	e.UpdatedAt = now
	s.versions[k] = e
	s.mu.Unlock()
	return e.Version, nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.versions {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.versions, k)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			s.ticker.Stop()
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
