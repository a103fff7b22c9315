package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultRequestTTL is the window in which a signed request remains valid.
	DefaultRequestTTL = 5 * time.Minute

	defaultSweepInterval = time.Minute
	maxRequestTTL        = 30 * time.Minute
)

// NonceStore tracks consumed (signer, nonce) pairs. TryConsume must be an
// atomic test-and-set: it returns true and records the pair exactly once; any
// repeat, including a concurrent one, returns false. Records older than twice
// the request TTL are garbage-collected.
type NonceStore interface {
	TryConsume(ctx context.Context, signer, nonce string) (bool, error)
}

// MemoryNonceStore is the single-instance NonceStore: a mutex-guarded map with
// a background sweep. Horizontal scaling requires the database-backed store
// instead, since an in-process map cannot see consumptions on other instances.
type MemoryNonceStore struct {
	ttl   time.Duration
	nowFn func() time.Time

	mu       sync.Mutex
	consumed map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryNonceStore builds an in-process store retaining records for ttl*2
// and sweeping them on the supplied interval.
func NewMemoryNonceStore(ttl, sweepInterval time.Duration, nowFn func() time.Time) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	if ttl > maxRequestTTL {
		ttl = maxRequestTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &MemoryNonceStore{
		ttl:      ttl,
		nowFn:    nowFn,
		consumed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// TryConsume implements NonceStore.
func (s *MemoryNonceStore) TryConsume(_ context.Context, signer, nonce string) (bool, error) {
	key := nonceKey(signer, nonce)
	now := s.nowFn().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if consumedAt, exists := s.consumed[key]; exists {
		// Expired leftovers waiting for the sweeper still count as consumed
		// until they drop out of the retention window.
		if now.Sub(consumedAt) < s.retention() {
			return false, nil
		}
	}
	s.consumed[key] = now
	return true, nil
}

// Close stops the background sweeper.
func (s *MemoryNonceStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryNonceStore) retention() time.Duration {
	return 2 * s.ttl
}

func (s *MemoryNonceStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryNonceStore) sweep() {
	cutoff := s.nowFn().UTC().Add(-s.retention())
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, consumedAt := range s.consumed {
		if consumedAt.Before(cutoff) {
			delete(s.consumed, key)
		}
	}
}

func nonceKey(signer, nonce string) string {
	return strings.ToLower(strings.TrimSpace(signer)) + "|" + strings.TrimSpace(nonce)
}
