package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelNoncePrefix = "nonce:"

// LevelDBNonceStore is a durable single-instance NonceStore: consumptions
// survive process restarts without requiring the shared database. A mutex
// serializes the read-then-write pair, which is sufficient because the store
// is never shared across processes.
type LevelDBNonceStore struct {
	db    *leveldb.DB
	ttl   time.Duration
	nowFn func() time.Time

	mu         sync.Mutex
	lastPruned time.Time
}

// NewLevelDBNonceStore opens (or creates) the store at the provided path.
func NewLevelDBNonceStore(path string, ttl time.Duration, nowFn func() time.Time) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	if ttl > maxRequestTTL {
		ttl = maxRequestTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LevelDBNonceStore{db: db, ttl: ttl, nowFn: nowFn}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TryConsume implements NonceStore.
func (s *LevelDBNonceStore) TryConsume(_ context.Context, signer, nonce string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("nonce store not configured")
	}
	trimmedSigner := strings.ToLower(strings.TrimSpace(signer))
	trimmedNonce := strings.TrimSpace(nonce)
	if trimmedSigner == "" || trimmedNonce == "" {
		return false, fmt.Errorf("signer and nonce required")
	}
	now := s.nowFn().UTC()
	key := []byte(levelNoncePrefix + trimmedSigner + "|" + trimmedNonce)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	existing, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		consumedAt := time.Unix(0, int64(binary.BigEndian.Uint64(existing))).UTC()
		if now.Sub(consumedAt) < 2*s.ttl {
			return false, nil
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.UnixNano()))
	if err := s.db.Put(key, buf, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return true, nil
}

func (s *LevelDBNonceStore) pruneLocked(now time.Time) {
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < defaultSweepInterval {
		return
	}
	s.lastPruned = now
	cutoff := now.Add(-2 * s.ttl).UnixNano()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelNoncePrefix)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		if int64(binary.BigEndian.Uint64(iter.Value())) < cutoff {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if batch.Len() > 0 {
		// Best effort; the next sweep retries anything left behind.
		_ = s.db.Write(batch, nil)
	}
}
