package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"veilmarket/models"
)

const dbPruneInterval = time.Minute

// DBNonceStore records consumptions in the shared relational store, so replay
// protection holds across horizontally scaled instances. Atomicity comes from
// the primary-key conflict on insert, not from a check-then-write.
type DBNonceStore struct {
	db    *gorm.DB
	ttl   time.Duration
	nowFn func() time.Time

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewDBNonceStore builds a database-backed store retaining records for ttl*2.
func NewDBNonceStore(db *gorm.DB, ttl time.Duration, nowFn func() time.Time) *DBNonceStore {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	if ttl > maxRequestTTL {
		ttl = maxRequestTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &DBNonceStore{db: db, ttl: ttl, nowFn: nowFn}
}

// TryConsume implements NonceStore via INSERT ... ON CONFLICT DO NOTHING.
func (s *DBNonceStore) TryConsume(ctx context.Context, signer, nonce string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("nonce store not configured")
	}
	trimmedSigner := strings.ToLower(strings.TrimSpace(signer))
	trimmedNonce := strings.TrimSpace(nonce)
	if trimmedSigner == "" || trimmedNonce == "" {
		return false, fmt.Errorf("signer and nonce required")
	}
	now := s.nowFn().UTC()
	if err := s.prune(ctx, now); err != nil {
		return false, err
	}
	record := models.NonceRecord{Signer: trimmedSigner, Nonce: trimmedNonce, ConsumedAt: now}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, fmt.Errorf("record nonce: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *DBNonceStore) prune(ctx context.Context, now time.Time) error {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < dbPruneInterval {
		return nil
	}
	cutoff := now.Add(-2 * s.ttl)
	if err := s.db.WithContext(ctx).Where("consumed_at < ?", cutoff).Delete(&models.NonceRecord{}).Error; err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	s.lastPruned = now
	return nil
}
