// Package ledger implements the pooled balance store that funds anonymous
// purchases. Accounts are keyed by one-way account hashes; every mutation is
// row-locked and appends an immutable history entry. All amounts are
// fixed-point decimals with 8 fractional digits, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"veilmarket/models"
)

// Scale is the fixed number of fractional digits carried by every amount.
const Scale = 8

var (
	// ErrAccountNotFound indicates a debit (or non-creating credit) targeted
	// an account hash with no ledger row.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientBalance indicates the debit would take the balance below
	// zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidAmount indicates a non-positive amount or one carrying more
	// than eight fractional digits.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// creatingKinds are the credit kinds permitted to create an absent account:
// deposits and sale proceeds. Anything else requires an existing row.
var creatingKinds = map[string]struct{}{
	models.EntryKindDeposit:  {},
	models.EntryKindProceeds: {},
}

// EntryMeta carries optional references attached to a history entry.
type EntryMeta struct {
	AssetID     string
	ExternalRef string
}

// Ledger is the pooled balance store. All methods serialize per account via
// row-scoped SELECT ... FOR UPDATE locks; operations on different accounts
// proceed independently.
type Ledger struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a ledger backed by the provided database.
func New(db *gorm.DB, nowFn func() time.Time) *Ledger {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ledger{db: db, nowFn: nowFn}
}

// Credit adds funds to an account inside its own transaction.
func (l *Ledger) Credit(ctx context.Context, accountHash string, amount decimal.Decimal, kind string, meta EntryMeta) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.CreditInTx(tx, accountHash, amount, kind, meta)
	})
}

// Debit removes funds from an account inside its own transaction.
func (l *Ledger) Debit(ctx context.Context, accountHash string, amount decimal.Decimal, kind string, meta EntryMeta) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.DebitInTx(tx, accountHash, amount, kind, meta)
	})
}

// CreditInTx applies a credit inside an existing transaction. The settlement
// commit uses this to fold the seller credit into its atomic scope.
func (l *Ledger) CreditInTx(tx *gorm.DB, accountHash string, amount decimal.Decimal, kind string, meta EntryMeta) error {
	normalized, err := normalizeHash(accountHash)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	now := l.nowFn().UTC()

	var account models.Account
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "account_hash = ?", normalized).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if _, ok := creatingKinds[kind]; !ok {
			return ErrAccountNotFound
		}
		account = models.Account{
			AccountHash:    normalized,
			Balance:        decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalSpent:     decimal.Zero,
			CreatedAt:      now,
		}
		if err := tx.Create(&account).Error; err != nil {
			return fmt.Errorf("create account: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load account: %w", err)
	}

	account.Balance = account.Balance.Add(amount)
	if kind == models.EntryKindDeposit {
		account.TotalDeposited = account.TotalDeposited.Add(amount)
	}
	account.LastActivity = now
	account.UpdatedAt = now
	if err := tx.Save(&account).Error; err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return appendEntry(tx, normalized, kind, amount, meta, now)
}

// DebitInTx applies a debit inside an existing transaction.
func (l *Ledger) DebitInTx(tx *gorm.DB, accountHash string, amount decimal.Decimal, kind string, meta EntryMeta) error {
	normalized, err := normalizeHash(accountHash)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	now := l.nowFn().UTC()

	var account models.Account
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "account_hash = ?", normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if account.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}

	account.Balance = account.Balance.Sub(amount)
	account.TotalSpent = account.TotalSpent.Add(amount)
	account.LastActivity = now
	account.UpdatedAt = now
	if err := tx.Save(&account).Error; err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return appendEntry(tx, normalized, kind, amount.Neg(), meta, now)
}

// Balance reads the current balance. Absent accounts read as zero.
func (l *Ledger) Balance(ctx context.Context, accountHash string) (decimal.Decimal, error) {
	normalized, err := normalizeHash(accountHash)
	if err != nil {
		return decimal.Zero, err
	}
	var account models.Account
	err = l.db.WithContext(ctx).First(&account, "account_hash = ?", normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load account: %w", err)
	}
	return account.Balance, nil
}

// Account loads the full account row.
func (l *Ledger) Account(ctx context.Context, accountHash string) (*models.Account, error) {
	normalized, err := normalizeHash(accountHash)
	if err != nil {
		return nil, err
	}
	var account models.Account
	err = l.db.WithContext(ctx).First(&account, "account_hash = ?", normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &account, nil
}

// Entries returns the most recent history entries for an account.
func (l *Ledger) Entries(ctx context.Context, accountHash string, limit int) ([]models.LedgerEntry, error) {
	normalized, err := normalizeHash(accountHash)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.LedgerEntry
	err = l.db.WithContext(ctx).
		Where("account_hash = ?", normalized).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return entries, nil
}

// ValidateAmount rejects amounts that are not positive or carry more than
// eight fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return ErrInvalidAmount
	}
	return nil
}

func appendEntry(tx *gorm.DB, accountHash, kind string, amount decimal.Decimal, meta EntryMeta, now time.Time) error {
	entry := models.LedgerEntry{
		ID:          uuid.New(),
		AccountHash: accountHash,
		Kind:        kind,
		Amount:      amount,
		AssetID:     strings.TrimSpace(meta.AssetID),
		ExternalRef: strings.TrimSpace(meta.ExternalRef),
		CreatedAt:   now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func normalizeHash(accountHash string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(accountHash))
	if trimmed == "" {
		return "", fmt.Errorf("ledger: account hash required")
	}
	return trimmed, nil
}
