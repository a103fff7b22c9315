package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ListingState represents a state in the listing lifecycle.
type ListingState string

const (
	ListingActive   ListingState = "ACTIVE"
	ListingInactive ListingState = "INACTIVE"
)

// SettlementState tracks the trade state machine as it is persisted. A row in a
// terminal state is never updated again.
type SettlementState string

const (
	SettlementInitiated        SettlementState = "INITIATED"
	SettlementValidated        SettlementState = "VALIDATED"
	SettlementChainSubmitted   SettlementState = "CHAIN_SUBMITTED"
	SettlementChainConfirmed   SettlementState = "CHAIN_CONFIRMED"
	SettlementLocallyCommitted SettlementState = "LOCALLY_COMMITTED"
	SettlementAborted          SettlementState = "ABORTED"
	SettlementInconsistent     SettlementState = "INCONSISTENT"
)

// Ledger entry kinds. Deposit and sale proceeds are the only kinds permitted to
// create an account that does not exist yet.
const (
	EntryKindDeposit  = "deposit"
	EntryKindPurchase = "purchase"
	EntryKindProceeds = "proceeds"
	EntryKindWithdraw = "withdraw"
)

// Account is a pooled-ledger row keyed by the one-way account hash. Accounts are
// created implicitly on first credit and never deleted.
type Account struct {
	AccountHash    string          `gorm:"primaryKey;size:66"`
	Balance        decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	TotalDeposited decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	TotalSpent     decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	LastActivity   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerEntry is the immutable transaction history appended on every balance
// mutation. The (kind, external_ref) pair is unique so a replayed chain
// confirmation cannot credit twice.
type LedgerEntry struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AccountHash string          `gorm:"size:66;index"`
	Kind        string          `gorm:"size:16;uniqueIndex:idx_entry_external_ref,where:external_ref <> ''"`
	Amount      decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	AssetID     string          `gorm:"size:128"`
	ExternalRef string          `gorm:"size:128;uniqueIndex:idx_entry_external_ref,where:external_ref <> ''"`
	CreatedAt   time.Time
}

// Listing mirrors the marketplace contract's listing for an asset. At most one
// ACTIVE row may exist per asset id at any time; the partial unique index backs
// up the row-locked check in the registry.
type Listing struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	CollectionRef     string          `gorm:"size:66;index"`
	AssetID           string          `gorm:"size:128;uniqueIndex:idx_listing_active_asset,where:state = 'ACTIVE'"`
	SellerAccountHash string          `gorm:"size:66;index"`
	Price             decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	State             ListingState    `gorm:"size:16;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade records one completed settlement. Immutable once created; the chain
// transaction reference is unique so a settlement retried after a crash cannot
// produce a second row.
type Trade struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AssetID           string          `gorm:"size:128;index"`
	ListingID         uuid.UUID       `gorm:"type:uuid;index"`
	BuyerAccountHash  string          `gorm:"size:66;index"`
	SellerAccountHash string          `gorm:"size:66;index"`
	Price             decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	ChainTxRef        string          `gorm:"size:128;uniqueIndex"`
	CreatedAt         time.Time
}

// Settlement persists the trade state machine so operators can query rows stuck
// in INCONSISTENT after a chain confirmation without a matching local commit.
type Settlement struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AssetID          string          `gorm:"size:128;index"`
	ListingID        uuid.UUID       `gorm:"type:uuid;index"`
	BuyerAccountHash string          `gorm:"size:66;index"`
	Price            decimal.Decimal `gorm:"type:decimal(30,8);not null"`
	State            SettlementState `gorm:"size:32;index"`
	ChainTxRef       string          `gorm:"size:128;index"`
	FailureReason    string          `gorm:"size:512"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NonceRecord stores consumed (signer, nonce) pairs for the database-backed
// replay store shared across instances.
type NonceRecord struct {
	Signer     string `gorm:"primaryKey;size:66"`
	Nonce      string `gorm:"primaryKey;size:128"`
	ConsumedAt time.Time
}

// AssetOwner is a denormalized display pointer. The marketplace contract remains
// the sole authority on custody; this row is only ever written from confirmed
// chain state.
type AssetOwner struct {
	CollectionRef string `gorm:"primaryKey;size:66"`
	AssetID       string `gorm:"primaryKey;size:128"`
	AccountHash   string `gorm:"size:66;index"`
	UpdatedAt     time.Time
}

// AuditEvent is the append-only operator audit trail.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RefID     *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"size:66"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&LedgerEntry{},
		&Listing{},
		&Trade{},
		&Settlement{},
		&NonceRecord{},
		&AssetOwner{},
		&AuditEvent{},
	)
}
