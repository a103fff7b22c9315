// Package settlement orchestrates trades: precondition validation against the
// pooled ledger and canonical chain state, the irreversible contract transfer,
// and the final all-or-nothing local commit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"veilmarket/chain"
	vmcrypto "veilmarket/crypto"
	"veilmarket/ledger"
	"veilmarket/listings"
	"veilmarket/models"
	"veilmarket/observability/metrics"
	"veilmarket/recon"
)

var (
	// ErrStaleListing means the contract reported the asset unlisted while the
	// local row still said ACTIVE. The local row has been repaired; no chain
	// call and no ledger mutation happened.
	ErrStaleListing = errors.New("settlement: listing stale on chain")
	// ErrPriceMismatch means the price the buyer authorized no longer matches
	// the listing.
	ErrPriceMismatch = errors.New("settlement: price mismatch")
	// ErrChainTransactionFailed means the contract transfer did not go
	// through. Local state is untouched.
	ErrChainTransactionFailed = errors.New("settlement: chain transaction failed")
	// ErrInconsistent means the contract confirmed the transfer but the local
	// commit failed. The chain cannot be rolled back, so the settlement row is
	// left in INCONSISTENT for operator reconciliation.
	ErrInconsistent = errors.New("settlement: chain confirmed but local commit failed")
)

// Coordinator drives the per-trade state machine
// Initiated → Validated → ChainSubmitted → ChainConfirmed → LocallyCommitted,
// with Aborted on any validation failure and Inconsistent when the chain
// outpaces the local store.
type Coordinator struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	registry   *listings.Registry
	reconciler *recon.Reconciler
	writer     chain.Writer
	logger     *slog.Logger
	metrics    *metrics.Settlement
	nowFn      func() time.Time
}

// Config captures the dependencies required to construct a Coordinator.
type Config struct {
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	Registry   *listings.Registry
	Reconciler *recon.Reconciler
	Writer     chain.Writer
	Logger     *slog.Logger
	Metrics    *metrics.Settlement
	Now        func() time.Time
}

// New constructs a coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Coordinator{
		db:         cfg.DB,
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		reconciler: cfg.Reconciler,
		writer:     cfg.Writer,
		logger:     logger,
		metrics:    cfg.Metrics,
		nowFn:      nowFn,
	}
}

// ExecuteTrade settles a purchase of the listed asset by the buyer's pooled
// account. Ordering is deliberate: the contract transfer is irreversible, so
// it runs before any balance mutation that a failed chain call could orphan,
// and the local commit is the last, all-or-nothing step. No ledger row lock is
// ever held across the chain call.
func (c *Coordinator) ExecuteTrade(ctx context.Context, assetID string, listingID uuid.UUID, buyerAccountHash string, price decimal.Decimal, buyerProof string) (*models.Trade, error) {
	started := c.nowFn()
	trade, err := c.executeTrade(ctx, assetID, listingID, buyerAccountHash, price, buyerProof)
	state := models.SettlementLocallyCommitted
	switch {
	case err == nil:
	case errors.Is(err, ErrInconsistent):
		state = models.SettlementInconsistent
	default:
		state = models.SettlementAborted
	}
	c.metrics.Observe(string(state), c.nowFn().Sub(started))
	return trade, err
}

func (c *Coordinator) executeTrade(ctx context.Context, assetID string, listingID uuid.UUID, buyerAccountHash string, price decimal.Decimal, buyerProof string) (*models.Trade, error) {
	assetID = strings.TrimSpace(assetID)
	buyerAccountHash = strings.ToLower(strings.TrimSpace(buyerAccountHash))
	if !vmcrypto.ValidAccountHash(buyerAccountHash) {
		return nil, fmt.Errorf("settlement: invalid buyer account hash")
	}
	if err := ledger.ValidateAmount(price); err != nil {
		return nil, err
	}

	record := &models.Settlement{
		ID:               uuid.New(),
		AssetID:          assetID,
		ListingID:        listingID,
		BuyerAccountHash: buyerAccountHash,
		Price:            price,
		State:            models.SettlementInitiated,
		CreatedAt:        c.nowFn().UTC(),
		UpdatedAt:        c.nowFn().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("settlement: create record: %w", err)
	}

	listing, err := c.validate(ctx, record, assetID, listingID, buyerAccountHash, price)
	if err != nil {
		return nil, err
	}

	txRef, err := c.submitTransfer(ctx, record, listing, buyerProof)
	if err != nil {
		return nil, err
	}

	return c.commitLocal(ctx, record, listing, txRef)
}

// validate confirms the buyer can pay and the listing is live both locally and
// on chain. Balance is re-checked under the row lock at commit time; this
// check exists to fail cheap before the slow chain call.
func (c *Coordinator) validate(ctx context.Context, record *models.Settlement, assetID string, listingID uuid.UUID, buyerAccountHash string, price decimal.Decimal) (*models.Listing, error) {
	balance, err := c.ledger.Balance(ctx, buyerAccountHash)
	if err != nil {
		return nil, c.abort(ctx, record, err)
	}
	if balance.LessThan(price) {
		return nil, c.abort(ctx, record, ledger.ErrInsufficientBalance)
	}

	listing, err := c.registry.Get(ctx, listingID)
	if err != nil {
		return nil, c.abort(ctx, record, err)
	}
	if listing.AssetID != assetID {
		return nil, c.abort(ctx, record, fmt.Errorf("settlement: listing %s is not for asset %s", listingID, assetID))
	}
	if listing.State != models.ListingActive {
		return nil, c.abort(ctx, record, listings.ErrNotActive)
	}
	if !listing.Price.Equal(price) {
		return nil, c.abort(ctx, record, ErrPriceMismatch)
	}

	reconciled, err := c.reconciler.Reconcile(ctx, listing.CollectionRef, assetID, listing)
	if err != nil {
		return nil, c.abort(ctx, record, err)
	}
	if reconciled == nil {
		return nil, c.abort(ctx, record, ErrStaleListing)
	}

	c.setState(ctx, record, models.SettlementValidated, "")
	return listing, nil
}

// submitTransfer drives the contract write. This is the single slow suspension
// point in the pipeline and runs outside every row lock.
func (c *Coordinator) submitTransfer(ctx context.Context, record *models.Settlement, listing *models.Listing, buyerProof string) (string, error) {
	c.setState(ctx, record, models.SettlementChainSubmitted, "")
	txRef, err := c.writer.SubmitTransfer(ctx, chain.TransferRequest{
		CollectionRef: listing.CollectionRef,
		AssetID:       listing.AssetID,
		Price:         listing.Price.StringFixed(ledger.Scale),
		BuyerProof:    buyerProof,
	})
	if err != nil {
		return "", c.abort(ctx, record, fmt.Errorf("%w: %w", ErrChainTransactionFailed, err))
	}
	record.ChainTxRef = txRef
	c.setState(ctx, record, models.SettlementChainConfirmed, "")
	return txRef, nil
}

// commitLocal performs the one atomic local mutation: buyer debit, seller
// credit, trade row, listing deactivation, ownership pointer. A loser of a
// listing race fails here with ErrNotActive before any ledger mutation; any
// failure after that is INCONSISTENT because the chain already moved.
func (c *Coordinator) commitLocal(ctx context.Context, record *models.Settlement, listing *models.Listing, txRef string) (*models.Trade, error) {
	now := c.nowFn().UTC()
	trade := &models.Trade{
		ID:                uuid.New(),
		AssetID:           listing.AssetID,
		ListingID:         listing.ID,
		BuyerAccountHash:  record.BuyerAccountHash,
		SellerAccountHash: listing.SellerAccountHash,
		Price:             listing.Price,
		ChainTxRef:        txRef,
		CreatedAt:         now,
	}
	raceLost := false
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The listing transition is the mutual-exclusion signal between two
		// settlements racing for the same asset. Check it first, before any
		// ledger mutation, so the loser aborts cleanly.
		var current models.Listing
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", listing.ID).Error; err != nil {
			return fmt.Errorf("lock listing: %w", err)
		}
		if current.State != models.ListingActive {
			raceLost = true
			return listings.ErrNotActive
		}

		meta := ledger.EntryMeta{AssetID: listing.AssetID, ExternalRef: txRef}
		if err := c.ledger.DebitInTx(tx, record.BuyerAccountHash, listing.Price, models.EntryKindPurchase, meta); err != nil {
			return err
		}
		if err := c.ledger.CreditInTx(tx, listing.SellerAccountHash, listing.Price, models.EntryKindProceeds, meta); err != nil {
			return err
		}
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("create trade: %w", err)
		}
		if err := c.registry.DeactivateStrictInTx(tx, listing.ID); err != nil {
			return err
		}
		pointer := models.AssetOwner{
			CollectionRef: listing.CollectionRef,
			AssetID:       listing.AssetID,
			AccountHash:   record.BuyerAccountHash,
			UpdatedAt:     now,
		}
		if err := tx.Save(&pointer).Error; err != nil {
			return fmt.Errorf("save owner pointer: %w", err)
		}
		record.State = models.SettlementLocallyCommitted
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return fmt.Errorf("save settlement: %w", err)
		}
		return nil
	})
	if err != nil {
		if raceLost {
			return nil, c.abort(ctx, record, err)
		}
		c.setState(ctx, record, models.SettlementInconsistent, err.Error())
		c.logger.Error("settlement inconsistent: chain confirmed, local commit failed",
			"settlement_id", record.ID.String(),
			"asset_id", listing.AssetID,
			"chain_tx_ref", txRef,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return trade, nil
}

// Inconsistent lists settlements stuck in INCONSISTENT for the operator API.
func (c *Coordinator) Inconsistent(ctx context.Context, limit int) ([]models.Settlement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.Settlement
	err := c.db.WithContext(ctx).
		Where("state = ?", models.SettlementInconsistent).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("settlement: load inconsistent: %w", err)
	}
	return rows, nil
}

// Get loads one settlement record.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.Settlement, error) {
	var row models.Settlement
	err := c.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settlement: not found")
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: load: %w", err)
	}
	return &row, nil
}

func (c *Coordinator) abort(ctx context.Context, record *models.Settlement, cause error) error {
	c.setState(ctx, record, models.SettlementAborted, cause.Error())
	return cause
}

func (c *Coordinator) setState(ctx context.Context, record *models.Settlement, state models.SettlementState, reason string) {
	record.State = state
	record.FailureReason = reason
	record.UpdatedAt = c.nowFn().UTC()
	if err := c.db.WithContext(ctx).Save(record).Error; err != nil {
		// The state row is observability, not correctness; losing an update
		// must not fail the settlement itself.
		c.logger.Warn("settlement state update failed",
			"settlement_id", record.ID.String(),
			"state", string(state),
			"error", err,
		)
	}
}
