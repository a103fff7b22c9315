// Package recon keeps locally cached listing state consistent with the
// marketplace contract. The contract cannot be rolled back, so reconciliation
// only ever corrects local rows; it never writes to the chain.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"veilmarket/chain"
	"veilmarket/listings"
	"veilmarket/models"
)

// Reconciler read-repairs stale ACTIVE listings against canonical chain state.
type Reconciler struct {
	reader   chain.Reader
	registry *listings.Registry
	db       *gorm.DB
	logger   *slog.Logger
	nowFn    func() time.Time
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Reader   chain.Reader
	Registry *listings.Registry
	DB       *gorm.DB
	Logger   *slog.Logger
	Now      func() time.Time
}

// New constructs a reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		reader:   cfg.Reader,
		registry: cfg.Registry,
		db:       cfg.DB,
		logger:   logger,
		nowFn:    nowFn,
	}
}

// Reconcile checks the local listing against the contract's canonical state.
// When the contract reports not-listed while the local row is ACTIVE, the row
// is deactivated idempotently and nil is returned; otherwise the local listing
// comes back unchanged. Every read path that would surface a possibly stale
// ACTIVE listing runs through here, as does the settlement precondition check.
func (r *Reconciler) Reconcile(ctx context.Context, collectionRef, assetID string, local *models.Listing) (*models.Listing, error) {
	if r == nil || r.reader == nil {
		return nil, fmt.Errorf("recon: reader not configured")
	}
	if local == nil || local.State != models.ListingActive {
		return local, nil
	}
	status, err := r.reader.GetListingStatus(ctx, collectionRef, assetID)
	if err != nil {
		return nil, fmt.Errorf("recon: read chain listing: %w", err)
	}
	if status.IsListed {
		return local, nil
	}
	if err := r.registry.DeactivateIdempotent(ctx, local.ID); err != nil {
		return nil, fmt.Errorf("recon: deactivate stale listing: %w", err)
	}
	r.logger.Info("read-repaired stale listing",
		"listing_id", local.ID.String(),
		"asset_id", assetID,
	)
	r.audit(ctx, local.ID, "listing.read_repaired", fmt.Sprintf("asset=%s collection=%s", assetID, collectionRef))
	return nil, nil
}

// RefreshOwner updates the denormalized ownership pointer from the contract's
// canonical owner reference. Display-only; failures are non-fatal to callers.
func (r *Reconciler) RefreshOwner(ctx context.Context, collectionRef, assetID string) error {
	owner, err := r.reader.GetOwner(ctx, collectionRef, assetID)
	if err != nil {
		return fmt.Errorf("recon: read owner: %w", err)
	}
	if owner == "" {
		return nil
	}
	pointer := models.AssetOwner{
		CollectionRef: collectionRef,
		AssetID:       assetID,
		AccountHash:   owner,
		UpdatedAt:     r.nowFn().UTC(),
	}
	if err := r.db.WithContext(ctx).Save(&pointer).Error; err != nil {
		return fmt.Errorf("recon: save owner pointer: %w", err)
	}
	return nil
}

// SweepActive reconciles every ACTIVE listing, returning how many were
// repaired. The background scheduler drives this; operators can also trigger
// it directly.
func (r *Reconciler) SweepActive(ctx context.Context) (int, error) {
	var active []models.Listing
	if err := r.db.WithContext(ctx).Where("state = ?", models.ListingActive).Find(&active).Error; err != nil {
		return 0, fmt.Errorf("recon: load active listings: %w", err)
	}
	repaired := 0
	for i := range active {
		listing := active[i]
		corrected, err := r.Reconcile(ctx, listing.CollectionRef, listing.AssetID, &listing)
		if err != nil {
			r.logger.Warn("sweep reconcile failed",
				"listing_id", listing.ID.String(),
				"asset_id", listing.AssetID,
				"error", err,
			)
			continue
		}
		if corrected == nil {
			repaired++
		}
	}
	return repaired, nil
}

func (r *Reconciler) audit(ctx context.Context, refID uuid.UUID, action, details string) {
	event := models.AuditEvent{
		ID:        uuid.New(),
		RefID:     &refID,
		Actor:     "system",
		Action:    action,
		Details:   details,
		CreatedAt: r.nowFn().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		r.logger.Warn("audit event write failed", "action", action, "error", err)
	}
}
