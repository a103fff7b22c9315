// Package listings holds the local listing state machine. A listing is either
// ACTIVE or INACTIVE; the marketplace contract stays authoritative for what is
// actually listed on chain, and the reconciler repairs any divergence.
package listings

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

	"veilmarket/ledger"
	"veilmarket/models"
)

var (
	// ErrAlreadyListed indicates an ACTIVE listing already exists for the asset.
	ErrAlreadyListed = errors.New("listings: asset already listed")
	// ErrNotActive indicates a strict deactivation hit an INACTIVE listing.
	ErrNotActive = errors.New("listings: listing not active")
	// ErrNotFound indicates the listing id is unknown.
	ErrNotFound = errors.New("listings: listing not found")
	// ErrInvalidPrice indicates a non-positive or over-precise price.
	ErrInvalidPrice = errors.New("listings: invalid price")
)

// Registry manages listing rows. Row-level locks on the asset's listings
// serialize racing creations and deactivations; the ACTIVE/INACTIVE transition
// is the mutual-exclusion signal between two settlements racing for one asset.
type Registry struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a registry backed by the provided database.
func New(db *gorm.DB, nowFn func() time.Time) *Registry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Registry{db: db, nowFn: nowFn}
}

// Create opens a new ACTIVE listing for the asset.
func (r *Registry) Create(ctx context.Context, collectionRef, assetID, sellerAccountHash string, price decimal.Decimal) (*models.Listing, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, fmt.Errorf("listings: asset id required")
	}
	if err := ledger.ValidateAmount(price); err != nil {
		return nil, ErrInvalidPrice
	}
	now := r.nowFn().UTC()
	listing := models.Listing{
		ID:                uuid.New(),
		CollectionRef:     strings.TrimSpace(collectionRef),
		AssetID:           assetID,
		SellerAccountHash: strings.ToLower(strings.TrimSpace(sellerAccountHash)),
		Price:             price,
		State:             models.ListingActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Listing
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "asset_id = ? AND state = ?", assetID, models.ListingActive).Error
		switch {
		case err == nil:
			return ErrAlreadyListed
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return fmt.Errorf("check active listing: %w", err)
		}
		if err := tx.Create(&listing).Error; err != nil {
			return fmt.Errorf("create listing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// DeactivateStrict transitions an ACTIVE listing to INACTIVE, failing when the
// listing is already INACTIVE. Used by explicit cancellation and by the
// settlement commit.
func (r *Registry) DeactivateStrict(ctx context.Context, listingID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.DeactivateStrictInTx(tx, listingID)
	})
}

// DeactivateStrictInTx is DeactivateStrict inside an existing transaction.
func (r *Registry) DeactivateStrictInTx(tx *gorm.DB, listingID uuid.UUID) error {
	listing, err := lockListing(tx, listingID)
	if err != nil {
		return err
	}
	if listing.State != models.ListingActive {
		return ErrNotActive
	}
	return r.markInactive(tx, listing)
}

// DeactivateIdempotent transitions a listing to INACTIVE, treating an already
// INACTIVE listing as success. Only reconciliation uses this: read-repair must
// not fail when two repairs race.
func (r *Registry) DeactivateIdempotent(ctx context.Context, listingID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		listing, err := lockListing(tx, listingID)
		if err != nil {
			return err
		}
		if listing.State != models.ListingActive {
			return nil
		}
		return r.markInactive(tx, listing)
	})
}

// ActiveForAsset returns the ACTIVE listing for an asset, or nil when there is
// none.
func (r *Registry) ActiveForAsset(ctx context.Context, assetID string) (*models.Listing, error) {
	var listing models.Listing
	err := r.db.WithContext(ctx).
		First(&listing, "asset_id = ? AND state = ?", strings.TrimSpace(assetID), models.ListingActive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active listing: %w", err)
	}
	return &listing, nil
}

// Get loads a listing by id.
func (r *Registry) Get(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := r.db.WithContext(ctx).First(&listing, "id = ?", listingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	return &listing, nil
}

func (r *Registry) markInactive(tx *gorm.DB, listing *models.Listing) error {
	listing.State = models.ListingInactive
	listing.UpdatedAt = r.nowFn().UTC()
	if err := tx.Save(listing).Error; err != nil {
		return fmt.Errorf("save listing: %w", err)
	}
	return nil
}

func lockListing(tx *gorm.DB, listingID uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&listing, "id = ?", listingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	return &listing, nil
}
