package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"veilmarket/chain"
	"veilmarket/ledger"
	"veilmarket/listings"
	"veilmarket/models"
	"veilmarket/recon"
)

const (
	buyerHash  = "0x" + "11111111111111111111111111111111" + "11111111111111111111111111111111"
	sellerHash = "0x" + "22222222222222222222222222222222" + "22222222222222222222222222222222"
)

type fakeChain struct {
	listed    map[string]bool
	txRefs    []string
	submitErr error
	submits   int
}

func (f *fakeChain) GetListingStatus(_ context.Context, _, assetID string) (*chain.ListingStatus, error) {
	return &chain.ListingStatus{IsListed: f.listed[assetID]}, nil
}

func (f *fakeChain) GetOwner(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (f *fakeChain) SubmitTransfer(_ context.Context, _ chain.TransferRequest) (string, error) {
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	ref := fmt.Sprintf("0xtx%04d", f.submits)
	f.txRefs = append(f.txRefs, ref)
	return ref, nil
}

func (f *fakeChain) SubmitListing(_ context.Context, _ chain.ListingRequest) (string, error) {
	return "0xlist", nil
}

func (f *fakeChain) SubmitOffer(_ context.Context, _ chain.OfferRequest) (string, error) {
	return "0xoffer", nil
}

type fixture struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	registry    *listings.Registry
	chain       *fakeChain
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(db, nil)
	registry := listings.New(db, nil)
	fake := &fakeChain{listed: map[string]bool{}}
	reconciler := recon.New(recon.Config{Reader: fake, Registry: registry, DB: db})
	coordinator := New(Config{
		DB:         db,
		Ledger:     led,
		Registry:   registry,
		Reconciler: reconciler,
		Writer:     fake,
		Now:        func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	return &fixture{db: db, ledger: led, registry: registry, chain: fake, coordinator: coordinator}
}

func (f *fixture) fund(t *testing.T, accountHash, amount string) {
	t.Helper()
	d, err := decimal.NewFromString(amount)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	if err := f.ledger.Credit(context.Background(), accountHash, d, models.EntryKindDeposit, ledger.EntryMeta{}); err != nil {
		t.Fatalf("fund %s: %v", accountHash, err)
	}
}

func (f *fixture) list(t *testing.T, assetID, priceStr string) *models.Listing {
	t.Helper()
	d, err := decimal.NewFromString(priceStr)
	if err != nil {
		t.Fatalf("parse price: %v", err)
	}
	listing, err := f.registry.Create(context.Background(), "col-1", assetID, sellerHash, d)
	if err != nil {
		t.Fatalf("list %s: %v", assetID, err)
	}
	f.chain.listed[assetID] = true
	return listing
}

func (f *fixture) balance(t *testing.T, accountHash string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountHash)
	if err != nil {
		t.Fatalf("balance %s: %v", accountHash, err)
	}
	return b
}

func (f *fixture) settlementState(t *testing.T, assetID string) models.SettlementState {
	t.Helper()
	var row models.Settlement
	if err := f.db.Order("created_at DESC").First(&row, "asset_id = ?", assetID).Error; err != nil {
		t.Fatalf("load settlement: %v", err)
	}
	return row.State
}

func TestExecuteTradeHappyPath(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "0.50000000")
	listing := f.list(t, "asset-1", "0.20000000")

	trade, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof")
	if err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if trade.ChainTxRef == "" {
		t.Fatal("trade missing chain tx ref")
	}
	if trade.BuyerAccountHash != buyerHash || trade.SellerAccountHash != sellerHash {
		t.Fatalf("trade parties %+v", trade)
	}

	if got := f.balance(t, buyerHash); !got.Equal(decimal.RequireFromString("0.30000000")) {
		t.Fatalf("buyer balance = %s, want 0.30000000", got)
	}
	if got := f.balance(t, sellerHash); !got.Equal(decimal.RequireFromString("0.20000000")) {
		t.Fatalf("seller balance = %s, want 0.20000000", got)
	}

	fresh, err := f.registry.Get(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("reload listing: %v", err)
	}
	if fresh.State != models.ListingInactive {
		t.Fatalf("listing state = %q, want INACTIVE", fresh.State)
	}

	var pointer models.AssetOwner
	if err := f.db.First(&pointer, "asset_id = ?", "asset-1").Error; err != nil {
		t.Fatalf("load owner pointer: %v", err)
	}
	if pointer.AccountHash != buyerHash {
		t.Fatalf("owner = %q, want buyer", pointer.AccountHash)
	}

	if got := f.settlementState(t, "asset-1"); got != models.SettlementLocallyCommitted {
		t.Fatalf("settlement state = %q, want LOCALLY_COMMITTED", got)
	}
}

func TestExecuteTradeInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "0.10000000")
	listing := f.list(t, "asset-1", "0.20000000")

	_, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if f.chain.submits != 0 {
		t.Fatalf("chain transfer submitted %d times on failed validation", f.chain.submits)
	}
	if got := f.settlementState(t, "asset-1"); got != models.SettlementAborted {
		t.Fatalf("settlement state = %q, want ABORTED", got)
	}
}

func TestExecuteTradePriceMismatch(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "1")
	listing := f.list(t, "asset-1", "0.20000000")

	_, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, decimal.RequireFromString("0.19000000"), "proof")
	if !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("err = %v, want ErrPriceMismatch", err)
	}
	if f.chain.submits != 0 {
		t.Fatalf("chain transfer submitted despite price mismatch")
	}
}

func TestExecuteTradeStaleListingRepairsWithoutChainCall(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "1")
	listing := f.list(t, "asset-1", "0.20000000")
	// The contract no longer has this asset listed.
	f.chain.listed["asset-1"] = false

	_, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof")
	if !errors.Is(err, ErrStaleListing) {
		t.Fatalf("err = %v, want ErrStaleListing", err)
	}
	if f.chain.submits != 0 {
		t.Fatalf("chain transfer submitted for stale listing")
	}

	// The read-repair deactivated the local row.
	fresh, err := f.registry.Get(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("reload listing: %v", err)
	}
	if fresh.State != models.ListingInactive {
		t.Fatalf("listing state = %q, want INACTIVE after repair", fresh.State)
	}
	// No money moved.
	if got := f.balance(t, buyerHash); !got.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("buyer balance = %s, want 1", got)
	}
}

func TestExecuteTradeChainFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "1")
	listing := f.list(t, "asset-1", "0.20000000")
	f.chain.submitErr = chain.ErrUnavailable

	_, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof")
	if !errors.Is(err, ErrChainTransactionFailed) {
		t.Fatalf("err = %v, want ErrChainTransactionFailed", err)
	}
	if !errors.Is(err, chain.ErrUnavailable) {
		t.Fatalf("err = %v, want wrapped chain.ErrUnavailable", err)
	}

	if got := f.balance(t, buyerHash); !got.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("buyer balance = %s, want 1", got)
	}
	if got := f.balance(t, sellerHash); !got.IsZero() {
		t.Fatalf("seller balance = %s, want 0", got)
	}
	fresh, err := f.registry.Get(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("reload listing: %v", err)
	}
	if fresh.State != models.ListingActive {
		t.Fatalf("listing state = %q, want still ACTIVE", fresh.State)
	}
	if got := f.settlementState(t, "asset-1"); got != models.SettlementAborted {
		t.Fatalf("settlement state = %q, want ABORTED", got)
	}
}

func TestExecuteTradeLoserOfListingRaceAborts(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "1")
	otherBuyer := "0x" + "33333333333333333333333333333333" + "33333333333333333333333333333333"
	f.fund(t, otherBuyer, "1")
	listing := f.list(t, "asset-1", "0.20000000")

	if _, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof-a"); err != nil {
		t.Fatalf("winner trade: %v", err)
	}
	// The second settlement for the same listing must fail cleanly, not go
	// inconsistent: the listing transition is the exclusion signal.
	_, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, otherBuyer, listing.Price, "proof-b")
	if !errors.Is(err, listings.ErrNotActive) {
		t.Fatalf("loser err = %v, want listings.ErrNotActive", err)
	}
	if errors.Is(err, ErrInconsistent) {
		t.Fatalf("loser was marked inconsistent: %v", err)
	}
	if got := f.balance(t, otherBuyer); !got.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("loser balance = %s, want untouched 1", got)
	}
}

func TestExecuteTradeLocalCommitFailureIsInconsistent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "1")
	listing := f.list(t, "asset-1", "0.20000000")

	// Occupy the tx ref the fake chain will hand out, so the trade insert
	// collides after the chain has already confirmed.
	blocker := models.Trade{
		ID:                uuid.New(),
		AssetID:           "asset-0",
		ListingID:         uuid.New(),
		BuyerAccountHash:  buyerHash,
		SellerAccountHash: sellerHash,
		Price:             decimal.RequireFromString("1"),
		ChainTxRef:        "0xtx0001",
		CreatedAt:         time.Now().UTC(),
	}
	if err := f.db.Create(&blocker).Error; err != nil {
		t.Fatalf("insert blocker trade: %v", err)
	}

	_, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof")
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("err = %v, want ErrInconsistent", err)
	}
	if got := f.settlementState(t, "asset-1"); got != models.SettlementInconsistent {
		t.Fatalf("settlement state = %q, want INCONSISTENT", got)
	}

	// The failed commit rolled back atomically: no partial money movement.
	if got := f.balance(t, buyerHash); !got.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("buyer balance = %s, want 1", got)
	}
	if got := f.balance(t, sellerHash); !got.IsZero() {
		t.Fatalf("seller balance = %s, want 0", got)
	}

	// And the operator listing surfaces it.
	rows, err := f.coordinator.Inconsistent(context.Background(), 10)
	if err != nil {
		t.Fatalf("inconsistent: %v", err)
	}
	if len(rows) != 1 || rows[0].ChainTxRef != "0xtx0001" {
		t.Fatalf("inconsistent rows %+v", rows)
	}
}

func TestExecuteTradeRejectsBadInputs(t *testing.T) {
	f := newFixture(t)
	listing := f.list(t, "asset-1", "0.20000000")

	if _, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, "not-a-hash", listing.Price, "proof"); err == nil {
		t.Fatal("expected error for malformed account hash")
	}
	if _, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, decimal.Zero, "proof"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("zero price err = %v, want ErrInvalidAmount", err)
	}
}

func TestGetSettlement(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerHash, "1")
	listing := f.list(t, "asset-1", "0.20000000")
	if _, err := f.coordinator.ExecuteTrade(context.Background(), "asset-1", listing.ID, buyerHash, listing.Price, "proof"); err != nil {
		t.Fatalf("trade: %v", err)
	}

	var row models.Settlement
	if err := f.db.First(&row, "asset_id = ?", "asset-1").Error; err != nil {
		t.Fatalf("load settlement: %v", err)
	}
	got, err := f.coordinator.Get(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.SettlementLocallyCommitted || got.ChainTxRef == "" {
		t.Fatalf("settlement %+v", got)
	}

	if _, err := f.coordinator.Get(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error for unknown settlement")
	}
}
