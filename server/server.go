// Package server exposes the settlement engine over HTTP. The surface is
// deliberately thin: signed actions funnel through one decode/authorize path,
// reads are read-repaired, and operator endpoints sit behind bearer auth.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"veilmarket/auth"
	"veilmarket/chain"
	"veilmarket/ledger"
	"veilmarket/listings"
	"veilmarket/middleware"
	"veilmarket/models"
	"veilmarket/recon"
	"veilmarket/settlement"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Ledger        *ledger.Ledger
	Registry      *listings.Registry
	Reconciler    *recon.Reconciler
	Coordinator   *settlement.Coordinator
	Authorizer    *auth.Authorizer
	ChainWriter   chain.Writer
	ChainID       int64
	CollectionRef string
	Logger        *slog.Logger
	Observability *middleware.Observability
	RateLimiter   *middleware.RateLimiter
	OperatorAuth  *middleware.OperatorAuth
	Now           func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time
	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &Server{cfg: cfg, logger: logger, nowFn: nowFn}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Observability != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Observability.MetricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.instrument("actions"))
			r.Use(s.limit("actions"))
			r.Post("/actions", s.handleSignedAction)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.instrument("reads"))
			r.Use(s.limit("reads"))
			r.Get("/accounts/{accountHash}/balance", s.handleBalance)
			r.Get("/accounts/{accountHash}/history", s.handleHistory)
			r.Get("/assets/{assetID}/listing", s.handleAssetListing)
			r.Get("/assets/{assetID}/owner", s.handleAssetOwner)
			r.Get("/assets/{assetID}/trades", s.handleAssetTrades)
			r.Get("/settlements/{settlementID}", s.handleSettlement)
		})
		r.Route("/operator", func(r chi.Router) {
			r.Use(s.instrument("operator"))
			if s.cfg.OperatorAuth != nil {
				r.Use(s.cfg.OperatorAuth.Middleware)
			}
			r.Get("/settlements/inconsistent", s.handleInconsistent)
			r.Post("/recon/sweep", s.handleReconSweep)
			r.Post("/deposits", s.handleDeposit)
		})
	})
	return r
}

func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	if s.cfg.Observability == nil {
		return passthrough
	}
	return s.cfg.Observability.Middleware(route)
}

func (s *Server) limit(group string) func(http.Handler) http.Handler {
	if s.cfg.RateLimiter == nil {
		return passthrough
	}
	return s.cfg.RateLimiter.Middleware(group)
}

func passthrough(next http.Handler) http.Handler { return next }

// handleSignedAction is the single entry point for user mutations. The
// envelope is decoded and schema-checked first, then authorized (which is
// where the nonce burns), then dispatched.
func (s *Server) handleSignedAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	action, err := decodeSignedAction(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if action.request.ChainID != s.cfg.ChainID {
		writeError(w, http.StatusBadRequest, "wrong chain id")
		return
	}
	if _, err := s.cfg.Authorizer.Authorize(r.Context(), action.request, action.account); err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case action.createListing != nil:
		s.dispatchCreateListing(w, r, action)
	case action.cancelListing != nil:
		s.dispatchCancelListing(w, r, action)
	case action.buy != nil:
		s.dispatchBuy(w, r, action)
	case action.withdraw != nil:
		s.dispatchWithdraw(w, r, action)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) dispatchCreateListing(w http.ResponseWriter, r *http.Request, action *decodedAction) {
	ctx := r.Context()
	assetID := strings.TrimSpace(action.createListing.AssetID)

	existing, err := s.cfg.Registry.ActiveForAsset(ctx, assetID)
	if err != nil {
		s.internal(w, "check existing listing", err)
		return
	}
	if existing != nil {
		writeDomainError(w, listings.ErrAlreadyListed)
		return
	}

	// Chain first: the contract listing is the authoritative one, and a local
	// row without it would be repaired away by the reconciler anyway.
	txRef, err := s.cfg.ChainWriter.SubmitListing(ctx, chain.ListingRequest{
		CollectionRef: s.cfg.CollectionRef,
		AssetID:       assetID,
		Price:         action.price.StringFixed(ledger.Scale),
		SellerProof:   action.createListing.SellerProof,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	listing, err := s.cfg.Registry.Create(ctx, s.cfg.CollectionRef, assetID, action.account, action.price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"listing": listingView(listing),
		"txRef":   txRef,
	})
}

func (s *Server) dispatchCancelListing(w http.ResponseWriter, r *http.Request, action *decodedAction) {
	ctx := r.Context()
	listing, err := s.cfg.Registry.Get(ctx, action.listingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if listing.SellerAccountHash != action.account {
		writeDomainError(w, auth.ErrAccountMismatch)
		return
	}
	if err := s.cfg.Registry.DeactivateStrict(ctx, action.listingID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) dispatchBuy(w http.ResponseWriter, r *http.Request, action *decodedAction) {
	trade, err := s.cfg.Coordinator.ExecuteTrade(
		r.Context(),
		strings.TrimSpace(action.buy.AssetID),
		action.listingID,
		action.account,
		action.price,
		action.buy.BuyerProof,
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeView(trade))
}

func (s *Server) dispatchWithdraw(w http.ResponseWriter, r *http.Request, action *decodedAction) {
	ctx := r.Context()
	err := s.cfg.Ledger.Debit(ctx, action.account, action.amount, models.EntryKindWithdraw, ledger.EntryMeta{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	balance, err := s.cfg.Ledger.Balance(ctx, action.account)
	if err != nil {
		s.internal(w, "read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.StringFixed(ledger.Scale)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.cfg.Ledger.Balance(r.Context(), chi.URLParam(r, "accountHash"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.StringFixed(ledger.Scale)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Ledger.Entries(r.Context(), chi.URLParam(r, "accountHash"), 100)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]string, 0, len(entries))
	for i := range entries {
		entry := entries[i]
		views = append(views, map[string]string{
			"id":          entry.ID.String(),
			"kind":        entry.Kind,
			"amount":      entry.Amount.StringFixed(ledger.Scale),
			"assetId":     entry.AssetID,
			"externalRef": entry.ExternalRef,
			"createdAt":   entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": views})
}

// handleAssetListing is a read-repaired read: a stale ACTIVE row is corrected
// against the chain before anything is returned to the caller.
func (s *Server) handleAssetListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assetID := chi.URLParam(r, "assetID")
	listing, err := s.cfg.Registry.ActiveForAsset(ctx, assetID)
	if err != nil {
		s.internal(w, "load listing", err)
		return
	}
	if listing != nil {
		listing, err = s.cfg.Reconciler.Reconcile(ctx, listing.CollectionRef, assetID, listing)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if listing == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"listing": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"listing": listingView(listing)})
}

func (s *Server) handleAssetOwner(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	var pointer models.AssetOwner
	err := s.cfg.DB.WithContext(r.Context()).
		First(&pointer, "collection_ref = ? AND asset_id = ?", s.cfg.CollectionRef, assetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "owner not tracked")
		return
	}
	if err != nil {
		s.internal(w, "load owner pointer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"accountHash": pointer.AccountHash,
		"updatedAt":   pointer.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAssetTrades(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	var trades []models.Trade
	err := s.cfg.DB.WithContext(r.Context()).
		Where("asset_id = ?", assetID).
		Order("created_at DESC").
		Limit(100).
		Find(&trades).Error
	if err != nil {
		s.internal(w, "load trades", err)
		return
	}
	views := make([]map[string]string, 0, len(trades))
	for i := range trades {
		views = append(views, tradeView(&trades[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": views})
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "settlementID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed settlement id")
		return
	}
	row, err := s.cfg.Coordinator.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	writeJSON(w, http.StatusOK, settlementView(row))
}

func (s *Server) handleInconsistent(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Coordinator.Inconsistent(r.Context(), 100)
	if err != nil {
		s.internal(w, "load inconsistent settlements", err)
		return
	}
	views := make([]map[string]string, 0, len(rows))
	for i := range rows {
		views = append(views, settlementView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": views})
}

func (s *Server) handleReconSweep(w http.ResponseWriter, r *http.Request) {
	repaired, err := s.cfg.Reconciler.SweepActive(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"repaired": repaired})
}

// handleDeposit credits a pool deposit observed on chain. The ledger-entry
// uniqueness on (kind, external_ref) makes replays of the same deposit a
// conflict instead of a double credit.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountHash string `json:"accountHash"`
		Amount      string `json:"amount"`
		TxRef       string `json:"txRef"`
	}
	if err := decodeStrict(readBody(r), &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	txRef := strings.TrimSpace(payload.TxRef)
	if txRef == "" {
		writeError(w, http.StatusBadRequest, "txRef required")
		return
	}
	err = s.cfg.Ledger.Credit(r.Context(), payload.AccountHash, amount, models.EntryKindDeposit, ledger.EntryMeta{ExternalRef: txRef})
	if err != nil {
		if isDuplicate(err) {
			writeError(w, http.StatusConflict, "deposit already credited")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "credited"})
}

func (s *Server) internal(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

func readBody(r *http.Request) []byte {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil
	}
	return body
}

func listingView(listing *models.Listing) map[string]string {
	return map[string]string{
		"id":        listing.ID.String(),
		"assetId":   listing.AssetID,
		"seller":    listing.SellerAccountHash,
		"price":     listing.Price.StringFixed(ledger.Scale),
		"state":     string(listing.State),
		"createdAt": listing.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func tradeView(trade *models.Trade) map[string]string {
	return map[string]string{
		"id":         trade.ID.String(),
		"assetId":    trade.AssetID,
		"listingId":  trade.ListingID.String(),
		"buyer":      trade.BuyerAccountHash,
		"seller":     trade.SellerAccountHash,
		"price":      trade.Price.StringFixed(ledger.Scale),
		"chainTxRef": trade.ChainTxRef,
		"createdAt":  trade.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func settlementView(row *models.Settlement) map[string]string {
	return map[string]string{
		"id":            row.ID.String(),
		"assetId":       row.AssetID,
		"listingId":     row.ListingID.String(),
		"buyer":         row.BuyerAccountHash,
		"price":         row.Price.StringFixed(ledger.Scale),
		"state":         string(row.State),
		"chainTxRef":    row.ChainTxRef,
		"failureReason": row.FailureReason,
		"updatedAt":     row.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
