package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"veilmarket/auth"
	"veilmarket/chain"
	"veilmarket/ledger"
	"veilmarket/listings"
	"veilmarket/settlement"
)

// statusFor maps the domain error taxonomy onto conventional status codes:
// validation 400, authorization 401, not-found 404, state conflicts 409,
// insufficient funds 422, chain unavailable 503, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrAccountMismatch),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrReplayDetected):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, listings.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, listings.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, listings.ErrAlreadyListed),
		errors.Is(err, listings.ErrNotActive),
		errors.Is(err, settlement.ErrStaleListing),
		errors.Is(err, settlement.ErrPriceMismatch):
		return http.StatusConflict
	case errors.Is(err, chain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, settlement.ErrChainTransactionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		message = "internal error"
	}
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
