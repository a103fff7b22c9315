package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vmcrypto "veilmarket/crypto"
)

var (
	// ErrAccountMismatch means the signer identity does not derive to the
	// account hash the request claims to act for.
	ErrAccountMismatch = errors.New("auth: signer does not match account")
	// ErrInvalidSignature covers malformed signatures and signatures whose
	// recovered identity differs from the declared signer.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrExpired means the request's validity window has passed.
	ErrExpired = errors.New("auth: request expired")
	// ErrReplayDetected means the (signer, nonce) pair was already consumed.
	ErrReplayDetected = errors.New("auth: replay detected")
)

// SignedRequest is the ephemeral authorization input. It exists only for the
// duration of one Authorize call and is never persisted.
type SignedRequest struct {
	ChainID   int64
	Action    string
	Signer    string
	Nonce     string
	ExpiresAt int64
	Fields    []vmcrypto.Field
	Signature []byte
}

// Authorizer validates signed marketplace requests. It owns no state beyond
// the nonce store and the clock.
type Authorizer struct {
	nonces NonceStore
	nowFn  func() time.Time
}

// NewAuthorizer builds an Authorizer over the supplied nonce store.
func NewAuthorizer(nonces NonceStore, nowFn func() time.Time) *Authorizer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authorizer{nonces: nonces, nowFn: nowFn}
}

// Authorize runs the full authorization sequence and returns the normalized
// signer identity. The nonce is consumed only when every prior step passed:
// a request failing signature or expiry checks can be corrected and resent
// with the same nonce.
func (a *Authorizer) Authorize(ctx context.Context, req SignedRequest, expectedAccountHash string) (string, error) {
	if a == nil || a.nonces == nil {
		return "", fmt.Errorf("authorizer not configured")
	}
	derived, err := vmcrypto.DeriveAccountHash(req.Signer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccountMismatch, err)
	}
	if !strings.EqualFold(derived, strings.TrimSpace(expectedAccountHash)) {
		return "", ErrAccountMismatch
	}

	envelope := vmcrypto.Envelope{
		ChainID: req.ChainID,
		Action:  req.Action,
		Signer:  req.Signer,
		Nonce:   req.Nonce,
		Expiry:  req.ExpiresAt,
		Fields:  req.Fields,
	}
	recovered, err := vmcrypto.RecoverSigner(envelope, req.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	declared, err := vmcrypto.NormalizeAddress(req.Signer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != declared {
		return "", ErrInvalidSignature
	}

	if a.nowFn().UTC().Unix() > req.ExpiresAt {
		return "", ErrExpired
	}

	consumed, err := a.nonces.TryConsume(ctx, declared, req.Nonce)
	if err != nil {
		return "", fmt.Errorf("consume nonce: %w", err)
	}
	if !consumed {
		return "", ErrReplayDetected
	}
	return declared, nil
}
