package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	vmcrypto "veilmarket/crypto"
)

type signedIdentity struct {
	privHex     string
	address     string
	accountHash string
}

func newSignedIdentity(t *testing.T) signedIdentity {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	hash, err := vmcrypto.DeriveAccountHash(addr)
	if err != nil {
		t.Fatalf("derive account hash: %v", err)
	}
	return signedIdentity{
		privHex:     hex.EncodeToString(ethcrypto.FromECDSA(key)),
		address:     addr,
		accountHash: hash,
	}
}

func signedTestRequest(t *testing.T, id signedIdentity, nonce string, expiresAt int64) SignedRequest {
	t.Helper()
	env := vmcrypto.Envelope{
		ChainID: 1887,
		Action:  "buy",
		Signer:  id.address,
		Nonce:   nonce,
		Expiry:  expiresAt,
		Fields: []vmcrypto.Field{
			{Name: "asset", Value: "asset-1"},
			{Name: "listing", Value: "listing-1"},
			{Name: "price", Value: "0.20000000"},
		},
	}
	sig, err := vmcrypto.SignEnvelope(env, id.privHex)
	if err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	return SignedRequest{
		ChainID:   env.ChainID,
		Action:    env.Action,
		Signer:    env.Signer,
		Nonce:     env.Nonce,
		ExpiresAt: env.Expiry,
		Fields:    env.Fields,
		Signature: sig,
	}
}

func TestAuthorizeSuccessAndReplay(t *testing.T) {
	id := newSignedIdentity(t)
	current := time.Unix(1_700_000_000, 0).UTC()
	store := NewMemoryNonceStore(time.Minute, time.Hour, func() time.Time { return current })
	defer store.Close()
	authorizer := NewAuthorizer(store, func() time.Time { return current })

	req := signedTestRequest(t, id, "n-1", current.Add(time.Minute).Unix())
	signer, err := authorizer.Authorize(context.Background(), req, id.accountHash)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if signer != id.address {
		t.Fatalf("signer = %q, want %q", signer, id.address)
	}

	// Exact replay of the same request is rejected on the nonce.
	if _, err := authorizer.Authorize(context.Background(), req, id.accountHash); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay error = %v, want ErrReplayDetected", err)
	}
}

func TestAuthorizeExpiredLeavesNonceUnconsumed(t *testing.T) {
	id := newSignedIdentity(t)
	current := time.Unix(1_700_000_000, 0).UTC()
	store := NewMemoryNonceStore(time.Minute, time.Hour, func() time.Time { return current })
	defer store.Close()
	authorizer := NewAuthorizer(store, func() time.Time { return current })

	stale := signedTestRequest(t, id, "n-1", current.Add(-time.Second).Unix())
	if _, err := authorizer.Authorize(context.Background(), stale, id.accountHash); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired error = %v, want ErrExpired", err)
	}

	// The nonce was not burned, so a corrected request may reuse it.
	fresh := signedTestRequest(t, id, "n-1", current.Add(time.Minute).Unix())
	if _, err := authorizer.Authorize(context.Background(), fresh, id.accountHash); err != nil {
		t.Fatalf("reuse after expiry failure: %v", err)
	}
}

func TestAuthorizeAccountMismatch(t *testing.T) {
	id := newSignedIdentity(t)
	other := newSignedIdentity(t)
	store := NewMemoryNonceStore(time.Minute, time.Hour, nil)
	defer store.Close()
	authorizer := NewAuthorizer(store, nil)

	req := signedTestRequest(t, id, "n-1", time.Now().Add(time.Minute).Unix())
	if _, err := authorizer.Authorize(context.Background(), req, other.accountHash); !errors.Is(err, ErrAccountMismatch) {
		t.Fatalf("mismatch error = %v, want ErrAccountMismatch", err)
	}
}

func TestAuthorizeTamperedPayload(t *testing.T) {
	id := newSignedIdentity(t)
	store := NewMemoryNonceStore(time.Minute, time.Hour, nil)
	defer store.Close()
	authorizer := NewAuthorizer(store, nil)

	req := signedTestRequest(t, id, "n-1", time.Now().Add(time.Minute).Unix())
	req.Fields[2].Value = "0.00000001"
	if _, err := authorizer.Authorize(context.Background(), req, id.accountHash); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tamper error = %v, want ErrInvalidSignature", err)
	}

	// A signature forged by a different key over the same payload also fails.
	forged := signedTestRequest(t, id, "n-2", time.Now().Add(time.Minute).Unix())
	other := newSignedIdentity(t)
	otherSig, err := vmcrypto.SignEnvelope(vmcrypto.Envelope{
		ChainID: forged.ChainID,
		Action:  forged.Action,
		Signer:  other.address,
		Nonce:   forged.Nonce,
		Expiry:  forged.ExpiresAt,
		Fields:  forged.Fields,
	}, other.privHex)
	if err != nil {
		t.Fatalf("sign with other key: %v", err)
	}
	forged.Signature = otherSig
	if _, err := authorizer.Authorize(context.Background(), forged, id.accountHash); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged error = %v, want ErrInvalidSignature", err)
	}
}
