package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"veilmarket/auth"
	vmcrypto "veilmarket/crypto"
)

// Signed action names. Anything else fails closed at the decode boundary,
// before the authorizer ever sees the request.
const (
	ActionCreateListing = "create_listing"
	ActionCancelListing = "cancel_listing"
	ActionBuy           = "buy"
	ActionWithdraw      = "withdraw"
)

// signedEnvelope is the wire shape of a signed marketplace action.
type signedEnvelope struct {
	ChainID     int64           `json:"chainId"`
	Action      string          `json:"action"`
	Signer      string          `json:"signer"`
	AccountHash string          `json:"accountHash"`
	Nonce       string          `json:"nonce"`
	ExpiresAt   int64           `json:"expiresAt"`
	Signature   string          `json:"signature"`
	Payload     json.RawMessage `json:"payload"`
}

// createListingPayload lists an asset at a price.
type createListingPayload struct {
	AssetID     string `json:"assetId"`
	Price       string `json:"price"`
	SellerProof string `json:"sellerProof"`
}

// cancelListingPayload withdraws an active listing.
type cancelListingPayload struct {
	ListingID string `json:"listingId"`
}

// buyPayload purchases a listed asset from the pooled balance.
type buyPayload struct {
	AssetID    string `json:"assetId"`
	ListingID  string `json:"listingId"`
	Price      string `json:"price"`
	BuyerProof string `json:"buyerProof"`
}

// withdrawPayload debits the pooled balance back toward the chain.
type withdrawPayload struct {
	Amount string `json:"amount"`
}

// decodedAction is the result of decoding and schema-validating one envelope.
// Fields holds the canonical signing order for the action's payload.
type decodedAction struct {
	request auth.SignedRequest
	account string

	createListing *createListingPayload
	cancelListing *cancelListingPayload
	buy           *buyPayload
	withdraw      *withdrawPayload

	listingID uuid.UUID
	price     decimal.Decimal
	amount    decimal.Decimal
}

// decodeSignedAction parses the envelope and its action payload, failing
// closed: unknown actions, unknown payload fields, and malformed values are
// all rejected here.
func decodeSignedAction(body []byte) (*decodedAction, error) {
	var envelope signedEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(envelope.AccountHash) == "" {
		return nil, fmt.Errorf("accountHash required")
	}
	if !vmcrypto.ValidAccountHash(envelope.AccountHash) {
		return nil, fmt.Errorf("malformed accountHash")
	}
	signature, err := decodeSignature(envelope.Signature)
	if err != nil {
		return nil, err
	}

	out := &decodedAction{
		account: strings.ToLower(strings.TrimSpace(envelope.AccountHash)),
		request: auth.SignedRequest{
			ChainID:   envelope.ChainID,
			Action:    envelope.Action,
			Signer:    envelope.Signer,
			Nonce:     envelope.Nonce,
			ExpiresAt: envelope.ExpiresAt,
			Signature: signature,
		},
	}

	switch envelope.Action {
	case ActionCreateListing:
		var payload createListingPayload
		if err := decodeStrict(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		out.price, err = parseAmount(payload.Price)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		if strings.TrimSpace(payload.AssetID) == "" {
			return nil, fmt.Errorf("assetId required")
		}
		out.createListing = &payload
		out.request.Fields = []vmcrypto.Field{
			{Name: "asset", Value: strings.TrimSpace(payload.AssetID)},
			{Name: "price", Value: out.price.StringFixed(8)},
		}
	case ActionCancelListing:
		var payload cancelListingPayload
		if err := decodeStrict(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		out.listingID, err = uuid.Parse(strings.TrimSpace(payload.ListingID))
		if err != nil {
			return nil, fmt.Errorf("listingId: %w", err)
		}
		out.cancelListing = &payload
		out.request.Fields = []vmcrypto.Field{
			{Name: "listing", Value: out.listingID.String()},
		}
	case ActionBuy:
		var payload buyPayload
		if err := decodeStrict(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		out.listingID, err = uuid.Parse(strings.TrimSpace(payload.ListingID))
		if err != nil {
			return nil, fmt.Errorf("listingId: %w", err)
		}
		out.price, err = parseAmount(payload.Price)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		if strings.TrimSpace(payload.AssetID) == "" {
			return nil, fmt.Errorf("assetId required")
		}
		out.buy = &payload
		out.request.Fields = []vmcrypto.Field{
			{Name: "asset", Value: strings.TrimSpace(payload.AssetID)},
			{Name: "listing", Value: out.listingID.String()},
			{Name: "price", Value: out.price.StringFixed(8)},
		}
	case ActionWithdraw:
		var payload withdrawPayload
		if err := decodeStrict(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		out.amount, err = parseAmount(payload.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		out.withdraw = &payload
		out.request.Fields = []vmcrypto.Field{
			{Name: "amount", Value: out.amount.StringFixed(8)},
		}
	default:
		return nil, fmt.Errorf("unknown action %q", envelope.Action)
	}
	return out, nil
}

func decodeStrict(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload required")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signature required")
	}
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signature encoding: %w", err)
	}
	return sig, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("value required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, err
	}
	if !value.IsPositive() || !value.Equal(value.Truncate(8)) {
		return decimal.Zero, fmt.Errorf("must be positive with at most 8 decimals")
	}
	return value, nil
}
