// Package chain wraps the marketplace contract's JSON-RPC surface. The
// contract and its encrypted-computation coprocessor remain authoritative for
// custody and listing existence; this client only reads canonical state and
// submits transactions through the relayer agent.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	maxSubmitBackoff   = 30 * time.Second
)

// ErrUnavailable wraps transport failures reaching the chain RPC endpoint.
// These are the only failures the submit path retries.
var ErrUnavailable = errors.New("chain: endpoint unavailable")

// RPCError is a definitive rejection returned by the contract or relayer.
// It is never retried: the node evaluated the request and said no.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: rpc error %d %s", e.Code, e.Message)
}

// ListingStatus is the contract's canonical view of one asset's listing.
type ListingStatus struct {
	IsListed bool            `json:"isListed"`
	Price    decimal.Decimal `json:"price"`
}

// TransferRequest asks the relayer to execute an anonymous purchase transfer.
// BuyerProof is the buyer's encrypted-identity proof, opaque to this service.
type TransferRequest struct {
	CollectionRef string `json:"collection"`
	AssetID       string `json:"assetId"`
	Price         string `json:"price"`
	BuyerProof    string `json:"buyerProof"`
}

// ListingRequest asks the relayer to list an asset on the contract.
type ListingRequest struct {
	CollectionRef string `json:"collection"`
	AssetID       string `json:"assetId"`
	Price         string `json:"price"`
	SellerProof   string `json:"sellerProof"`
}

// OfferRequest asks the relayer to record an off-list offer on the contract.
type OfferRequest struct {
	CollectionRef string `json:"collection"`
	AssetID       string `json:"assetId"`
	Price         string `json:"price"`
	BuyerProof    string `json:"buyerProof"`
}

// Reader exposes the canonical read calls the reconciler depends on.
type Reader interface {
	GetListingStatus(ctx context.Context, collectionRef, assetID string) (*ListingStatus, error)
	GetOwner(ctx context.Context, collectionRef, assetID string) (string, error)
}

// Writer exposes the transaction-submitting calls the settlement coordinator
// depends on. Each returns the chain transaction reference on success.
type Writer interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
	SubmitListing(ctx context.Context, req ListingRequest) (string, error)
	SubmitOffer(ctx context.Context, req OfferRequest) (string, error)
}

// Config represents the client configuration.
type Config struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
}

// Client provides a thin JSON-RPC wrapper over the marketplace contract node.
type Client struct {
	url         string
	maxAttempts int
	httpClient  *http.Client
	nextID      atomic.Int64
	sleepFn     func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Client{
		url:         strings.TrimSpace(cfg.URL),
		maxAttempts: attempts,
		httpClient:  &http.Client{Timeout: timeout},
		sleepFn:     sleepContext,
	}
}

// GetListingStatus returns the contract's canonical listing state for an asset.
func (c *Client) GetListingStatus(ctx context.Context, collectionRef, assetID string) (*ListingStatus, error) {
	var result struct {
		IsListed bool   `json:"isListed"`
		Price    string `json:"price"`
	}
	params := []interface{}{collectionRef, assetID}
	if err := c.call(ctx, "market_getListing", params, &result); err != nil {
		return nil, err
	}
	status := &ListingStatus{IsListed: result.IsListed}
	if trimmed := strings.TrimSpace(result.Price); trimmed != "" {
		price, err := decimal.NewFromString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("chain: parse listing price: %w", err)
		}
		status.Price = price
	}
	return status, nil
}

// GetOwner returns the contract's encrypted-identity reference for the current
// owner of an asset.
func (c *Client) GetOwner(ctx context.Context, collectionRef, assetID string) (string, error) {
	var result struct {
		Owner string `json:"owner"`
	}
	params := []interface{}{collectionRef, assetID}
	if err := c.call(ctx, "market_getOwner", params, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Owner), nil
}

// SubmitTransfer submits the purchase transfer and returns its tx reference.
func (c *Client) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	return c.submit(ctx, "market_submitTransfer", req)
}

// SubmitListing submits a listing transaction and returns its tx reference.
func (c *Client) SubmitListing(ctx context.Context, req ListingRequest) (string, error) {
	return c.submit(ctx, "market_submitListing", req)
}

// SubmitOffer submits an offer transaction and returns its tx reference.
func (c *Client) SubmitOffer(ctx context.Context, req OfferRequest) (string, error) {
	return c.submit(ctx, "market_submitOffer", req)
}

// submit runs a write call with capped exponential backoff. Only transport
// failures retry; a definitive RPCError means the node already evaluated the
// transaction, and resubmitting an irreversible mutation blindly is worse than
// surfacing the failure.
func (c *Client) submit(ctx context.Context, method string, payload interface{}) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var result struct {
			Success bool   `json:"success"`
			TxRef   string `json:"txRef"`
			Error   string `json:"error"`
		}
		err := c.call(ctx, method, []interface{}{payload}, &result)
		if err == nil {
			if !result.Success {
				return "", &RPCError{Code: -1, Message: strings.TrimSpace(result.Error)}
			}
			txRef := strings.TrimSpace(result.TxRef)
			if txRef == "" {
				return "", fmt.Errorf("chain: %s returned empty tx ref", method)
			}
			return txRef, nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", err
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		if err := c.sleepFn(ctx, submitBackoff(attempt)); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, method, c.maxAttempts, lastErr)
}

func submitBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > maxSubmitBackoff {
		return maxSubmitBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("chain: client not configured")
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("chain: empty result for %s", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var (
	_ Reader = (*Client)(nil)
	_ Writer = (*Client)(nil)
)
