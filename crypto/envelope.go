package crypto

import (
	"fmt"
	"regexp"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignDomain binds every envelope hash to this marketplace and schema version.
// A signature produced for any other domain string fails recovery here.
const SignDomain = "veilmarket/settlement/v1"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Field is one named payload value included in the signed envelope. Order is
// part of the schema: the server builds fields in the declared action order and
// the client must sign them the same way.
type Field struct {
	Name  string
	Value string
}

// Envelope is the canonical signing payload for a marketplace action. It binds
// the domain, chain, action name, ordered payload fields, signer, nonce, and
// expiry into one keccak digest.
type Envelope struct {
	ChainID int64
	Action  string
	Signer  string
	Nonce   string
	Expiry  int64
	Fields  []Field
}

// Hash computes the canonical keccak256 digest of the envelope.
func (e Envelope) Hash() ([]byte, error) {
	if strings.TrimSpace(e.Action) == "" {
		return nil, fmt.Errorf("action required")
	}
	signer, err := NormalizeAddress(e.Signer)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	if strings.TrimSpace(e.Nonce) == "" {
		return nil, fmt.Errorf("nonce required")
	}
	var b strings.Builder
	b.WriteString(SignDomain)
	fmt.Fprintf(&b, "|chain=%d|action=%s|signer=%s", e.ChainID, e.Action, signer)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "|%s=%s", f.Name, f.Value)
	}
	fmt.Fprintf(&b, "|nonce=%s|exp=%d", strings.ToLower(strings.TrimSpace(e.Nonce)), e.Expiry)
	return ethcrypto.Keccak256([]byte(b.String())), nil
}

// SignEnvelope signs the envelope hash with the supplied hex private key. Used
// by tests and client tooling; the service itself only ever recovers.
func SignEnvelope(e Envelope, privKeyHex string) ([]byte, error) {
	hash, err := e.Hash()
	if err != nil {
		return nil, err
	}
	pkHex := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if pkHex == "" {
		return nil, fmt.Errorf("empty private key")
	}
	key, err := ethcrypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return sig, nil
}

// RecoverSigner recovers the signing address from an envelope signature. The
// returned address is normalized to lowercase hex.
func RecoverSigner(e Envelope, sig []byte) (string, error) {
	hash, err := e.Hash()
	if err != nil {
		return "", err
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("recover pubkey: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

// NormalizeAddress validates a 0x-prefixed 20-byte hex address and lowercases it.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !addressPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return strings.ToLower(trimmed), nil
}
