package crypto

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// accountDomain namespaces the hash derivation so an account hash can never
// collide with an envelope digest or any other keccak use in the system.
const accountDomain = "veilmarket/account/v1"

var accountHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// DeriveAccountHash maps a signer identity to its pooled-ledger key. The
// derivation is one-way: the ledger stores only the hash, never the identity,
// so balance rows cannot be linked back to a public address by inspection.
func DeriveAccountHash(signer string) (string, error) {
	normalized, err := NormalizeAddress(signer)
	if err != nil {
		return "", fmt.Errorf("derive account hash: %w", err)
	}
	digest := ethcrypto.Keccak256([]byte(accountDomain + "|" + normalized))
	return "0x" + hex.EncodeToString(digest), nil
}

// ValidAccountHash reports whether the value is shaped like a derived account
// hash. It says nothing about whether an account row exists.
func ValidAccountHash(h string) bool {
	return accountHashPattern.MatchString(strings.TrimSpace(h))
}
