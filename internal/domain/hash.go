package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainStockMovement = "tillsync/stock-movement/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + part1 + 0x00 + part2 ...)
// The null separators prevent boundary ambiguity between parts.
func hashWithDomain(domain string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MovementID computes the ledger row ID for a stock deduction. It is stable
// for the same tenant, order, stock unit and reason, which lets the remote
// reject a second deduction for a redelivered settlement.
func MovementID(tenantID, orderID, stockItemID string, reason MovementReason) string {
	return hashWithDomain(DomainStockMovement, tenantID, orderID, stockItemID, string(reason))
}
