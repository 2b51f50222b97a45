// Package identity derives the stable content hash used to deduplicate
// transactions across repeated ingests.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dvloznov/sms-ledger/internal/domain"
)

// ContentHash computes the dedup hash over the fields that identify a
// transaction. The hash covers resolved date, amount, payee, account id and
// transaction state joined with a separator, so the same purchase ingested
// from two files hashes identically while a refund of the same amount does
// not. Every field must be non-empty.
func ContentHash(resolvedDate, amount, payee, accountID string, state domain.TransactionState) (string, error) {
	fields := map[string]string{
		"resolved date": resolvedDate,
		"amount":        amount,
		"payee":         payee,
		"account id":    accountID,
		"state":         string(state),
	}
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("content hash: missing %s", name)
		}
	}

	payload := strings.Join([]string{resolvedDate, amount, payee, accountID, string(state)}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}
