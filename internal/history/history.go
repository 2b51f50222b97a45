// Package history abstracts the source of prior transactions consulted by
// the anomaly rules.
package history

import (
	"context"
	"time"

	"github.com/dvloznov/sms-ledger/internal/anomaly"
)

// Provider returns prior transactions ordered oldest first. Implementations
// back onto the transaction store or, for tests and in-flight batches, onto
// memory.
type Provider interface {
	Before(ctx context.Context, at time.Time, limit int) ([]anomaly.Entry, error)
}

// Memory is an in-memory Provider. Entries are kept in append order, which
// callers must keep oldest first. Appending is allowed between queries so a
// batch can see its own earlier records.
type Memory struct {
	entries []anomaly.Entry
}

// NewMemory seeds a Memory provider with existing entries.
func NewMemory(entries []anomaly.Entry) *Memory {
	return &Memory{entries: append([]anomaly.Entry(nil), entries...)}
}

// Append records one more prior transaction.
func (m *Memory) Append(e anomaly.Entry) {
	m.entries = append(m.entries, e)
}

// Before returns up to limit trailing entries. The at parameter is ignored;
// the in-memory provider assumes its entries already precede the query
// point. limit <= 0 returns everything.
func (m *Memory) Before(_ context.Context, _ time.Time, limit int) ([]anomaly.Entry, error) {
	start := 0
	if limit > 0 && len(m.entries) > limit {
		start = len(m.entries) - limit
	}
	out := make([]anomaly.Entry, len(m.entries)-start)
	copy(out, m.entries[start:])
	return out, nil
}
