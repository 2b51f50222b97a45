// Package sqlite persists transaction records with content-hash
// deduplication.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"github.com/dvloznov/sms-ledger/internal/anomaly"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/textnorm"
)

// Mode selects how a duplicate record is handled.
type Mode string

const (
	// ModeSkip leaves the stored record untouched when the content hash or
	// the identity tuple already exists.
	ModeSkip Mode = "skip"
	// ModeUpsert overwrites the stored record's mutable fields.
	ModeUpsert Mode = "upsert"
)

// ParseMode validates a mode string from a flag or config value.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSkip:
		return ModeSkip, nil
	case ModeUpsert:
		return ModeUpsert, nil
	default:
		return "", fmt.Errorf("unknown write mode %q (want skip or upsert)", s)
	}
}

// Outcome reports what happened to one record during a put.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Result pairs a record id with its put outcome.
type Result struct {
	RecordID string
	Outcome  Outcome
	Err      error
}

// Store wraps the SQLite database holding transactions and the audit trail
// of messages without a dedup identity.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	text            TEXT NOT NULL,
	text_repaired   INTEGER NOT NULL DEFAULT 0,
	bank            TEXT NOT NULL,
	template        TEXT,
	amount          TEXT NOT NULL,
	currency        TEXT,
	date_raw        TEXT,
	resolved_date   TEXT NOT NULL,
	payee           TEXT NOT NULL,
	transaction_type TEXT,
	card_suffix     TEXT,
	confidence      TEXT NOT NULL,
	account_id      TEXT NOT NULL,
	account_type    TEXT,
	account_label   TEXT,
	category        TEXT,
	subcategory     TEXT,
	tags            TEXT,
	category_priority TEXT,
	anomalies       TEXT,
	state           TEXT NOT NULL,
	state_reason    TEXT,
	content_hash    TEXT NOT NULL,
	ingested_at     TEXT NOT NULL,
	UNIQUE (resolved_date, payee, amount, account_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_content_hash ON transactions (content_hash);
CREATE INDEX IF NOT EXISTS idx_transactions_resolved_date ON transactions (resolved_date);
CREATE INDEX IF NOT EXISTS idx_transactions_payee ON transactions (payee);
CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions (category);

CREATE TABLE IF NOT EXISTS messages_audit (
	id            TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	bank          TEXT,
	state         TEXT NOT NULL,
	state_reason  TEXT,
	confidence    TEXT,
	content_hash  TEXT NOT NULL DEFAULT '',
	ingested_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_audit_state ON messages_audit (state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_audit_content_hash
	ON messages_audit (content_hash) WHERE content_hash <> '';
`

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, log zerolog.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{log: log.With().Str("component", "store").Logger(), db: db}
	s.log.Info().Str("path", path).Msg("database opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutBatch writes a batch of records inside one transaction. Monetary
// records with a content hash go to the transactions table under the given
// mode; everything else goes to the audit table, where a record carrying a
// hash is written once and skipped on re-ingest. A record that fails to
// write is reported as failed and the rest of the batch continues; only a
// transaction-level error rolls the whole batch back.
func (s *Store) PutBatch(ctx context.Context, records []domain.TransactionRecord, mode Mode) ([]Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		var outcome Outcome
		var putErr error
		if rec.State == domain.StateMonetary && rec.ContentHash != "" {
			outcome, putErr = s.putTransaction(ctx, tx, rec, mode, now)
		} else {
			outcome, putErr = s.putAudit(ctx, tx, rec, now)
		}
		if putErr != nil {
			s.log.Error().Err(putErr).Str("record", rec.ID).Msg("record write failed")
			outcome = OutcomeFailed
		}
		results = append(results, Result{RecordID: rec.ID, Outcome: outcome, Err: putErr})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return results, nil
}

func (s *Store) putTransaction(ctx context.Context, tx *sql.Tx, rec domain.TransactionRecord, mode Mode, now string) (Outcome, error) {
	amount, err := canonicalAmount(rec.Amount)
	if err != nil {
		return OutcomeFailed, err
	}

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM transactions WHERE content_hash = ?`, rec.ContentHash,
	).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return OutcomeFailed, fmt.Errorf("lookup %s: %w", rec.ContentHash, err)
	default:
		if mode == ModeSkip {
			return OutcomeSkipped, nil
		}
		return s.updateTransaction(ctx, tx, existingID, rec, amount)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, text, text_repaired, bank, template, amount, currency,
			date_raw, resolved_date, payee, transaction_type, card_suffix,
			confidence, account_id, account_type, account_label, category,
			subcategory, tags, category_priority, anomalies, state,
			state_reason, content_hash, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Text, boolInt(rec.TextRepaired), rec.Bank, rec.Template,
		amount, deref(rec.Currency), deref(rec.DateRaw), deref(rec.ResolvedDate),
		deref(rec.Payee), deref(rec.TransactionType), deref(rec.CardSuffix),
		string(rec.Confidence), rec.AccountID, string(rec.AccountType),
		rec.AccountLabel, rec.Category, rec.Subcategory, joinTags(rec.Tags),
		string(rec.CategoryPriority), joinAnomalies(rec.Anomalies),
		string(rec.State), rec.StateReason, rec.ContentHash, now,
	)
	if err != nil {
		// The identity tuple can collide without a hash collision when two
		// texts describe the same purchase; treat it as a duplicate.
		if isConstraintErr(err) {
			if mode == ModeSkip {
				return OutcomeSkipped, nil
			}
			var dupID string
			scanErr := tx.QueryRowContext(ctx,
				`SELECT id FROM transactions WHERE resolved_date = ? AND payee = ? AND amount = ? AND account_id = ?`,
				deref(rec.ResolvedDate), deref(rec.Payee), amount, rec.AccountID,
			).Scan(&dupID)
			if scanErr != nil {
				return OutcomeFailed, fmt.Errorf("resolve duplicate: %w", scanErr)
			}
			return s.updateTransaction(ctx, tx, dupID, rec, amount)
		}
		return OutcomeFailed, fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	return OutcomeInserted, nil
}

func (s *Store) updateTransaction(ctx context.Context, tx *sql.Tx, id string, rec domain.TransactionRecord, amount string) (Outcome, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			text = ?, text_repaired = ?, bank = ?, template = ?, amount = ?,
			currency = ?, date_raw = ?, resolved_date = ?, payee = ?,
			transaction_type = ?, card_suffix = ?, confidence = ?,
			account_id = ?, account_type = ?, account_label = ?, category = ?,
			subcategory = ?, tags = ?, category_priority = ?, anomalies = ?,
			state = ?, state_reason = ?, content_hash = ?
		WHERE id = ?`,
		rec.Text, boolInt(rec.TextRepaired), rec.Bank, rec.Template,
		amount, deref(rec.Currency), deref(rec.DateRaw), deref(rec.ResolvedDate),
		deref(rec.Payee), deref(rec.TransactionType), deref(rec.CardSuffix),
		string(rec.Confidence), rec.AccountID, string(rec.AccountType),
		rec.AccountLabel, rec.Category, rec.Subcategory, joinTags(rec.Tags),
		string(rec.CategoryPriority), joinAnomalies(rec.Anomalies),
		string(rec.State), rec.StateReason, rec.ContentHash, id,
	)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("update %s: %w", id, err)
	}
	return OutcomeUpdated, nil
}

func (s *Store) putAudit(ctx context.Context, tx *sql.Tx, rec domain.TransactionRecord, now string) (Outcome, error) {
	// Hashed audit rows dedup on the hash so re-ingesting the same declined
	// or OTP message never piles up duplicates. Hashless rows have no stable
	// identity to dedup on and insert unconditionally.
	if rec.ContentHash != "" {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages_audit WHERE content_hash = ?`, rec.ContentHash,
		).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			// fall through to insert
		case err != nil:
			return OutcomeFailed, fmt.Errorf("audit lookup %s: %w", rec.ContentHash, err)
		default:
			return OutcomeSkipped, nil
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages_audit (id, text, bank, state, state_reason, confidence, content_hash, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Text, rec.Bank, string(rec.State), rec.StateReason,
		string(rec.Confidence), rec.ContentHash, now,
	)
	if err != nil {
		if isConstraintErr(err) {
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, fmt.Errorf("audit insert %s: %w", rec.ID, err)
	}
	return OutcomeInserted, nil
}

// History returns up to limit monetary transactions with resolved_date at or
// before the given date, oldest first, shaped for the anomaly rules.
func (s *Store) History(ctx context.Context, at time.Time, limit int) ([]anomaly.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount, payee, resolved_date FROM (
			SELECT amount, payee, resolved_date FROM transactions
			WHERE state = ? AND resolved_date <= ?
			ORDER BY resolved_date DESC LIMIT ?
		) ORDER BY resolved_date ASC`,
		string(domain.StateMonetary), at.Format("2006-01-02"), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []anomaly.Entry
	for rows.Next() {
		var amountStr, payee, date string
		if err := rows.Scan(&amountStr, &payee, &date); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry := anomaly.Entry{Payee: payee, Date: date}
		if d, err := decimal.NewFromString(amountStr); err == nil {
			entry.Amount = &d
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the number of stored transactions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

// canonicalAmount normalizes the amount string so "150.5" and "150.50"
// produce the same stored value and therefore the same identity tuple.
func canonicalAmount(amount *string) (string, error) {
	if amount == nil || *amount == "" {
		return "", fmt.Errorf("record has no amount")
	}
	d, err := decimal.NewFromString(textnorm.NormalizeDecimal(*amount))
	if err != nil {
		return "", fmt.Errorf("parse amount %q: %w", *amount, err)
	}
	return d.String(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func joinAnomalies(flags []domain.AnomalyFlag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
