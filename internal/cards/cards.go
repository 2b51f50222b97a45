// Package cards extracts card suffixes from message text and resolves them
// to account metadata from a configured lookup table.
package cards

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/textnorm"
)

// Suffix patterns are tried in declared order; the first hit wins. The
// trailing (?:\D|$) group rejects runs of five or more digits, so a longer
// account number never yields a spurious 4-digit suffix.
var suffixPatterns = []*regexp.Regexp{
	// English
	regexp.MustCompile(`(?i)(?:ending|card ending|ends with)\s+(\d{4})(?:\D|$)`),
	regexp.MustCompile(`(?i)card\s+(?:number\s+)?(?:\*+\s*)?(\d{4})(?:\D|$)`),
	regexp.MustCompile(`\*+(\d{4})(?:\D|$)`),
	// Arabic
	regexp.MustCompile(`(?:رقم|بطاقة رقم|ينتهي)\s+(\d{4})(?:\D|$)`),
	regexp.MustCompile(`(?:بطاقة)\s+(?:\*+\s*)?(\d{4})(?:\D|$)`),
}

// ExtractSuffix scans text for a 4-digit card suffix using the ordered
// English and Arabic pattern list. Arabic-Indic digits are folded before
// matching. Returns false when no pattern matches.
func ExtractSuffix(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	folded := textnorm.FoldDigits(text)
	for _, re := range suffixPatterns {
		if m := re.FindStringSubmatch(folded); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Metadata describes the account a card suffix resolves to.
type Metadata struct {
	AccountID    string
	AccountType  domain.AccountType
	InterestRate *float64
	CreditLimit  *float64
	BillingCycle *int
	Label        string
	CardSuffix   string
	IsKnown      bool
}

// File is the on-disk shape of the account table.
type File struct {
	Accounts []accountEntry `yaml:"accounts"`
}

type accountEntry struct {
	Suffix       string   `yaml:"suffix"`
	AccountID    string   `yaml:"account_id"`
	AccountType  string   `yaml:"account_type"`
	InterestRate *float64 `yaml:"interest_rate"`
	CreditLimit  *float64 `yaml:"credit_limit"`
	BillingCycle *int     `yaml:"billing_cycle"`
	Label        string   `yaml:"label"`
}

// Resolver looks up account metadata by card suffix. The table is an
// immutable snapshot swapped atomically on reload.
type Resolver struct {
	log   zerolog.Logger
	path  string
	table atomic.Pointer[map[string]Metadata]
}

// New builds a Resolver from the account table at path. A structurally
// invalid record (missing required field, bad suffix or billing cycle) fails
// here, at load time, never later at lookup time. A missing file yields an
// empty table with a warning.
func New(log zerolog.Logger, path string) (*Resolver, error) {
	r := &Resolver{log: log.With().Str("component", "cards").Logger(), path: path}

	table, err := loadTable(path)
	if err != nil {
		if isMissing(err) {
			r.log.Warn().Str("path", path).Msg("accounts file missing, all suffixes will resolve as unknown")
			empty := map[string]Metadata{}
			r.table.Store(&empty)
			return r, nil
		}
		return nil, fmt.Errorf("accounts: %w", err)
	}
	r.table.Store(table)
	r.log.Info().Int("accounts", len(*table)).Msg("account table loaded")
	return r, nil
}

func isMissing(err error) bool {
	return config.IsMissing(err)
}

var suffixShape = regexp.MustCompile(`^\d{4}$`)

func loadTable(path string) (*map[string]Metadata, error) {
	var file File
	if err := config.ReadYAML(path, &file); err != nil {
		return nil, err
	}

	table := make(map[string]Metadata, len(file.Accounts))
	for _, e := range file.Accounts {
		if !suffixShape.MatchString(e.Suffix) {
			return nil, fmt.Errorf("%s: account suffix %q is not 4 digits", path, e.Suffix)
		}
		if e.AccountID == "" {
			return nil, fmt.Errorf("%s: account %q missing required field account_id", path, e.Suffix)
		}
		if e.AccountType == "" {
			return nil, fmt.Errorf("%s: account %q missing required field account_type", path, e.Suffix)
		}
		if e.BillingCycle != nil && (*e.BillingCycle < 1 || *e.BillingCycle > 31) {
			return nil, fmt.Errorf("%s: account %q billing_cycle %d out of range 1-31", path, e.Suffix, *e.BillingCycle)
		}
		table[e.Suffix] = Metadata{
			AccountID:    e.AccountID,
			AccountType:  parseAccountType(e.AccountType),
			InterestRate: e.InterestRate,
			CreditLimit:  e.CreditLimit,
			BillingCycle: e.BillingCycle,
			Label:        e.Label,
			CardSuffix:   e.Suffix,
			IsKnown:      true,
		}
	}
	return &table, nil
}

func parseAccountType(s string) domain.AccountType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit":
		return domain.AccountCredit
	case "debit":
		return domain.AccountDebit
	case "prepaid":
		return domain.AccountPrepaid
	default:
		return domain.AccountUnknown
	}
}

// Reload re-reads the account table. Missing file keeps the prior table with
// a warning; a malformed file keeps it with an error log. The fail-fast
// validation applies to the candidate table, so a bad reload can never
// install a partially valid table.
func (r *Resolver) Reload() {
	table, err := loadTable(r.path)
	if err != nil {
		evt := r.log.Error()
		if isMissing(err) {
			evt = r.log.Warn()
		}
		evt.Err(err).Msg("reload failed, keeping active account table")
		return
	}
	r.table.Store(table)
	r.log.Info().Int("accounts", len(*table)).Msg("account table reloaded")
}

// Lookup resolves a suffix to account metadata. Unknown suffixes synthesize
// a fallback record with account_id "unknown_<suffix>"; Lookup never fails.
func (r *Resolver) Lookup(suffix string) Metadata {
	if suffix == "" {
		return fallback("", "Invalid suffix")
	}
	table := *r.table.Load()
	if meta, ok := table[suffix]; ok {
		return meta
	}
	r.log.Debug().Str("suffix", suffix).Msg("unknown card suffix")
	return fallback(suffix, "Unknown card")
}

// Resolve extracts a suffix from text and looks it up in one step.
func (r *Resolver) Resolve(text string) Metadata {
	suffix, ok := ExtractSuffix(text)
	if !ok {
		return fallback("", "No card suffix in message")
	}
	return r.Lookup(suffix)
}

func fallback(suffix, label string) Metadata {
	id := "unknown"
	if suffix != "" {
		id = "unknown_" + suffix
	}
	return Metadata{
		AccountID:   id,
		AccountType: domain.AccountUnknown,
		Label:       label,
		CardSuffix:  suffix,
		IsKnown:     false,
	}
}
