// Package anomaly flags transactions that look unusual against a payer's
// recent history: unusually large amounts, bursts of charges from one payee
// and payees never seen before.
package anomaly

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dvloznov/sms-ledger/internal/domain"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultHighValuePercentile = 90
	DefaultMinHistory          = 10
	DefaultBurstCount          = 3
	DefaultBurstWindow         = 24 * time.Hour
	DefaultMerchantWindow      = 100
)

// Config tunes the detector. The zero value enables every rule with
// defaults.
type Config struct {
	HighValuePercentile float64
	MinHistory          int
	BurstCount          int
	BurstWindow         time.Duration
	MerchantWindow      int
	EnabledRules        []string // empty enables all
}

// UnmarshalYAML decodes the config, accepting the burst window as a Go
// duration string such as "24h" or "90m".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HighValuePercentile float64  `yaml:"high_value_percentile"`
		MinHistory          int      `yaml:"min_history"`
		BurstCount          int      `yaml:"burst_count"`
		BurstWindow         string   `yaml:"burst_window"`
		MerchantWindow      int      `yaml:"merchant_window"`
		EnabledRules        []string `yaml:"enabled_rules"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.HighValuePercentile = raw.HighValuePercentile
	c.MinHistory = raw.MinHistory
	c.BurstCount = raw.BurstCount
	c.MerchantWindow = raw.MerchantWindow
	c.EnabledRules = raw.EnabledRules
	if raw.BurstWindow != "" {
		d, err := time.ParseDuration(raw.BurstWindow)
		if err != nil {
			return fmt.Errorf("burst_window: %w", err)
		}
		c.BurstWindow = d
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HighValuePercentile <= 0 {
		c.HighValuePercentile = DefaultHighValuePercentile
	}
	if c.MinHistory <= 0 {
		c.MinHistory = DefaultMinHistory
	}
	if c.BurstCount <= 0 {
		c.BurstCount = DefaultBurstCount
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = DefaultBurstWindow
	}
	if c.MerchantWindow <= 0 {
		c.MerchantWindow = DefaultMerchantWindow
	}
	return c
}

func (c Config) enabled(rule domain.AnomalyFlag) bool {
	if len(c.EnabledRules) == 0 {
		return true
	}
	for _, r := range c.EnabledRules {
		if r == string(rule) {
			return true
		}
	}
	return false
}

// Entry is one prior transaction as the detector sees it. Date is the raw
// resolved date string; entries whose date cannot be parsed are skipped with
// a warning rather than failing the whole detection.
type Entry struct {
	Amount *decimal.Decimal
	Payee  string
	Date   string
}

// Detector applies the anomaly rules to one transaction at a time.
type Detector struct {
	log zerolog.Logger
	cfg Config
}

// New builds a Detector; zero Config fields fall back to package defaults.
func New(log zerolog.Logger, cfg Config) *Detector {
	return &Detector{
		log: log.With().Str("component", "anomaly").Logger(),
		cfg: cfg.withDefaults(),
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Detect evaluates one transaction against its history and returns the
// rules it trips, in stable order. amount may be nil for transactions
// without a parsed amount; such transactions can still trip the burst and
// unknown merchant rules.
func (d *Detector) Detect(amount *decimal.Decimal, payee string, at time.Time, history []Entry) []domain.AnomalyFlag {
	var flags []domain.AnomalyFlag
	if d.cfg.enabled(domain.AnomalyHighValue) && d.highValue(amount, history) {
		flags = append(flags, domain.AnomalyHighValue)
	}
	if d.cfg.enabled(domain.AnomalyBurstFrequency) && d.burst(payee, at, history) {
		flags = append(flags, domain.AnomalyBurstFrequency)
	}
	if d.cfg.enabled(domain.AnomalyUnknownMerchant) && d.unknownMerchant(payee, history) {
		flags = append(flags, domain.AnomalyUnknownMerchant)
	}
	return flags
}

// highValue flags amounts above the configured percentile of historical
// amounts. Suppressed entirely when the usable history is shorter than
// MinHistory, so a new account does not flag every purchase.
func (d *Detector) highValue(amount *decimal.Decimal, history []Entry) bool {
	if amount == nil {
		return false
	}
	amounts := make([]float64, 0, len(history))
	for _, e := range history {
		if e.Amount != nil {
			f, _ := e.Amount.Float64()
			amounts = append(amounts, f)
		}
	}
	if len(amounts) < d.cfg.MinHistory {
		return false
	}
	threshold := percentile(amounts, d.cfg.HighValuePercentile)
	f, _ := amount.Float64()
	return f > threshold
}

// percentile computes the given percentile with linear interpolation
// between the two nearest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// burst flags the transaction when, counting itself, at least BurstCount
// charges from the same payee fall inside the trailing window.
func (d *Detector) burst(payee string, at time.Time, history []Entry) bool {
	norm := normalizePayee(payee)
	if norm == "" || at.IsZero() {
		return false
	}
	windowStart := at.Add(-d.cfg.BurstWindow)
	count := 1 // the transaction under test
	for _, e := range history {
		if normalizePayee(e.Payee) != norm {
			continue
		}
		t, ok := parseDate(e.Date)
		if !ok {
			d.log.Warn().Str("date", e.Date).Str("payee", e.Payee).Msg("unparseable history date, skipping entry")
			continue
		}
		if !t.Before(windowStart) && !t.After(at) {
			count++
		}
	}
	return count >= d.cfg.BurstCount
}

// unknownMerchant flags payees absent from the last MerchantWindow entries.
// History is expected oldest first; only the trailing window is consulted.
// An empty history means the payee has never been seen, so it flags too.
func (d *Detector) unknownMerchant(payee string, history []Entry) bool {
	norm := normalizePayee(payee)
	if norm == "" {
		return false
	}
	start := 0
	if len(history) > d.cfg.MerchantWindow {
		start = len(history) - d.cfg.MerchantWindow
	}
	for _, e := range history[start:] {
		if normalizePayee(e.Payee) == norm {
			return false
		}
	}
	return true
}

func normalizePayee(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
