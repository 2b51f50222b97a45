// Package bankid determines which bank issued a message by matching it
// against per-bank pattern sets.
//
// Identification runs in two stages. Stage one tries every bank's patterns as
// case-insensitive regexes (falling back to literal substring match for
// patterns that do not compile); the first bank in configuration order with a
// matching pattern wins, regardless of how well a later bank would score.
// Stage two, reached only when no exact pattern matched, scores the message
// against every pattern with a fuzzy partial ratio and picks the bank with
// the highest score above the threshold. Banks are evaluated in the order the
// configuration file declares them, and equal fuzzy scores resolve to the
// earliest bank; this ordering is deliberate policy, not an accident of map
// iteration.
package bankid

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/rs/zerolog"

	"github.com/dvloznov/sms-ledger/internal/config"
)

// UnknownBank is the sentinel bank id returned when no pattern clears the
// fuzzy threshold.
const UnknownBank = "unknown_bank"

// DefaultFuzzyThreshold is the minimum fuzzy score (0-100) for a stage-two
// match.
const DefaultFuzzyThreshold = 80

// MatchKind distinguishes how a bank was identified.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
)

// Match is the result of identifying one message.
type Match struct {
	BankID     string
	Confidence int // 0-100; 100 for exact matches
	Kind       MatchKind
	Unmatched  bool
}

type pattern struct {
	raw string
	re  *regexp.Regexp // nil when raw is not a valid regex; substring match instead
}

type bankRules struct {
	id       string
	patterns []pattern
}

type ruleset struct {
	banks []bankRules
}

// File is the on-disk shape of the bank pattern table. Banks are a list, not
// a map, because declaration order is part of the matching contract.
type File struct {
	Banks []struct {
		Bank     string   `yaml:"bank"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"banks"`
}

// Identifier matches messages to banks. The active ruleset is an immutable
// snapshot swapped atomically on reload.
type Identifier struct {
	log            zerolog.Logger
	path           string
	fuzzyThreshold int
	enableFuzzy    bool
	rules          atomic.Pointer[ruleset]
}

// Option configures an Identifier.
type Option func(*Identifier)

// WithFuzzyThreshold overrides the default stage-two threshold.
func WithFuzzyThreshold(threshold int) Option {
	return func(i *Identifier) { i.fuzzyThreshold = threshold }
}

// WithoutFuzzy disables stage two entirely.
func WithoutFuzzy() Option {
	return func(i *Identifier) { i.enableFuzzy = false }
}

// New builds an Identifier from the pattern file at path. Unlike reloads, the
// initial load fails fast on a missing or malformed file.
func New(log zerolog.Logger, path string, opts ...Option) (*Identifier, error) {
	ident := &Identifier{
		log:            log.With().Str("component", "bankid").Logger(),
		path:           path,
		fuzzyThreshold: DefaultFuzzyThreshold,
		enableFuzzy:    true,
	}
	for _, opt := range opts {
		opt(ident)
	}

	rules, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("bank patterns: %w", err)
	}
	ident.rules.Store(rules)
	ident.log.Info().Int("banks", len(rules.banks)).Msg("bank patterns loaded")
	return ident, nil
}

func load(path string) (*ruleset, error) {
	var file File
	if err := config.ReadYAML(path, &file); err != nil {
		return nil, err
	}
	if len(file.Banks) == 0 {
		return nil, fmt.Errorf("%s: no banks declared", path)
	}

	rules := &ruleset{}
	for _, b := range file.Banks {
		if b.Bank == "" {
			return nil, fmt.Errorf("%s: bank entry without id", path)
		}
		br := bankRules{id: b.Bank}
		for _, raw := range b.Patterns {
			p := pattern{raw: raw}
			if re, err := regexp.Compile("(?i)" + raw); err == nil {
				p.re = re
			}
			br.patterns = append(br.patterns, p)
		}
		rules.banks = append(rules.banks, br)
	}
	return rules, nil
}

// Reload re-reads the pattern file. Missing file keeps the prior ruleset with
// a warning, malformed file keeps it with an error log; Reload never raises.
func (i *Identifier) Reload() {
	rules, err := load(i.path)
	if err != nil {
		evt := i.log.Error()
		if isMissing(err) {
			evt = i.log.Warn()
		}
		evt.Err(err).Msg("reload failed, keeping active bank patterns")
		return
	}
	i.rules.Store(rules)
	i.log.Info().Int("banks", len(rules.banks)).Msg("bank patterns reloaded")
}

func isMissing(err error) bool {
	return config.IsMissing(err)
}

// Identify determines the issuing bank of a normalized message.
func (i *Identifier) Identify(text string) Match {
	text = strings.TrimSpace(text)
	if text == "" {
		return Match{BankID: UnknownBank, Unmatched: true}
	}

	rules := i.rules.Load()
	lower := strings.ToLower(text)

	// Stage one: exact regex / substring match, first declared bank wins.
	for _, bank := range rules.banks {
		for _, p := range bank.patterns {
			if p.matches(text, lower) {
				return Match{BankID: bank.id, Confidence: 100, Kind: MatchExact}
			}
		}
	}

	// Stage two: fuzzy scoring. Strict > keeps the earliest bank on ties.
	if i.enableFuzzy {
		best := Match{}
		for _, bank := range rules.banks {
			score := bank.bestFuzzyScore(lower)
			if score >= i.fuzzyThreshold && score > best.Confidence {
				best = Match{BankID: bank.id, Confidence: score, Kind: MatchFuzzy}
			}
		}
		if best.BankID != "" {
			return best
		}
	}

	i.log.Debug().Str("text", truncate(text, 80)).Msg("no bank matched")
	return Match{BankID: UnknownBank, Unmatched: true}
}

func (p pattern) matches(text, lower string) bool {
	if p.re != nil {
		return p.re.MatchString(text)
	}
	return strings.Contains(lower, strings.ToLower(p.raw))
}

func (b bankRules) bestFuzzyScore(lower string) int {
	best := 0
	for _, p := range b.patterns {
		if score := fuzzy.PartialRatio(strings.ToLower(p.raw), lower); score > best {
			best = score
		}
	}
	return best
}

// IdentifyBatch identifies each message independently; results are identical
// to calling Identify in a loop.
func (i *Identifier) IdentifyBatch(texts []string) []Match {
	out := make([]Match, len(texts))
	for n, t := range texts {
		out[n] = i.Identify(t)
	}
	return out
}

// Statistics counts bank occurrences across a list of messages.
func (i *Identifier) Statistics(texts []string) map[string]int {
	stats := make(map[string]int)
	for _, m := range i.IdentifyBatch(texts) {
		stats[m.BankID]++
	}
	return stats
}

// Banks returns the configured bank ids in declaration order.
func (i *Identifier) Banks() []string {
	rules := i.rules.Load()
	ids := make([]string, len(rules.banks))
	for n, b := range rules.banks {
		ids[n] = b.id
	}
	return ids
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
