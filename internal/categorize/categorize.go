// Package categorize assigns spending categories to payees through a
// cascade of exact, fuzzy, keyword and fallback rules.
package categorize

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/rs/zerolog"

	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/domain"
)

// DefaultFuzzyThreshold is the minimum fuzzy score (0-100) for a stage-two
// category match.
const DefaultFuzzyThreshold = 80

// Assignment is the category decision for one payee.
type Assignment struct {
	Category    string
	Subcategory string
	Tags        []string
	Priority    domain.MatchPriority
	MatchedRule string
	Score       int // fuzzy score when Priority is fuzzy, otherwise 0
}

type rule struct {
	name        string
	category    string
	subcategory string
	tags        []string
	merchants   []string // exact and fuzzy candidates
	keywords    []string // substring candidates
}

type ruleset struct {
	rules    []rule
	exact    map[string]int // lowered merchant -> rule index
	fallback Assignment
}

// File is the on-disk shape of the category rules. Categories are a list so
// earlier rules outrank later ones at equal fuzzy score.
type File struct {
	Categories []struct {
		Name        string   `yaml:"name"`
		Category    string   `yaml:"category"`
		Subcategory string   `yaml:"subcategory"`
		Tags        []string `yaml:"tags"`
		Merchants   []string `yaml:"merchants"`
		Keywords    []string `yaml:"keywords"`
	} `yaml:"categories"`
	Fallback struct {
		Category    string   `yaml:"category"`
		Subcategory string   `yaml:"subcategory"`
		Tags        []string `yaml:"tags"`
	} `yaml:"fallback"`
}

// Categorizer assigns categories to payees. The active ruleset is an
// immutable snapshot swapped atomically on reload.
type Categorizer struct {
	log            zerolog.Logger
	path           string
	fuzzyThreshold int
	rules          atomic.Pointer[ruleset]
}

// Option configures a Categorizer.
type Option func(*Categorizer)

// WithFuzzyThreshold overrides the default fuzzy match threshold.
func WithFuzzyThreshold(threshold int) Option {
	return func(c *Categorizer) { c.fuzzyThreshold = threshold }
}

// New builds a Categorizer from the rules at path. The initial load fails
// fast on a missing or malformed file.
func New(log zerolog.Logger, path string, opts ...Option) (*Categorizer, error) {
	c := &Categorizer{
		log:            log.With().Str("component", "categorize").Logger(),
		path:           path,
		fuzzyThreshold: DefaultFuzzyThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	rules, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("category rules: %w", err)
	}
	c.rules.Store(rules)
	c.log.Info().Int("rules", len(rules.rules)).Msg("category rules loaded")
	return c, nil
}

func load(path string) (*ruleset, error) {
	var file File
	if err := config.ReadYAML(path, &file); err != nil {
		return nil, err
	}
	if len(file.Categories) == 0 {
		return nil, fmt.Errorf("%s: no categories declared", path)
	}
	if file.Fallback.Category == "" {
		return nil, fmt.Errorf("%s: no fallback category declared", path)
	}

	rs := &ruleset{
		exact: make(map[string]int),
		fallback: Assignment{
			Category:    file.Fallback.Category,
			Subcategory: file.Fallback.Subcategory,
			Tags:        file.Fallback.Tags,
			Priority:    domain.MatchFallback,
		},
	}
	for _, cat := range file.Categories {
		if cat.Category == "" {
			return nil, fmt.Errorf("%s: rule %q without category", path, cat.Name)
		}
		r := rule{
			name:        cat.Name,
			category:    cat.Category,
			subcategory: cat.Subcategory,
			tags:        cat.Tags,
			merchants:   cat.Merchants,
			keywords:    cat.Keywords,
		}
		idx := len(rs.rules)
		rs.rules = append(rs.rules, r)
		for _, m := range cat.Merchants {
			key := strings.ToLower(strings.TrimSpace(m))
			if key == "" {
				continue
			}
			// First declaration wins for duplicate merchants.
			if _, taken := rs.exact[key]; !taken {
				rs.exact[key] = idx
			}
		}
	}
	return rs, nil
}

// Reload re-reads the rules file, keeping the active set on any error.
func (c *Categorizer) Reload() {
	rules, err := load(c.path)
	if err != nil {
		evt := c.log.Error()
		if errors.Is(err, config.ErrMissing) {
			evt = c.log.Warn()
		}
		evt.Err(err).Msg("reload failed, keeping active category rules")
		return
	}
	c.rules.Store(rules)
	c.log.Info().Int("rules", len(rules.rules)).Msg("category rules reloaded")
}

// Assign categorizes one payee. The cascade stops at the first stage that
// produces a match: exact merchant, fuzzy merchant, keyword substring, then
// the configured fallback. Empty payees go straight to the fallback.
func (c *Categorizer) Assign(payee string) Assignment {
	rules := c.rules.Load()
	trimmed := strings.TrimSpace(payee)
	if trimmed == "" {
		return rules.fallback
	}
	lower := strings.ToLower(trimmed)

	if idx, ok := rules.exact[lower]; ok {
		return rules.assignment(idx, domain.MatchExact, 0)
	}

	if idx, score, ok := rules.bestFuzzy(lower, c.fuzzyThreshold); ok {
		return rules.assignment(idx, domain.MatchFuzzy, score)
	}

	if idx, ok := rules.keywordMatch(trimmed, lower); ok {
		return rules.assignment(idx, domain.MatchKeyword, 0)
	}

	c.log.Debug().Str("payee", trimmed).Msg("payee fell through to fallback category")
	return rules.fallback
}

func (rs *ruleset) assignment(idx int, priority domain.MatchPriority, score int) Assignment {
	r := rs.rules[idx]
	return Assignment{
		Category:    r.category,
		Subcategory: r.subcategory,
		Tags:        r.tags,
		Priority:    priority,
		MatchedRule: r.name,
		Score:       score,
	}
}

// bestFuzzy scores the payee against every merchant name and returns the
// best rule above the threshold. Strict > keeps the earliest rule on ties.
// Containment in either direction boosts the score to 90, so "carrefour
// maadi" still lands on "carrefour".
func (rs *ruleset) bestFuzzy(lower string, threshold int) (int, int, bool) {
	bestIdx, bestScore := -1, 0
	for idx, r := range rs.rules {
		for _, m := range r.merchants {
			candidate := strings.ToLower(strings.TrimSpace(m))
			if candidate == "" {
				continue
			}
			score := fuzzyScore(lower, candidate)
			if score >= threshold && score > bestScore {
				bestIdx, bestScore = idx, score
			}
		}
	}
	if bestIdx < 0 {
		return 0, 0, false
	}
	return bestIdx, bestScore, true
}

func fuzzyScore(payee, merchant string) int {
	score := fuzzy.TokenSortRatio(payee, merchant)
	if s := fuzzy.TokenSetRatio(payee, merchant); s > score {
		score = s
	}
	if score < 90 && (strings.Contains(payee, merchant) || strings.Contains(merchant, payee)) {
		score = 90
	}
	return score
}

// keywordMatch checks rule keywords as substrings. Latin keywords compare
// case-folded; Arabic keywords compare as written since Arabic has no case.
func (rs *ruleset) keywordMatch(raw, lower string) (int, bool) {
	for idx, r := range rs.rules {
		for _, kw := range r.keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if isArabic(kw) {
				if strings.Contains(raw, kw) {
					return idx, true
				}
			} else if strings.Contains(lower, strings.ToLower(kw)) {
				return idx, true
			}
		}
	}
	return 0, false
}

func isArabic(s string) bool {
	for _, r := range s {
		if r >= 0x0600 && r <= 0x06FF {
			return true
		}
	}
	return false
}

// AssignBatch categorizes each payee independently.
func (c *Categorizer) AssignBatch(payees []string) []Assignment {
	out := make([]Assignment, len(payees))
	for i, p := range payees {
		out[i] = c.Assign(p)
	}
	return out
}

// Statistics counts category occurrences across a list of payees.
func (c *Categorizer) Statistics(payees []string) map[string]int {
	stats := make(map[string]int)
	for _, a := range c.AssignBatch(payees) {
		stats[a.Category]++
	}
	return stats
}
