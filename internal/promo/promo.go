// Package promo classifies messages as promotional noise before they enter
// the expensive parsing stages. Matching is bilingual: English keywords are
// case-insensitive and word-boundary aware, Arabic keywords match as
// substrings.
package promo

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/domain"
)

// Verdict is the result of classifying one message. Created once, never
// mutated.
type Verdict struct {
	Skip            bool
	Reason          string
	MatchedKeywords []string
	Confidence      domain.Confidence
}

type keywordSet struct {
	english []englishKeyword
	arabic  []string
}

type englishKeyword struct {
	text string
	re   *regexp.Regexp
}

// Keywords is the on-disk shape of the promo keyword file.
type Keywords struct {
	English []string `yaml:"english"`
	Arabic  []string `yaml:"arabic"`
}

// Filter decides whether a message is promotional. The active keyword set is
// an immutable snapshot swapped atomically on reload, so concurrent Classify
// calls never observe a half-updated set.
type Filter struct {
	log  zerolog.Logger
	path string
	set  atomic.Pointer[keywordSet]
}

// Ambiguous Arabic terms like "خصم" (both "discount" and "debit") are
// deliberately absent from the defaults.
var defaultKeywords = Keywords{
	English: []string{
		"offer", "discount", "sale", "enjoy", "special offer",
		"limited time", "promotion", "promo", "deal", "deals",
		"save", "saving", "cashback", "reward", "rewards",
		"exclusive", "free", "gift", "bonus", "win", "winner",
		"congratulations", "congrats", "voucher", "coupon", "redeem",
	},
	Arabic: []string{
		"عرض خاص", "لفترة محدودة", "عروض",
		"توفير", "مجاني", "هدية", "مكافأة",
		"مكافآت", "حصري", "خصومات", "استمتع", "تخفيض",
		"تخفيضات", "كاش باك", "قسيمة", "كوبون",
		"مبروك", "فائز", "اربح", "جائزة", "وفر الآن",
		"احصل على", "فرصة",
	},
}

// New builds a Filter from the keyword file at path. A missing file falls
// back to the built-in bilingual defaults with a warning; New only fails on a
// file that exists but cannot be parsed.
func New(log zerolog.Logger, path string) (*Filter, error) {
	f := &Filter{log: log.With().Str("component", "promo").Logger(), path: path}

	var kw Keywords
	err := config.ReadYAML(path, &kw)
	switch {
	case err == nil:
	case isMissing(err):
		f.log.Warn().Str("path", path).Msg("keyword file missing, using built-in defaults")
		kw = defaultKeywords
	default:
		return nil, fmt.Errorf("promo keywords: %w", err)
	}

	set, err := compile(kw)
	if err != nil {
		return nil, fmt.Errorf("promo keywords: %w", err)
	}
	f.set.Store(set)
	f.log.Info().Int("english", len(set.english)).Int("arabic", len(set.arabic)).Msg("keyword set loaded")
	return f, nil
}

func isMissing(err error) bool {
	return config.IsMissing(err)
}

func compile(kw Keywords) (*keywordSet, error) {
	set := &keywordSet{}
	for _, k := range kw.English {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(k) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("keyword %q: %w", k, err)
		}
		set.english = append(set.english, englishKeyword{text: k, re: re})
	}
	for _, k := range kw.Arabic {
		k = strings.TrimSpace(k)
		if k != "" {
			set.arabic = append(set.arabic, k)
		}
	}
	// Deterministic match order regardless of file ordering.
	sort.Slice(set.english, func(i, j int) bool { return set.english[i].text < set.english[j].text })
	sort.Strings(set.arabic)
	return set, nil
}

// Reload re-reads the keyword file and atomically swaps the active set.
// Missing file keeps the prior set with a warning, malformed file keeps the
// prior set with an error log. Reload never returns an error to the caller.
func (f *Filter) Reload() {
	var kw Keywords
	if err := config.ReadYAML(f.path, &kw); err != nil {
		if isMissing(err) {
			f.log.Warn().Err(err).Msg("reload skipped, keeping active keyword set")
		} else {
			f.log.Error().Err(err).Msg("reload failed, keeping active keyword set")
		}
		return
	}
	set, err := compile(kw)
	if err != nil {
		f.log.Error().Err(err).Msg("reload failed, keeping active keyword set")
		return
	}
	f.set.Store(set)
	f.log.Info().Int("english", len(set.english)).Int("arabic", len(set.arabic)).Msg("keyword set reloaded")
}

// Classify decides whether the (already normalized) message is promotional.
// Confidence counts distinct matched keywords: three or more is high, two is
// medium, one is low.
func (f *Filter) Classify(text string) Verdict {
	text = strings.TrimSpace(text)
	if text == "" {
		return Verdict{Skip: false, Reason: "empty message", Confidence: domain.ConfidenceLow}
	}

	set := f.set.Load()
	lower := strings.ToLower(text)

	var matched []string
	for _, kw := range set.english {
		if kw.re.MatchString(lower) {
			matched = append(matched, kw.text)
		}
	}
	for _, kw := range set.arabic {
		if strings.Contains(text, kw) {
			matched = append(matched, kw)
		}
	}

	if len(matched) == 0 {
		return Verdict{Skip: false, Reason: "no promotional keywords detected", Confidence: domain.ConfidenceHigh}
	}

	var confidence domain.Confidence
	switch {
	case len(matched) >= 3:
		confidence = domain.ConfidenceHigh
	case len(matched) == 2:
		confidence = domain.ConfidenceMedium
	default:
		confidence = domain.ConfidenceLow
	}

	shown := matched
	extra := ""
	if len(shown) > 3 {
		shown = shown[:3]
		extra = fmt.Sprintf(" (and %d more)", len(matched)-3)
	}
	return Verdict{
		Skip:            true,
		Reason:          fmt.Sprintf("promotional keywords: %s%s", strings.Join(shown, ", "), extra),
		MatchedKeywords: matched,
		Confidence:      confidence,
	}
}

// ClassifyBatch classifies each message independently; results are identical
// to calling Classify in a loop.
func (f *Filter) ClassifyBatch(texts []string) []Verdict {
	out := make([]Verdict, len(texts))
	for i, t := range texts {
		out[i] = f.Classify(t)
	}
	return out
}
