// Package extract pulls structured transaction fields out of message text
// using per-bank regex templates.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/textnorm"
)

// BankSelector tells the engine which bank's templates to try. The zero
// value is invalid; construct with Bank or Auto.
type BankSelector struct {
	id   string
	auto bool
}

// Bank restricts extraction to one bank's templates.
func Bank(id string) BankSelector { return BankSelector{id: id} }

// Auto tries every bank's templates in declaration order.
func Auto() BankSelector { return BankSelector{auto: true} }

// Fields holds the raw extracted field values. Absent fields are nil.
type Fields struct {
	Amount          *string
	Currency        *string
	DateRaw         *string
	Payee           *string
	TransactionType *string
	CardSuffix      *string
}

// Result is the outcome of extracting one message.
type Result struct {
	Bank       string
	Template   string
	Fields     Fields
	Confidence domain.Confidence
	Matched    bool
}

// SuffixScanner is a fallback card-suffix extractor applied when no
// template pattern captured one.
type SuffixScanner func(text string) (string, bool)

// Engine applies bank templates to messages. The active template set is an
// immutable snapshot swapped atomically on reload.
type Engine struct {
	log       zerolog.Logger
	path      string
	suffix    SuffixScanner
	templates atomic.Pointer[templateSet]
}

// NewEngine loads templates from path. The initial load fails fast on a
// missing or malformed file; a template with a syntactically invalid pattern
// or a pattern lacking its named capture group is rejected here, not at
// match time.
func NewEngine(log zerolog.Logger, path string, suffix SuffixScanner) (*Engine, error) {
	set, err := loadTemplates(path)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	e := &Engine{
		log:    log.With().Str("component", "extract").Logger(),
		path:   path,
		suffix: suffix,
	}
	e.templates.Store(set)
	e.log.Info().Int("banks", len(set.banks)).Msg("templates loaded")
	return e, nil
}

// Reload re-reads the template file, keeping the active set on any error.
func (e *Engine) Reload() {
	set, err := loadTemplates(e.path)
	if err != nil {
		evt := e.log.Error()
		if errors.Is(err, config.ErrMissing) {
			evt = e.log.Warn()
		}
		evt.Err(err).Msg("reload failed, keeping active templates")
		return
	}
	e.templates.Store(set)
	e.log.Info().Int("banks", len(set.banks)).Msg("templates reloaded")
}

// Extract runs the selected bank templates against text. Within a bank,
// templates are tried in declaration order and the first template whose
// required fields all match wins; later templates are not consulted even if
// they would match more fields. With Auto selection, every bank is scanned
// and the highest-confidence result wins; equal confidence resolves to the
// earliest declared bank.
func (e *Engine) Extract(text string, sel BankSelector) Result {
	set := e.templates.Load()
	// \d in patterns is ASCII only, so fold Arabic-Indic digits up front.
	text = textnorm.FoldDigits(text)

	if sel.auto {
		best := Result{Confidence: domain.ConfidenceLow}
		for _, bank := range set.banks {
			res, ok := e.tryBank(text, bank)
			if !ok {
				continue
			}
			if !best.Matched || confidenceRank(res.Confidence) > confidenceRank(best.Confidence) {
				best = res
			}
		}
		return best
	}

	pos, ok := set.index[sel.id]
	if !ok {
		e.log.Debug().Str("bank", sel.id).Msg("no templates for bank")
		return Result{Bank: sel.id, Confidence: domain.ConfidenceLow}
	}
	if res, matched := e.tryBank(text, set.banks[pos]); matched {
		return res
	}
	return Result{Bank: sel.id, Confidence: domain.ConfidenceLow}
}

func (e *Engine) tryBank(text string, bank bankTemplates) (Result, bool) {
	for _, tpl := range bank.templates {
		fields, matchedCount, ok := applyTemplate(text, tpl)
		if !ok {
			continue
		}
		if fields.CardSuffix == nil && e.suffix != nil {
			if suffix, found := e.suffix(text); found {
				fields.CardSuffix = &suffix
			}
		}
		return Result{
			Bank:       bank.id,
			Template:   tpl.Name,
			Fields:     fields,
			Confidence: confidence(tpl, matchedCount),
			Matched:    true,
		}, true
	}
	return Result{}, false
}

// applyTemplate matches every declared pattern and reports whether all
// required fields were captured.
func applyTemplate(text string, tpl Template) (Fields, int, bool) {
	var fields Fields
	matched := make(map[string]bool, len(tpl.patterns))

	for _, fp := range tpl.patterns {
		m := fp.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		val := strings.TrimSpace(m[fp.group])
		if val == "" {
			continue
		}
		matched[fp.field] = true
		switch fp.field {
		case FieldAmount:
			fields.Amount = &val
		case FieldCurrency:
			fields.Currency = &val
		case FieldDate:
			fields.DateRaw = &val
		case FieldPayee:
			fields.Payee = &val
		case FieldTransactionType:
			fields.TransactionType = &val
		case FieldCardSuffix:
			fields.CardSuffix = &val
		}
	}

	for _, req := range tpl.Required {
		if !matched[req] {
			return Fields{}, 0, false
		}
	}
	return fields, len(matched), true
}

// confidence grades a successful extraction. All required fields matched
// plus at least half of all declared fields is high; required only is
// medium. Low is reserved for failed extractions and never produced here.
func confidence(tpl Template, matched int) domain.Confidence {
	if matched*2 >= len(tpl.patterns) {
		return domain.ConfidenceHigh
	}
	return domain.ConfidenceMedium
}

func confidenceRank(c domain.Confidence) int {
	switch c {
	case domain.ConfidenceHigh:
		return 3
	case domain.ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// Banks returns the bank ids with templates, in declaration order.
func (e *Engine) Banks() []string {
	set := e.templates.Load()
	ids := make([]string, len(set.banks))
	for i, b := range set.banks {
		ids[i] = b.id
	}
	return ids
}

// TemplatesFor returns the template names declared for a bank, in order.
func (e *Engine) TemplatesFor(bankID string) []string {
	set := e.templates.Load()
	pos, ok := set.index[bankID]
	if !ok {
		return nil
	}
	names := make([]string, len(set.banks[pos].templates))
	for i, tpl := range set.banks[pos].templates {
		names[i] = tpl.Name
	}
	return names
}
