package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/sms-ledger/internal/anomaly"
	"github.com/dvloznov/sms-ledger/internal/bankid"
	"github.com/dvloznov/sms-ledger/internal/cards"
	"github.com/dvloznov/sms-ledger/internal/categorize"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/extract"
	"github.com/dvloznov/sms-ledger/internal/identity"
	"github.com/dvloznov/sms-ledger/internal/promo"
	"github.com/dvloznov/sms-ledger/internal/textnorm"
)

// NormalizeStep repairs encoding damage and canonicalizes the text every
// later step sees.
type NormalizeStep struct{}

func (s *NormalizeStep) Execute(_ context.Context, state *State) error {
	raw := state.Raw.Text
	state.Record.TextRepaired = !utf8.ValidString(raw)
	state.Record.Text = textnorm.Normalize(raw)
	return nil
}

// PromoFilterStep drops promotional messages before any extraction work.
// A promo verdict finalizes the record and short-circuits the pipeline.
type PromoFilterStep struct {
	filter *promo.Filter
}

func (s *PromoFilterStep) Execute(_ context.Context, state *State) error {
	verdict := s.filter.Classify(state.Record.Text)
	if !verdict.Skip {
		return nil
	}
	state.Record.State = domain.StatePromo
	state.Record.StateReason = verdict.Reason
	state.Record.Confidence = verdict.Confidence
	state.Done = true
	return nil
}

// IdentifyBankStep attributes the message to a bank, unless a forced bank
// was configured.
type IdentifyBankStep struct {
	banks  *bankid.Identifier
	forced string
}

func (s *IdentifyBankStep) Execute(_ context.Context, state *State) error {
	if s.forced != "" {
		state.Record.Bank = s.forced
		state.Record.BankConfidence = 100
		return nil
	}
	match := s.banks.Identify(state.Record.Text)
	state.Record.Bank = match.BankID
	state.Record.BankConfidence = match.Confidence
	return nil
}

// ExtractFieldsStep runs the bank's templates over the message.
type ExtractFieldsStep struct {
	engine   *extract.Engine
	selector extract.BankSelector
}

func (s *ExtractFieldsStep) Execute(_ context.Context, state *State) error {
	sel := s.selector
	if state.Record.Bank != "" && state.Record.Bank != bankid.UnknownBank {
		sel = extract.Bank(state.Record.Bank)
	}
	res := s.engine.Extract(state.Record.Text, sel)
	state.Record.Confidence = res.Confidence
	if !res.Matched {
		return nil
	}
	// Auto selection can attribute a bank the identifier missed.
	if state.Record.Bank == "" || state.Record.Bank == bankid.UnknownBank {
		state.Record.Bank = res.Bank
	}
	state.Record.Template = res.Template
	state.Record.Amount = res.Fields.Amount
	state.Record.Currency = res.Fields.Currency
	state.Record.DateRaw = res.Fields.DateRaw
	state.Record.Payee = res.Fields.Payee
	state.Record.TransactionType = res.Fields.TransactionType
	state.Record.CardSuffix = res.Fields.CardSuffix
	return nil
}

// ResolveCardStep maps the card suffix to account metadata.
type ResolveCardStep struct {
	resolver *cards.Resolver
}

func (s *ResolveCardStep) Execute(_ context.Context, state *State) error {
	var meta cards.Metadata
	if state.Record.CardSuffix != nil {
		meta = s.resolver.Lookup(*state.Record.CardSuffix)
	} else {
		meta = s.resolver.Resolve(state.Record.Text)
		if meta.CardSuffix != "" {
			suffix := meta.CardSuffix
			state.Record.CardSuffix = &suffix
		}
	}
	state.Record.AccountID = meta.AccountID
	state.Record.AccountType = meta.AccountType
	state.Record.InterestRate = meta.InterestRate
	state.Record.CreditLimit = meta.CreditLimit
	state.Record.BillingCycle = meta.BillingCycle
	state.Record.AccountLabel = meta.Label
	state.Record.AccountKnown = meta.IsKnown
	return nil
}

var (
	otpPattern      = regexp.MustCompile(`(?i)\b(?:otp|one[\s-]*time[\s-]*password|verification code|passcode|code)\b`)
	declinedPattern = regexp.MustCompile(`(?i)\b(?:declined|refused|rejected|insufficient funds)\b`)
)

var (
	otpKeywordsAr      = []string{"رمز التحقق", "كلمة مرور لمرة واحدة", "رمز سري"}
	declinedKeywordsAr = []string{"مرفوضة", "تم رفض", "رصيد غير كاف"}
)

// ClassifyStateStep decides the transaction state of non-promo messages.
// OTP is checked before DECLINED so a declined-login OTP notice stays OTP;
// a message with no extracted amount is UNKNOWN rather than monetary.
type ClassifyStateStep struct{}

func (s *ClassifyStateStep) Execute(_ context.Context, state *State) error {
	text := state.Record.Text

	if otpPattern.MatchString(text) || containsAny(text, otpKeywordsAr) {
		state.Record.State = domain.StateOTP
		state.Record.StateReason = "one time password message"
		return nil
	}
	if declinedPattern.MatchString(text) || containsAny(text, declinedKeywordsAr) {
		state.Record.State = domain.StateDeclined
		state.Record.StateReason = "transaction declined"
		return nil
	}
	if state.Record.Amount == nil || *state.Record.Amount == "" {
		state.Record.State = domain.StateUnknown
		state.Record.StateReason = "no amount found"
		return nil
	}
	state.Record.State = domain.StateMonetary
	return nil
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

var rawDateLayouts = []string{
	"02/01/2006",
	"2006-01-02",
	"01/02/2006",
	"02-01-2006",
}

// ResolveDateStep turns the raw date text into a canonical YYYY-MM-DD.
// A day/month date without a year borrows it from the source file; when no
// date was extracted the source timestamp, then the file time, stand in.
// Ingestion wall time is never used so re-ingesting the same file keeps the
// same identity.
type ResolveDateStep struct{}

func (s *ResolveDateStep) Execute(_ context.Context, state *State) error {
	if state.Record.DateRaw != nil {
		if resolved, ok := resolveRawDate(*state.Record.DateRaw, state.Raw); ok {
			state.Record.ResolvedDate = &resolved
			return nil
		}
	}
	if ts := state.Raw.SourceTimestamp; ts != nil {
		resolved := ts.Format("2006-01-02")
		state.Record.ResolvedDate = &resolved
		return nil
	}
	if ts := state.Raw.FileCreatedAt; ts != nil {
		resolved := ts.Format("2006-01-02")
		state.Record.ResolvedDate = &resolved
	}
	return nil
}

var dayMonthPattern = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})$`)

func resolveRawDate(raw string, msg RawMessage) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range rawDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	if m := dayMonthPattern.FindStringSubmatch(raw); m != nil {
		year := 0
		if msg.FileCreatedAt != nil {
			year = msg.FileCreatedAt.Year()
		} else if msg.SourceTimestamp != nil {
			year = msg.SourceTimestamp.Year()
		}
		if year > 0 {
			if t, err := time.Parse("02/01/2006", fmt.Sprintf("%s/%s/%d", m[1], m[2], year)); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	return "", false
}

// CategorizeStep assigns the spending category from the payee. The fallback
// rule is terminal, so a monetary record with no payee still gets the
// fallback category. Non-monetary records without a payee stay uncategorized.
type CategorizeStep struct {
	categorizer *categorize.Categorizer
}

func (s *CategorizeStep) Execute(_ context.Context, state *State) error {
	payee := ""
	if state.Record.Payee != nil {
		payee = *state.Record.Payee
	}
	if payee == "" && state.Record.State != domain.StateMonetary {
		return nil
	}
	a := s.categorizer.Assign(payee)
	state.Record.Category = a.Category
	state.Record.Subcategory = a.Subcategory
	state.Record.Tags = a.Tags
	state.Record.CategoryPriority = a.Priority
	return nil
}

// DetectAnomaliesStep runs the anomaly rules over monetary records only.
type DetectAnomaliesStep struct {
	detector *anomaly.Detector
}

func (s *DetectAnomaliesStep) Execute(_ context.Context, state *State) error {
	if state.Record.State != domain.StateMonetary {
		return nil
	}
	payee := ""
	if state.Record.Payee != nil {
		payee = *state.Record.Payee
	}
	state.Record.Anomalies = s.detector.Detect(
		parseAmount(state.Record.Amount), payee, state.At, state.History,
	)
	return nil
}

// parseAmount turns the raw matched amount into a decimal, nil when absent
// or unparseable.
func parseAmount(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(textnorm.NormalizeDecimal(*s))
	if err != nil {
		return nil
	}
	return &d
}

// HashStep seals the record with its dedup identity. Any record carrying the
// full identity tuple gets a hash, whatever its state; the state is part of
// the digest, so a declined charge and the later successful one hash apart.
// Records missing an identity field keep an empty hash and are stored for
// audit only.
type HashStep struct{}

func (s *HashStep) Execute(_ context.Context, state *State) error {
	rec := &state.Record
	if !rec.HasIdentity() {
		return nil
	}
	hash, err := identity.ContentHash(
		*rec.ResolvedDate, *rec.Amount, *rec.Payee, rec.AccountID, rec.State,
	)
	if err != nil {
		return err
	}
	rec.ContentHash = hash
	return nil
}
