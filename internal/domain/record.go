package domain

// Confidence is a coarse three-level reliability indicator attached to an
// extraction or classification result. It is derived from how many expected
// fields or keywords were found, not from a statistical probability.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// TransactionState classifies a message's monetary relevance. It is distinct
// from category/subcategory: a DECLINED message may still carry a merchant.
type TransactionState string

const (
	StateMonetary TransactionState = "MONETARY"
	StatePromo    TransactionState = "PROMO"
	StateOTP      TransactionState = "OTP"
	StateDeclined TransactionState = "DECLINED"
	StateUnknown  TransactionState = "UNKNOWN"
)

// AccountType describes the kind of account a card suffix resolves to.
type AccountType string

const (
	AccountCredit  AccountType = "Credit"
	AccountDebit   AccountType = "Debit"
	AccountPrepaid AccountType = "Prepaid"
	AccountUnknown AccountType = "Unknown"
)

// AnomalyFlag names one anomaly rule that fired for a transaction. Flags are
// never mutually exclusive; a record carries zero or more of them.
type AnomalyFlag string

const (
	AnomalyHighValue       AnomalyFlag = "high_value"
	AnomalyBurstFrequency  AnomalyFlag = "burst_frequency"
	AnomalyUnknownMerchant AnomalyFlag = "unknown_merchant"
)

// MatchPriority records which rule of the categorization cascade produced the
// assignment.
type MatchPriority string

const (
	MatchExact    MatchPriority = "exact"
	MatchFuzzy    MatchPriority = "fuzzy"
	MatchKeyword  MatchPriority = "keyword"
	MatchFallback MatchPriority = "fallback"
)

// TransactionRecord is the terminal aggregate produced for each processed
// message. Pipeline steps only add fields; a step never overwrites a field a
// previous step resolved. Amount is kept as the raw matched text; numeric
// parsing is left to storage and aggregation consumers.
type TransactionRecord struct {
	ID           string
	Text         string
	TextRepaired bool

	Bank           string
	BankConfidence int
	Template       string

	Amount          *string
	Currency        *string
	DateRaw         *string
	ResolvedDate    *string // YYYY-MM-DD
	Payee           *string
	TransactionType *string
	CardSuffix      *string
	Confidence      Confidence

	AccountID    string
	AccountType  AccountType
	InterestRate *float64
	CreditLimit  *float64
	BillingCycle *int
	AccountLabel string
	AccountKnown bool

	Category         string
	Subcategory      string
	Tags             []string
	CategoryPriority MatchPriority

	Anomalies []AnomalyFlag

	State       TransactionState
	StateReason string

	// ContentHash is the idempotency key handed to the store. Empty when the
	// record's identity fields are incomplete; such records are retained for
	// audit only and never deduplicated by hash.
	ContentHash string
}

// HasIdentity reports whether the record carries every field the dedup hash
// is computed over.
func (r *TransactionRecord) HasIdentity() bool {
	return r.ResolvedDate != nil && *r.ResolvedDate != "" &&
		r.Amount != nil && *r.Amount != "" &&
		r.Payee != nil && *r.Payee != "" &&
		r.AccountID != ""
}
