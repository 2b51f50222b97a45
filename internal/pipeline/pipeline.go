// Package pipeline chains the classification steps that turn one raw bank
// message into a transaction record.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/sms-ledger/internal/anomaly"
	"github.com/dvloznov/sms-ledger/internal/bankid"
	"github.com/dvloznov/sms-ledger/internal/cards"
	"github.com/dvloznov/sms-ledger/internal/categorize"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/extract"
	"github.com/dvloznov/sms-ledger/internal/history"
	"github.com/dvloznov/sms-ledger/internal/promo"
)

// RawMessage is one message as received, before any processing.
type RawMessage struct {
	Text            string
	SourceTimestamp *time.Time // when the message arrived, if the source knows
	FileCreatedAt   *time.Time // mtime of the file the message came from
}

// State is the shared state threaded through the pipeline steps.
type State struct {
	Raw     RawMessage
	Record  domain.TransactionRecord
	History []anomaly.Entry
	At      time.Time // reference instant for anomaly windows

	// Done short-circuits the remaining steps; the record is final.
	Done bool
}

// Step is a single stage of the classification pipeline.
type Step interface {
	Execute(ctx context.Context, state *State) error
}

// historyLimit bounds how much history the anomaly rules consult.
const historyLimit = 200

// Classifier owns the wired components and the step order.
type Classifier struct {
	log      zerolog.Logger
	steps    []Step
	history  history.Provider
	selector extract.BankSelector
}

// Options configures a Classifier.
type Options struct {
	// ForcedBank skips bank identification and attributes every message to
	// this bank. Empty means auto-detect.
	ForcedBank string
}

// NewClassifier wires the components into the standard step order. The
// history provider may be nil, in which case the anomaly rules see only the
// current batch.
func NewClassifier(
	log zerolog.Logger,
	promoFilter *promo.Filter,
	banks *bankid.Identifier,
	engine *extract.Engine,
	resolver *cards.Resolver,
	categorizer *categorize.Categorizer,
	detector *anomaly.Detector,
	hist history.Provider,
	opts Options,
) *Classifier {
	c := &Classifier{
		log:      log.With().Str("component", "pipeline").Logger(),
		history:  hist,
		selector: extract.Auto(),
	}
	bankStep := &IdentifyBankStep{banks: banks}
	if opts.ForcedBank != "" {
		c.selector = extract.Bank(opts.ForcedBank)
		bankStep.forced = opts.ForcedBank
	}
	c.steps = []Step{
		&NormalizeStep{},
		&PromoFilterStep{filter: promoFilter},
		bankStep,
		&ExtractFieldsStep{engine: engine, selector: c.selector},
		&ResolveCardStep{resolver: resolver},
		&ClassifyStateStep{},
		&ResolveDateStep{},
		&CategorizeStep{categorizer: categorizer},
		&DetectAnomaliesStep{detector: detector},
		&HashStep{},
	}
	return c
}

// Process classifies one message.
func (c *Classifier) Process(ctx context.Context, msg RawMessage, hist []anomaly.Entry) (domain.TransactionRecord, error) {
	state := &State{
		Raw:     msg,
		Record:  domain.TransactionRecord{ID: uuid.NewString(), Text: msg.Text},
		History: hist,
		At:      referenceTime(msg),
	}
	for _, step := range c.steps {
		if state.Done {
			break
		}
		if err := step.Execute(ctx, state); err != nil {
			return state.Record, fmt.Errorf("pipeline: %w", err)
		}
	}
	return state.Record, nil
}

// referenceTime picks the anomaly reference instant for a message.
func referenceTime(msg RawMessage) time.Time {
	if msg.SourceTimestamp != nil {
		return *msg.SourceTimestamp
	}
	if msg.FileCreatedAt != nil {
		return *msg.FileCreatedAt
	}
	return time.Now().UTC()
}

// Summary aggregates one batch run.
type Summary struct {
	Processed     int
	PromoFiltered int
	UnknownBank   int
	LowConfidence int

	BankDistribution map[string]int
	CategoryCounts   map[string]int
	StateCounts      map[domain.TransactionState]int
}

// ProcessBatch classifies messages in order. Each message's anomaly rules
// see the stored history plus the monetary records classified earlier in
// the same batch.
func (c *Classifier) ProcessBatch(ctx context.Context, msgs []RawMessage) ([]domain.TransactionRecord, Summary, error) {
	summary := Summary{
		BankDistribution: make(map[string]int),
		CategoryCounts:   make(map[string]int),
		StateCounts:      make(map[domain.TransactionState]int),
	}

	overlay := history.NewMemory(nil)
	if c.history != nil {
		base, err := c.history.Before(ctx, time.Now().UTC(), historyLimit)
		if err != nil {
			return nil, summary, fmt.Errorf("load history: %w", err)
		}
		overlay = history.NewMemory(base)
	}

	records := make([]domain.TransactionRecord, 0, len(msgs))
	for _, msg := range msgs {
		hist, err := overlay.Before(ctx, time.Now().UTC(), historyLimit)
		if err != nil {
			return nil, summary, err
		}
		rec, err := c.Process(ctx, msg, hist)
		if err != nil {
			return nil, summary, err
		}
		records = append(records, rec)
		summary.observe(rec)
		if rec.State == domain.StateMonetary && rec.ResolvedDate != nil && rec.Payee != nil {
			overlay.Append(anomaly.Entry{
				Amount: parseAmount(rec.Amount),
				Payee:  *rec.Payee,
				Date:   *rec.ResolvedDate,
			})
		}
	}
	return records, summary, nil
}

func (s *Summary) observe(rec domain.TransactionRecord) {
	s.Processed++
	s.StateCounts[rec.State]++
	if rec.State == domain.StatePromo {
		s.PromoFiltered++
	} else if rec.Bank == bankid.UnknownBank || rec.Bank == "" {
		s.UnknownBank++
	}
	if rec.Confidence == domain.ConfidenceLow {
		s.LowConfidence++
	}
	if rec.Bank != "" {
		s.BankDistribution[rec.Bank]++
	}
	if rec.Category != "" {
		s.CategoryCounts[rec.Category]++
	}
}
