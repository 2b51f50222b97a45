package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/sms-ledger/internal/anomaly"
	"github.com/dvloznov/sms-ledger/internal/bankid"
	"github.com/dvloznov/sms-ledger/internal/cards"
	"github.com/dvloznov/sms-ledger/internal/categorize"
	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/extract"
	"github.com/dvloznov/sms-ledger/internal/logger"
	"github.com/dvloznov/sms-ledger/internal/pipeline"
	"github.com/dvloznov/sms-ledger/internal/promo"
	"github.com/dvloznov/sms-ledger/internal/store/sqlite"
)

var (
	rulesDir string
	dbPath   string
	modeFlag string
	bankFlag string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "ingest [messages-file]",
	Short: "Classify bank SMS messages and store them as transactions",
	Long: `Reads one message per line from the given file, classifies each into a
transaction record and writes the batch to the SQLite ledger with
content-hash deduplication.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&rulesDir, "rules", "configs", "Directory holding the rule YAML files")
	rootCmd.Flags().StringVar(&dbPath, "db", "ledger.db", "Path to the SQLite database")
	rootCmd.Flags().StringVar(&modeFlag, "mode", "skip", "Duplicate handling: skip or upsert")
	rootCmd.Flags().StringVar(&bankFlag, "bank", "", "Attribute every message to this bank instead of auto-detecting")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logger.New()
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	mode, err := sqlite.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	msgs, err := readMessages(args[0])
	if err != nil {
		return fmt.Errorf("read messages: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%s: no messages to process", args[0])
	}
	log.Info().Int("messages", len(msgs)).Str("file", args[0]).Msg("starting ingestion")

	store, err := sqlite.Open(ctx, log, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	classifier, err := buildClassifier(log, store)
	if err != nil {
		return err
	}

	records, summary, err := classifier.ProcessBatch(ctx, msgs)
	if err != nil {
		return fmt.Errorf("classify batch: %w", err)
	}

	results, err := store.PutBatch(ctx, records, mode)
	if err != nil {
		return fmt.Errorf("store batch: %w", err)
	}

	printSummary(summary, results)
	return nil
}

func buildClassifier(log zerolog.Logger, store *sqlite.Store) (*pipeline.Classifier, error) {
	paths := config.DefaultPaths(rulesDir)

	filter, err := promo.New(log, paths.PromoKeywords)
	if err != nil {
		return nil, err
	}
	banks, err := bankid.New(log, paths.BankPatterns)
	if err != nil {
		return nil, err
	}
	engine, err := extract.NewEngine(log, paths.Templates, cards.ExtractSuffix)
	if err != nil {
		return nil, err
	}
	resolver, err := cards.New(log, paths.Accounts)
	if err != nil {
		return nil, err
	}
	categorizer, err := categorize.New(log, paths.CategoryRules)
	if err != nil {
		return nil, err
	}

	var anomalyCfg anomaly.Config
	if err := config.ReadYAML(paths.Anomaly, &anomalyCfg); err != nil {
		if !config.IsMissing(err) {
			return nil, fmt.Errorf("anomaly config: %w", err)
		}
		log.Warn().Str("path", paths.Anomaly).Msg("anomaly config missing, using defaults")
	}
	detector := anomaly.New(log, anomalyCfg)

	return pipeline.NewClassifier(
		log, filter, banks, engine, resolver, categorizer, detector, &storeHistory{store},
		pipeline.Options{ForcedBank: bankFlag},
	), nil
}

// storeHistory adapts the store's history query to the pipeline's provider
// interface.
type storeHistory struct {
	store *sqlite.Store
}

func (h *storeHistory) Before(ctx context.Context, at time.Time, limit int) ([]anomaly.Entry, error) {
	return h.store.History(ctx, at, limit)
}

// readMessages loads one message per line, skipping blank lines. The file
// mtime stands in for the batch's creation time so date inference stays
// stable across re-ingests.
func readMessages(path string) ([]pipeline.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var createdAt *time.Time
	if info, err := f.Stat(); err == nil {
		mtime := info.ModTime().UTC()
		createdAt = &mtime
	}

	var msgs []pipeline.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		msgs = append(msgs, pipeline.RawMessage{Text: line, FileCreatedAt: createdAt})
	}
	return msgs, scanner.Err()
}

func printSummary(summary pipeline.Summary, results []sqlite.Result) {
	outcomes := map[sqlite.Outcome]int{}
	for _, r := range results {
		outcomes[r.Outcome]++
	}

	fmt.Printf("Processed:      %d\n", summary.Processed)
	fmt.Printf("Promo filtered: %d\n", summary.PromoFiltered)
	fmt.Printf("Unknown bank:   %d\n", summary.UnknownBank)
	fmt.Printf("Low confidence: %d\n", summary.LowConfidence)
	fmt.Printf("Inserted: %d  Updated: %d  Skipped: %d  Failed: %d\n",
		outcomes[sqlite.OutcomeInserted], outcomes[sqlite.OutcomeUpdated],
		outcomes[sqlite.OutcomeSkipped], outcomes[sqlite.OutcomeFailed])

	if len(summary.BankDistribution) > 0 {
		fmt.Println("Banks:")
		printCounts(summary.BankDistribution)
	}
	if len(summary.CategoryCounts) > 0 {
		fmt.Println("Categories:")
		printCounts(summary.CategoryCounts)
	}
}

func printCounts(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		fmt.Printf("  %-24s %d\n", k, counts[k])
	}
}
