package bankid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/sms-ledger/internal/logger"
)

const testPatterns = `
banks:
  - bank: HSBC
    patterns:
      - HSBC
      - hsbc egypt
  - bank: CIB
    patterns:
      - CIB
      - البنك التجاري الدولي
  - bank: BanqueMisr
    patterns:
      - banque misr
      - بنك مصر
`

func newIdentifier(t *testing.T, content string, opts ...Option) *Identifier {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank_patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ident, err := New(logger.Nop(), path, opts...)
	require.NoError(t, err)
	return ident
}

func TestIdentifyExact(t *testing.T) {
	ident := newIdentifier(t, testPatterns)

	tests := []struct {
		name string
		text string
		want Match
	}{
		{
			name: "english bank name",
			text: "Your HSBC card ending 1234 was used",
			want: Match{BankID: "HSBC", Confidence: 100, Kind: MatchExact},
		},
		{
			name: "case insensitive",
			text: "cib: your balance is 1000",
			want: Match{BankID: "CIB", Confidence: 100, Kind: MatchExact},
		},
		{
			name: "arabic pattern",
			text: "تم الخصم من بطاقتك - بنك مصر",
			want: Match{BankID: "BanqueMisr", Confidence: 100, Kind: MatchExact},
		},
		{
			name: "no match",
			text: "hello from nowhere",
			want: Match{BankID: UnknownBank, Unmatched: true},
		},
		{
			name: "empty message",
			text: "   ",
			want: Match{BankID: UnknownBank, Unmatched: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ident.Identify(tt.text))
		})
	}
}

func TestIdentifyConfigOrderWinsOnExact(t *testing.T) {
	// Both banks match; the first declared bank must win.
	overlap := `
banks:
  - bank: First
    patterns: [transfer]
  - bank: Second
    patterns: [transfer]
`
	ident := newIdentifier(t, overlap)
	got := ident.Identify("transfer completed")
	assert.Equal(t, "First", got.BankID)
	assert.Equal(t, MatchExact, got.Kind)
}

func TestIdentifyExactOutranksFuzzy(t *testing.T) {
	// "National Bank" is a near-perfect fuzzy hit for NBE, but AAIB has a
	// literal pattern match and is declared later. Exact still wins.
	patterns := `
banks:
  - bank: NBE
    patterns: [national bank of egypt]
  - bank: AAIB
    patterns: [aaib]
`
	ident := newIdentifier(t, patterns)
	got := ident.Identify("national bank of egyp transaction via AAIB")
	assert.Equal(t, "AAIB", got.BankID)
	assert.Equal(t, MatchExact, got.Kind)
	assert.Equal(t, 100, got.Confidence)
}

func TestIdentifyFuzzy(t *testing.T) {
	ident := newIdentifier(t, testPatterns)

	// Misspelled bank name: no exact pattern, fuzzy stage should catch it.
	got := ident.Identify("banqu misr card used for 100 EGP")
	assert.Equal(t, "BanqueMisr", got.BankID)
	assert.Equal(t, MatchFuzzy, got.Kind)
	assert.GreaterOrEqual(t, got.Confidence, DefaultFuzzyThreshold)
}

func TestIdentifyFuzzyDisabled(t *testing.T) {
	ident := newIdentifier(t, testPatterns, WithoutFuzzy())
	got := ident.Identify("banqu misr card used")
	assert.True(t, got.Unmatched)
	assert.Equal(t, UnknownBank, got.BankID)
}

func TestIdentifyFuzzyTieBreaksByConfigOrder(t *testing.T) {
	// Identical pattern under two banks produces identical fuzzy scores; the
	// earlier bank must win.
	patterns := `
banks:
  - bank: Alpha
    patterns: [paymob wallet]
  - bank: Beta
    patterns: [paymob wallet]
`
	ident := newIdentifier(t, patterns)
	got := ident.Identify("paymob walet top-up done")
	if got.Kind == MatchFuzzy {
		assert.Equal(t, "Alpha", got.BankID)
	}
}

func TestIdentifyBatchMatchesSingle(t *testing.T) {
	ident := newIdentifier(t, testPatterns)
	msgs := []string{"HSBC alert", "CIB alert", "nothing"}

	batch := ident.IdentifyBatch(msgs)
	require.Len(t, batch, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, ident.Identify(m), batch[i])
	}
}

func TestStatistics(t *testing.T) {
	ident := newIdentifier(t, testPatterns)
	stats := ident.Statistics([]string{"HSBC alert", "HSBC transaction", "CIB alert", "???"})
	assert.Equal(t, map[string]int{"HSBC": 2, "CIB": 1, UnknownBank: 1}, stats)
}

func TestBanksOrder(t *testing.T) {
	ident := newIdentifier(t, testPatterns)
	assert.Equal(t, []string{"HSBC", "CIB", "BanqueMisr"}, ident.Banks())
}

func TestReloadKeepsPriorOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank_patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPatterns), 0o644))
	ident, err := New(logger.Nop(), path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	ident.Reload()

	got := ident.Identify("HSBC card used")
	assert.Equal(t, "HSBC", got.BankID)
}

func TestNewFailsOnMissingFile(t *testing.T) {
	_, err := New(logger.Nop(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
