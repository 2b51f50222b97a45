package categorize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/logger"
)

const testRules = `
categories:
  - name: groceries
    category: Groceries
    subcategory: Supermarket
    tags: [essential]
    merchants: [Carrefour, Spinneys, كارفور]
    keywords: [market, سوبر ماركت]
  - name: transport
    category: Transport
    subcategory: Ride Hailing
    merchants: [Uber, Careem]
    keywords: [taxi]
  - name: dining
    category: Dining
    merchants: [McDonalds]
    keywords: [restaurant, مطعم]
fallback:
  category: Uncategorized
  tags: [review]
`

func newCategorizer(t *testing.T, content string, opts ...Option) *Categorizer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "category_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c, err := New(logger.Nop(), path, opts...)
	require.NoError(t, err)
	return c
}

func TestAssignExact(t *testing.T) {
	c := newCategorizer(t, testRules)

	tests := []struct {
		payee    string
		category string
	}{
		{"Carrefour", "Groceries"},
		{"CARREFOUR", "Groceries"},
		{"  uber  ", "Transport"},
		{"كارفور", "Groceries"},
	}
	for _, tt := range tests {
		got := c.Assign(tt.payee)
		assert.Equal(t, tt.category, got.Category, "payee %q", tt.payee)
		assert.Equal(t, domain.MatchExact, got.Priority, "payee %q", tt.payee)
	}
}

func TestAssignExactCarriesRuleMetadata(t *testing.T) {
	c := newCategorizer(t, testRules)

	got := c.Assign("Carrefour")
	assert.Equal(t, "Supermarket", got.Subcategory)
	assert.Equal(t, []string{"essential"}, got.Tags)
	assert.Equal(t, "groceries", got.MatchedRule)
}

func TestAssignFuzzyContainment(t *testing.T) {
	c := newCategorizer(t, testRules)

	// Branch suffix: not an exact merchant, but contains one.
	got := c.Assign("Carrefour Maadi")
	assert.Equal(t, "Groceries", got.Category)
	assert.Equal(t, domain.MatchFuzzy, got.Priority)
	assert.GreaterOrEqual(t, got.Score, DefaultFuzzyThreshold)
}

func TestAssignFuzzyMisspelling(t *testing.T) {
	c := newCategorizer(t, testRules)

	got := c.Assign("Carrefur")
	assert.Equal(t, "Groceries", got.Category)
	assert.Equal(t, domain.MatchFuzzy, got.Priority)
}

func TestAssignKeyword(t *testing.T) {
	c := newCategorizer(t, testRules)

	got := c.Assign("City Night Restaurant 42")
	assert.Equal(t, "Dining", got.Category)
	assert.Equal(t, domain.MatchKeyword, got.Priority)

	got = c.Assign("مطعم النيل")
	assert.Equal(t, "Dining", got.Category)
	assert.Equal(t, domain.MatchKeyword, got.Priority)
}

func TestAssignFallback(t *testing.T) {
	c := newCategorizer(t, testRules)

	got := c.Assign("Completely Unrelated Shop Zzz")
	assert.Equal(t, "Uncategorized", got.Category)
	assert.Equal(t, domain.MatchFallback, got.Priority)
	assert.Equal(t, []string{"review"}, got.Tags)

	assert.Equal(t, "Uncategorized", c.Assign("").Category)
	assert.Equal(t, "Uncategorized", c.Assign("   ").Category)
}

func TestAssignFuzzyTieKeepsEarlierRule(t *testing.T) {
	// The same merchant under two rules scores identically; the first
	// declared rule must win.
	rules := `
categories:
  - name: first
    category: First
    merchants: [vodafone cash]
  - name: second
    category: Second
    merchants: [vodafone cash]
fallback:
  category: Uncategorized
`
	c := newCategorizer(t, rules)
	got := c.Assign("vodafone casg")
	if got.Priority == domain.MatchFuzzy {
		assert.Equal(t, "First", got.Category)
	}
}

func TestAssignBatchAndStatistics(t *testing.T) {
	c := newCategorizer(t, testRules)
	payees := []string{"Carrefour", "Uber", "Spinneys", "???"}

	batch := c.AssignBatch(payees)
	require.Len(t, batch, len(payees))
	for i, p := range payees {
		assert.Equal(t, c.Assign(p), batch[i])
	}

	stats := c.Statistics(payees)
	assert.Equal(t, map[string]int{"Groceries": 2, "Transport": 1, "Uncategorized": 1}, stats)
}

func TestNewFailsWithoutFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "category_rules.yaml")
	content := `
categories:
  - name: x
    category: X
    merchants: [x]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := New(logger.Nop(), path)
	assert.Error(t, err)
}

func TestReloadKeepsPriorOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "category_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o644))
	c, err := New(logger.Nop(), path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("categories: [broken"), 0o644))
	c.Reload()

	assert.Equal(t, "Groceries", c.Assign("Carrefour").Category)
}
