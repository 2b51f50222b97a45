package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/sms-ledger/internal/domain"
)

func TestContentHashStable(t *testing.T) {
	a, err := ContentHash("2025-06-15", "150.50", "Carrefour", "hsbc_platinum", domain.StateMonetary)
	require.NoError(t, err)
	b, err := ContentHash("2025-06-15", "150.50", "Carrefour", "hsbc_platinum", domain.StateMonetary)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentHashSensitiveToEveryField(t *testing.T) {
	base, err := ContentHash("2025-06-15", "150.50", "Carrefour", "hsbc_platinum", domain.StateMonetary)
	require.NoError(t, err)

	variants := [][5]string{
		{"2025-06-16", "150.50", "Carrefour", "hsbc_platinum", string(domain.StateMonetary)},
		{"2025-06-15", "150.51", "Carrefour", "hsbc_platinum", string(domain.StateMonetary)},
		{"2025-06-15", "150.50", "Spinneys", "hsbc_platinum", string(domain.StateMonetary)},
		{"2025-06-15", "150.50", "Carrefour", "cib_debit", string(domain.StateMonetary)},
		{"2025-06-15", "150.50", "Carrefour", "hsbc_platinum", string(domain.StateDeclined)},
	}
	for _, v := range variants {
		h, err := ContentHash(v[0], v[1], v[2], v[3], domain.TransactionState(v[4]))
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "variant %v must change the hash", v)
	}
}

func TestContentHashRejectsEmptyFields(t *testing.T) {
	_, err := ContentHash("", "150.50", "Carrefour", "acc", domain.StateMonetary)
	assert.Error(t, err)
	_, err = ContentHash("2025-06-15", "", "Carrefour", "acc", domain.StateMonetary)
	assert.Error(t, err)
	_, err = ContentHash("2025-06-15", "150.50", "  ", "acc", domain.StateMonetary)
	assert.Error(t, err)
}
