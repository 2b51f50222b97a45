package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldDigits(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"all arabic digits", "٠١٢٣٤٥٦٧٨٩", "0123456789"},
		{"mixed with arabic text", "مبلغ ١٥٠٫٥٠ جنيه", "مبلغ 150.50 جنيه"},
		{"mixed with latin", "Mixed: ١٢٣ and 456", "Mixed: 123 and 456"},
		{"latin only untouched", "Latin text ABC", "Latin text ABC"},
		{"separators", "١٬٢٣٤٫٥٦", "1,234.56"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FoldDigits(tt.input))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"  CIB: card **1234 charged ٥٠٠ EGP  ",
		"بطاقة رقم ١٢٣٤",
		"plain ascii",
		"",
		string([]byte{0xff, 0xfe}) + "broken prefix",
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "Normalize must be idempotent for %q", in)
	}
}

func TestNormalizeRepairsInvalidUTF8(t *testing.T) {
	in := "amount " + string([]byte{0xc3, 0x28}) + " 100"
	out := Normalize(in)
	assert.True(t, len(out) > 0)
	assert.NotContains(t, out, "�")
}

func TestNormalizeTrimsAndFolds(t *testing.T) {
	assert.Equal(t, "paid 150 EGP", Normalize("  paid ١٥٠ EGP\n"))
}
