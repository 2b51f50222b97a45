// Package textnorm repairs and normalizes raw SMS text before any
// classification runs. All functions are pure and idempotent.
package textnorm

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Arabic-Indic digits and numeric separators mapped to their ASCII
// equivalents. Everything else, including Arabic letters, passes through.
var digitFold = map[rune]rune{
	'٠': '0', // U+0660
	'١': '1', // U+0661
	'٢': '2', // U+0662
	'٣': '3', // U+0663
	'٤': '4', // U+0664
	'٥': '5', // U+0665
	'٦': '6', // U+0666
	'٧': '7', // U+0667
	'٨': '8', // U+0668
	'٩': '9', // U+0669
	'٫': '.', // U+066B Arabic decimal separator
	'٬': ',', // U+066C Arabic thousands separator
}

// FoldDigits replaces Arabic-Indic numerals with Western numerals, leaving
// all other characters untouched.
func FoldDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if folded, ok := digitFold[r]; ok {
			return folded
		}
		return r
	}, s)
}

// NormalizeDecimal strips thousands separators from an amount string.
// "1,500.75" becomes "1500.75"; a comma serving as the decimal mark, as in
// "150,75", becomes a dot. The input is assumed digit-folded already.
func NormalizeDecimal(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		return strings.ReplaceAll(s, ",", "")
	}
	if i := strings.LastIndex(s, ","); i >= 0 {
		if len(s)-i-1 == 3 && len(s[:i]) > 0 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.ReplaceAll(s, ",", ".")
	}
	return s
}

// Normalize returns the canonical form of a raw message: best-effort UTF-8
// repair, Unicode NFC, Arabic-Indic digits folded to ASCII, surrounding
// whitespace trimmed. Undecodable bytes are dropped rather than failing, so
// downstream stages always receive a usable string.
func Normalize(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	s = FoldDigits(s)
	return strings.TrimSpace(s)
}
