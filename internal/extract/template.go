package extract

import (
	"fmt"
	"regexp"

	"github.com/dvloznov/sms-ledger/internal/config"
)

// Field names a template pattern may extract. The set is closed; unknown
// field names in a template file are a load error.
const (
	FieldAmount          = "amount"
	FieldCurrency        = "currency"
	FieldDate            = "date"
	FieldPayee           = "payee"
	FieldTransactionType = "transaction_type"
	FieldCardSuffix      = "card_suffix"
)

var knownFields = map[string]bool{
	FieldAmount:          true,
	FieldCurrency:        true,
	FieldDate:            true,
	FieldPayee:           true,
	FieldTransactionType: true,
	FieldCardSuffix:      true,
}

// fieldPattern pairs one field with its compiled pattern. The pattern must
// expose a named capture group matching the field name.
type fieldPattern struct {
	field string
	re    *regexp.Regexp
	group int // index of the named group within the pattern
}

// Template is a named, ordered set of field patterns plus the subset of
// fields that must all match for the template to be selected.
type Template struct {
	Name     string
	Required []string
	patterns []fieldPattern
}

// bankTemplates keeps one bank's templates in declaration order.
type bankTemplates struct {
	id        string
	templates []Template
}

type templateSet struct {
	banks []bankTemplates
	index map[string]int // bank id -> position in banks
}

// templateFile is the on-disk shape. Banks and templates are lists because
// declaration order decides both template selection and auto-detect
// tie-breaks.
type templateFile struct {
	Banks []struct {
		Bank      string `yaml:"bank"`
		Templates []struct {
			Name     string            `yaml:"name"`
			Required []string          `yaml:"required"`
			Patterns map[string]string `yaml:"patterns"`
		} `yaml:"templates"`
	} `yaml:"banks"`
}

func loadTemplates(path string) (*templateSet, error) {
	var file templateFile
	if err := config.ReadYAML(path, &file); err != nil {
		return nil, err
	}
	if len(file.Banks) == 0 {
		return nil, fmt.Errorf("%s: no banks declared", path)
	}

	set := &templateSet{index: make(map[string]int)}
	for _, b := range file.Banks {
		if b.Bank == "" {
			return nil, fmt.Errorf("%s: bank entry without id", path)
		}
		if _, dup := set.index[b.Bank]; dup {
			return nil, fmt.Errorf("%s: bank %q declared twice", path, b.Bank)
		}
		bt := bankTemplates{id: b.Bank}
		for _, td := range b.Templates {
			tpl, err := compileTemplate(b.Bank, td.Name, td.Required, td.Patterns)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			bt.templates = append(bt.templates, tpl)
		}
		if len(bt.templates) == 0 {
			return nil, fmt.Errorf("%s: bank %q has no templates", path, b.Bank)
		}
		set.index[b.Bank] = len(set.banks)
		set.banks = append(set.banks, bt)
	}
	return set, nil
}

func compileTemplate(bank, name string, required []string, patterns map[string]string) (Template, error) {
	if name == "" {
		return Template{}, fmt.Errorf("bank %q: template without name", bank)
	}
	if len(patterns) == 0 {
		return Template{}, fmt.Errorf("bank %q template %q: no patterns", bank, name)
	}

	tpl := Template{Name: name, Required: required}
	declared := make(map[string]bool, len(patterns))

	// Field order within a template does not affect selection, only which
	// patterns exist; iterate the closed field list for determinism.
	for _, field := range []string{FieldAmount, FieldCurrency, FieldDate, FieldPayee, FieldTransactionType, FieldCardSuffix} {
		raw, ok := patterns[field]
		if !ok {
			continue
		}
		declared[field] = true
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return Template{}, fmt.Errorf("bank %q template %q field %q: %w", bank, name, field, err)
		}
		group := 0
		for i, n := range re.SubexpNames() {
			if n == field {
				group = i
				break
			}
		}
		if group == 0 {
			return Template{}, fmt.Errorf("bank %q template %q field %q: pattern has no (?P<%s>...) group", bank, name, field, field)
		}
		tpl.patterns = append(tpl.patterns, fieldPattern{field: field, re: re, group: group})
	}

	for field := range patterns {
		if !knownFields[field] {
			return Template{}, fmt.Errorf("bank %q template %q: unknown field %q", bank, name, field)
		}
	}
	if len(required) == 0 {
		return Template{}, fmt.Errorf("bank %q template %q: no required fields", bank, name)
	}
	for _, field := range required {
		if !declared[field] {
			return Template{}, fmt.Errorf("bank %q template %q: required field %q has no pattern", bank, name, field)
		}
	}
	return tpl, nil
}
