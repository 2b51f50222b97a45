// Package config holds the rule-file plumbing shared by every classifier
// component: YAML reading with a distinguishable missing-file error, and the
// conventional file names inside a rules directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrMissing wraps the not-exist case so reload policies can warn instead of
// error. Malformed content is reported as a plain error.
var ErrMissing = errors.New("config file missing")

// IsMissing reports whether err stems from a missing config file.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing)
}

// ReadYAML decodes the YAML file at path into out.
func ReadYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Paths names every rule file the pipeline consumes. Each file reloads
// independently.
type Paths struct {
	PromoKeywords string
	BankPatterns  string
	Templates     string
	Accounts      string
	CategoryRules string
	Anomaly       string
}

// DefaultPaths returns the conventional layout inside a rules directory.
func DefaultPaths(dir string) Paths {
	return Paths{
		PromoKeywords: filepath.Join(dir, "promo_keywords.yaml"),
		BankPatterns:  filepath.Join(dir, "bank_patterns.yaml"),
		Templates:     filepath.Join(dir, "sms_templates.yaml"),
		Accounts:      filepath.Join(dir, "accounts.yaml"),
		CategoryRules: filepath.Join(dir, "category_rules.yaml"),
		Anomaly:       filepath.Join(dir, "anomaly.yaml"),
	}
}
