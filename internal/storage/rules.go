package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"powerwatch/internal/core/domain"

	"gopkg.in/yaml.v3"
)

// ruleDoc is the YAML representation of one rule.
type ruleDoc struct {
	ID                   string  `yaml:"id"`
	Name                 string  `yaml:"name"`
	Operator             string  `yaml:"operator"`
	ThresholdKW          float64 `yaml:"threshold_kw"`
	TargetReservePercent float64 `yaml:"target_reserve_percent"`
	Enabled              bool    `yaml:"enabled"`
	Order                int     `yaml:"order"`
}

// RuleStore persists the automation rule set as a YAML list. Every mutation
// saves the complete set; saves go through a temp file and rename so a crash
// never leaves a half-written rules file.
type RuleStore struct {
	path string
}

func NewRuleStore(path string) *RuleStore {
	return &RuleStore{path: path}
}

// Load reads the persisted rule set. A missing file is an empty rule set.
// Entries with an unknown operator fail the whole load.
func (s *RuleStore) Load() ([]domain.Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Rule{}, nil
		}
		return nil, fmt.Errorf("rules: read %s: %w", s.path, err)
	}
	var docs []ruleDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", s.path, err)
	}
	rules := make([]domain.Rule, 0, len(docs))
	for _, d := range docs {
		op, err := domain.ParseRuleOperator(d.Operator)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %q: %w", d.ID, err)
		}
		rules = append(rules, domain.Rule{
			ID:                   d.ID,
			Name:                 d.Name,
			Operator:             op,
			ThresholdKW:          d.ThresholdKW,
			TargetReservePercent: d.TargetReservePercent,
			Enabled:              d.Enabled,
			Order:                d.Order,
		})
	}
	return rules, nil
}

// Save writes the full rule set atomically.
func (s *RuleStore) Save(rules []domain.Rule) error {
	docs := make([]ruleDoc, 0, len(rules))
	for _, r := range rules {
		docs = append(docs, ruleDoc{
			ID:                   r.ID,
			Name:                 r.Name,
			Operator:             string(r.Operator),
			ThresholdKW:          r.ThresholdKW,
			TargetReservePercent: r.TargetReservePercent,
			Enabled:              r.Enabled,
			Order:                r.Order,
		})
	}
	data, err := yaml.Marshal(docs)
	if err != nil {
		return fmt.Errorf("rules: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("rules: create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rules: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rules: rename: %w", err)
	}
	return nil
}
