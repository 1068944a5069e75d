package storage

import (
	"os"
	"path/filepath"
	"testing"

	"powerwatch/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	store := NewRuleStore(path)

	rules := []domain.Rule{
		{
			ID:                   "r1",
			Name:                 "high load",
			Operator:             domain.RULE_OP_GT,
			ThresholdKW:          5,
			TargetReservePercent: 40,
			Enabled:              true,
			Order:                0,
		},
		{
			ID:          "r2",
			Name:        "idle",
			Operator:    domain.RULE_OP_LE,
			ThresholdKW: 0.5,
			Order:       1,
		},
	}
	require.NoError(t, store.Save(rules))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, rules, got)

	// no temp file left behind
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRuleStoreMissingFileIsEmptySet(t *testing.T) {
	store := NewRuleStore(filepath.Join(t.TempDir(), "missing.yaml"))
	got, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRuleStoreRejectsUnknownOperator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"- id: r1\n  name: bad\n  operator: '=='\n  threshold_kw: 1\n"), 0o644))

	_, err := NewRuleStore(path).Load()
	assert.Error(t, err)
}
