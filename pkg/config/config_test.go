package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-health/authcore/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ANALYSIS_SERVICE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("AUTHCORE_PROFILE", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "sqlite")
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "authcore:events", cfg.EventStream)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://authcore:5432/authcore")
	t.Setenv("ANALYSIS_SERVICE_URL", "http://analysis.internal:8443")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://authcore:5432/authcore", cfg.DatabaseURL)
	assert.Equal(t, "http://analysis.internal:8443", cfg.AnalysisServiceURL)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
}

func TestDefaultProfile(t *testing.T) {
	p := config.DefaultProfile()
	assert.InDelta(t, 0.7, p.Thresholds.FraudRisk, 1e-9)
	assert.Equal(t, "10000", p.Thresholds.ValueCeiling)
	assert.Equal(t, 10, p.Thresholds.MinJustificationLen)
	assert.Equal(t, 30*time.Second, p.Analysis.NormalDeadline.Std())
	assert.Equal(t, 10*time.Second, p.Analysis.HighDeadline.Std())
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfileMergesOverDefaults(t *testing.T) {
	path := writeProfile(t, `
name: strict
thresholds:
  fraud_risk: 0.5
  value_ceiling: "2500"
  min_justification_len: 25
rules:
  - name: fraud_risk_threshold
    expr: 'analysis.present && analysis.risk_score >= thresholds.fraud_risk'
  - name: night_submission
    expr: 'case.priority == "urgent"'
analysis:
  normal_deadline: 5s
`)

	p, err := config.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", p.Name)
	assert.InDelta(t, 0.5, p.Thresholds.FraudRisk, 1e-9)
	assert.Equal(t, 25, p.Thresholds.MinJustificationLen)
	assert.Len(t, p.Rules, 2)

	assert.Equal(t, 5*time.Second, p.Analysis.NormalDeadline.Std())

	// Untouched sections keep defaults.
	assert.Equal(t, 2, p.Analysis.MaxRetries)
	assert.Equal(t, 10*time.Second, p.Analysis.HighDeadline.Std())
	assert.Equal(t, 50, p.Outbox.BatchSize)
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"fraud risk out of range": "thresholds:\n  fraud_risk: 1.5\n",
		"rule without expr":       "rules:\n  - name: orphan\n",
		"duplicate rule name":     "rules:\n  - name: a\n    expr: 'true'\n  - name: a\n    expr: 'false'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadProfile(writeProfile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := config.LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
