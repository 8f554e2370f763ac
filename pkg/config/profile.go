package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the deployable tuning file: decision thresholds, the rule
// pack, analysis supervision and outbox delivery knobs. Rules live here
// as data so deployments adjust them without a rebuild.
type Profile struct {
	Name       string           `yaml:"name" json:"name"`
	Thresholds ThresholdsConfig `yaml:"thresholds" json:"thresholds"`
	Rules      []RuleSpec       `yaml:"rules,omitempty" json:"rules,omitempty"`
	Analysis   AnalysisConfig   `yaml:"analysis" json:"analysis"`
	Outbox     OutboxConfig     `yaml:"outbox" json:"outbox"`
}

// ThresholdsConfig feeds the rules engine.
type ThresholdsConfig struct {
	FraudRisk           float64 `yaml:"fraud_risk" json:"fraud_risk"`
	ValueCeiling        string  `yaml:"value_ceiling" json:"value_ceiling"`
	MinJustificationLen int     `yaml:"min_justification_len" json:"min_justification_len"`
}

// RuleSpec is one named CEL expression, evaluated in declaration order.
type RuleSpec struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// Duration wraps time.Duration so profiles can write "30s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// AnalysisConfig tunes orchestrator supervision and the collaborator
// client.
type AnalysisConfig struct {
	NormalDeadline   Duration `yaml:"normal_deadline" json:"normal_deadline"`
	HighDeadline     Duration `yaml:"high_deadline" json:"high_deadline"`
	MaxRetries       int      `yaml:"max_retries" json:"max_retries"`
	BackoffBase      Duration `yaml:"backoff_base" json:"backoff_base"`
	RatePerSecond    float64  `yaml:"rate_per_second" json:"rate_per_second"`
	BreakerThreshold int      `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerReset     Duration `yaml:"breaker_reset" json:"breaker_reset"`
}

// OutboxConfig tunes the event delivery loop.
type OutboxConfig struct {
	BatchSize      int      `yaml:"batch_size" json:"batch_size"`
	PollInterval   Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Thresholds: ThresholdsConfig{
			FraudRisk:           0.7,
			ValueCeiling:        "10000",
			MinJustificationLen: 10,
		},
		Analysis: AnalysisConfig{
			NormalDeadline:   Duration(30 * time.Second),
			HighDeadline:     Duration(10 * time.Second),
			MaxRetries:       2,
			BackoffBase:      Duration(time.Second),
			RatePerSecond:    10,
			BreakerThreshold: 5,
			BreakerReset:     Duration(10 * time.Second),
		},
		Outbox: OutboxConfig{
			BatchSize:      50,
			PollInterval:   Duration(500 * time.Millisecond),
			MaxAttempts:    10,
			InitialBackoff: Duration(5 * time.Second),
		},
	}
}

// LoadProfile reads and validates a profile YAML. Fields left zero fall
// back to the default profile, so a file may tune only the thresholds.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return profile, nil
}

func (p *Profile) validate() error {
	if p.Thresholds.FraudRisk < 0 || p.Thresholds.FraudRisk > 1 {
		return fmt.Errorf("thresholds.fraud_risk %v outside [0,1]", p.Thresholds.FraudRisk)
	}
	if p.Thresholds.MinJustificationLen < 0 {
		return fmt.Errorf("thresholds.min_justification_len must not be negative")
	}
	seen := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("rules entries need both name and expr")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
