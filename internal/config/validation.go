package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationConfig configures the integrity validator.
type ValidationConfig struct {
	StuckIntervals   int                      `mapstructure:"stuck_intervals"`
	ExcludeZero      bool                     `mapstructure:"exclude_zero"`
	Tables           []string                 `mapstructure:"tables"`
	MaxMissingListed int                      `mapstructure:"max_missing_listed"`
	RulesFile        string                   `mapstructure:"rules_file"`
	ReportPath       string                   `mapstructure:"report_path"`
	Intervals        map[string]time.Duration `mapstructure:"intervals"` // per data type sampling interval
}

// Validate checks the thresholds that do not depend on the rules file.
func (c *ValidationConfig) Validate() error {
	if c.StuckIntervals < 2 {
		return fmt.Errorf("validation: stuck_intervals must be at least 2, got %d", c.StuckIntervals)
	}
	if c.MaxMissingListed < 0 {
		return fmt.Errorf("validation: max_missing_listed must not be negative")
	}
	for name, d := range c.Intervals {
		if d <= 0 {
			return fmt.Errorf("validation: interval for %q must be positive", name)
		}
	}
	return nil
}

// RulesFile is the YAML overlay for sensor ranges and detector defaults.
//
//	ranges:
//	  met_WindSpeedRot_mean: [0, 50]
//	stuck_intervals: 4
type RulesFile struct {
	Ranges         map[string][]float64 `yaml:"ranges"`
	StuckIntervals *int                 `yaml:"stuck_intervals,omitempty"`
	ExcludeZero    *bool                `yaml:"exclude_zero,omitempty"`
}

// LoadRules reads a rules file. An empty path yields an empty overlay.
func LoadRules(path string) (*RulesFile, error) {
	rules := &RulesFile{}
	if path == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(raw, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	for sensor, bounds := range rules.Ranges {
		if len(bounds) != 2 {
			return nil, fmt.Errorf("rules file %s: range for %q must have exactly two values", path, sensor)
		}
	}
	return rules, nil
}
