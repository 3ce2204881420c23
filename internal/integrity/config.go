// Package integrity detects data-quality defects in archived SCADA records.
package integrity

import (
	"fmt"
	"math"
	"sort"

	"github.com/timmy/scadarchive/internal/domain"
)

// DefaultStuckIntervals is the minimum run length flagged as stuck.
const DefaultStuckIntervals = 3

// DefaultMaxMissingListed caps missing_timestamps.
const DefaultMaxMissingListed = 100

// DefaultRanges returns the built-in valid range of each sensor.
func DefaultRanges() map[string]domain.Range {
	return map[string]domain.Range{
		"met_WindSpeedRot_mean":        {0, 50},
		"met_WinddirectionRot_mean":    {0, 360},
		"met_Pressure_mean":            {800, 1100},
		"met_TemperatureTen_mean":      {-50, 60},
		"wtc_AcWindSp_mean":            {0, 50},
		"wtc_ActualWindDirection_mean": {0, 360},
	}
}

// Config parameterizes the detectors.
type Config struct {
	StuckIntervals   int
	ExcludeZero      bool
	Ranges           map[string]domain.Range
	MaxMissingListed int
}

// Validate rejects thresholds the detectors cannot run with.
func (c Config) Validate() error {
	if c.StuckIntervals < 2 {
		return fmt.Errorf("%w: stuck_intervals must be at least 2, got %d", domain.ErrValidationConfig, c.StuckIntervals)
	}
	if c.MaxMissingListed < 0 {
		return fmt.Errorf("%w: max_missing_listed must not be negative", domain.ErrValidationConfig)
	}
	names := make([]string, 0, len(c.Ranges))
	for name := range c.Ranges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := c.Ranges[name]
		if math.IsNaN(r.Min()) || math.IsNaN(r.Max()) || r.Min() > r.Max() {
			return fmt.Errorf("%w: invalid range for %s: [%v, %v]", domain.ErrValidationConfig, name, r.Min(), r.Max())
		}
	}
	return nil
}
