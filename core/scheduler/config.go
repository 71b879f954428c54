package scheduler

import "fmt"

// Config defines the selection weights and thresholds. The weights are
// configuration, not protocol: battery dominates by default so the fleet
// prefers a fully charged robot over a marginally closer one.
type Config struct {
	// BatteryWeight scales the battery fraction term of the score.
	BatteryWeight float64 `json:"battery_weight"`
	// DistanceWeight scales the normalized distance penalty.
	DistanceWeight float64 `json:"distance_weight"`
	// DistanceScale is the distance in map units at which the normalized
	// distance term reaches one half.
	DistanceScale float64 `json:"distance_scale"`
	// FloorPenalty is added to the raw distance when the robot and the task
	// source are on different floors.
	FloorPenalty float64 `json:"floor_penalty"`
	// MinBattery is the eligibility threshold in percent.
	MinBattery float64 `json:"min_battery"`
	// EstimatedTaskMinutes sizes the estimated completion time returned to
	// submitters.
	EstimatedTaskMinutes int `json:"estimated_task_minutes"`
}

// SetDefaults applies the default weights.
func (c *Config) SetDefaults() {
	if c.BatteryWeight == 0 {
		c.BatteryWeight = 0.7
	}
	if c.DistanceWeight == 0 {
		c.DistanceWeight = 0.3
	}
	if c.DistanceScale == 0 {
		c.DistanceScale = 100
	}
	if c.FloorPenalty == 0 {
		c.FloorPenalty = 1000
	}
	if c.MinBattery == 0 {
		c.MinBattery = 20
	}
	if c.EstimatedTaskMinutes == 0 {
		c.EstimatedTaskMinutes = 10
	}
}

// Validate checks that the weights are usable.
func (c Config) Validate() error {
	if c.BatteryWeight < 0 || c.DistanceWeight < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if c.MinBattery < 0 || c.MinBattery > 100 {
		return fmt.Errorf("min_battery %0.1f out of range", c.MinBattery)
	}
	if c.DistanceScale <= 0 {
		return fmt.Errorf("distance_scale must be positive")
	}
	return nil
}
