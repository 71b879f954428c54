package model

import (
	"fmt"
	"time"
)

// RobotState describes the operational state of a robot.
type RobotState int

const (
	StateIdle RobotState = iota
	StateBusy
	StateCharging
	StateError
	StateOffline
)

// String returns the wire-stable representation of the state.
func (s RobotState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateCharging:
		return "charging"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseRobotState converts a wire string into a RobotState.
func ParseRobotState(s string) (RobotState, error) {
	switch s {
	case "idle":
		return StateIdle, nil
	case "busy":
		return StateBusy, nil
	case "charging":
		return StateCharging, nil
	case "error":
		return StateError, nil
	case "offline":
		return StateOffline, nil
	default:
		return StateIdle, fmt.Errorf("unknown robot state %q", s)
	}
}

// Location is a position inside a site. X, Y and Z are map units; Floor is a
// human-readable floor label because floors are not required to be numeric.
type Location struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Floor string  `json:"floor"`
}

// Robot is the registry's view of a robot. It is a value snapshot: live state
// is owned by the registry and only leaves it by copy.
type Robot struct {
	ID            string
	Name          string
	Site          string
	State         RobotState
	Location      Location
	Battery       float64 // percent, 0-100
	CurrentTaskID string
	LastSeen      time.Time
	ConnectedAt   time.Time
}

// Validate checks that the robot identity and battery range are sound.
func (r Robot) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("robot id is required")
	}
	if r.Battery < 0 || r.Battery > 100 {
		return fmt.Errorf("battery %0.1f out of range", r.Battery)
	}
	return nil
}

// Eligible reports whether the robot can accept a new task given the minimum
// battery threshold in percent.
func (r Robot) Eligible(minBattery float64) bool {
	return r.State == StateIdle && r.Battery >= minBattery
}
