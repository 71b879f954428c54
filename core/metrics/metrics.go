package metrics

import (
	"time"

	"github.com/robofleet/tower/core/model"
)

// AssignmentRecord represents one scheduler decision to be recorded.
type AssignmentRecord struct {
	TaskID    string
	RobotID   string
	Site      string
	Type      model.TaskType
	Priority  model.Priority
	Score     float64
	Battery   float64
	Delivered bool
	Time      time.Time
}

// MetricsSink records assignment decisions for observability purposes.
type MetricsSink interface {
	RecordAssignment(records []AssignmentRecord) error
}

// RobotStateEvent is a snapshot of a robot at report time.
type RobotStateEvent struct {
	Robot     model.Robot
	Site      string
	Component string
	Time      time.Time
}

// RobotStateRecorder records robot state snapshots.
type RobotStateRecorder interface {
	RecordRobotState(ev RobotStateEvent) error
}

// FleetSizeRecorder records the number of connected robots per site.
type FleetSizeRecorder interface {
	RecordFleetSize(site string, n int) error
}

// NopSink ignores all records.
type NopSink struct{}

// RecordAssignment implements MetricsSink.
func (NopSink) RecordAssignment([]AssignmentRecord) error { return nil }

// RecordRobotState implements RobotStateRecorder.
func (NopSink) RecordRobotState(RobotStateEvent) error { return nil }

// RecordFleetSize implements FleetSizeRecorder.
func (NopSink) RecordFleetSize(string, int) error { return nil }
