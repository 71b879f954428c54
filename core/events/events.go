// Package events defines the observational events published on the internal
// bus. Subscribers use them for logging and metrics; nothing on the dispatch
// path depends on their delivery.
package events

import (
	"time"

	"github.com/robofleet/tower/core/model"
)

// RegisterEvent is published when a robot registers or re-registers.
type RegisterEvent struct {
	RobotID string
	Site    string
	Battery float64
	Time    time.Time
}

// OfflineEvent is published when a robot is declared offline, either by
// liveness timeout or by a transport-level close.
type OfflineEvent struct {
	RobotID string
	Site    string
	Reason  string
	Time    time.Time
}

// AssignmentEvent is published for every scheduler decision pushed on the
// assignment stream.
type AssignmentEvent struct {
	TaskID  string
	RobotID string
	Site    string
	Type    model.TaskType
	Score   float64
	Time    time.Time
}

// DeliveryEvent reports the outcome of delivering a task assignment to the
// robot's channel, after retries.
type DeliveryEvent struct {
	TaskID    string
	RobotID   string
	Attempts  int
	Delivered bool
	Err       error
}

// TaskUpdateEvent mirrors a task progress report relayed from a robot.
type TaskUpdateEvent struct {
	TaskID   string
	RobotID  string
	Status   model.TaskStatus
	Progress int
}

// DecodeFailureEvent is published when an inbound frame cannot be decoded.
// The frame is dropped; the connection stays open.
type DecodeFailureEvent struct {
	RobotID string
	Err     error
}
