package model

import (
	"fmt"
	"time"
)

// TaskType describes what kind of work a task carries.
type TaskType int

const (
	TaskDelivery TaskType = iota
	TaskPatrol
	TaskReturnHome
	TaskEmergency
)

func (t TaskType) String() string {
	switch t {
	case TaskDelivery:
		return "delivery"
	case TaskPatrol:
		return "patrol"
	case TaskReturnHome:
		return "return_home"
	case TaskEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseTaskType converts a wire string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch s {
	case "delivery":
		return TaskDelivery, nil
	case "patrol":
		return TaskPatrol, nil
	case "return_home":
		return TaskReturnHome, nil
	case "emergency":
		return TaskEmergency, nil
	default:
		return TaskDelivery, fmt.Errorf("unknown task type %q", s)
	}
}

// Priority orders tasks by urgency.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority converts a wire string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// TaskStatus tracks a task through its lifecycle. Transitions are monotonic:
// Pending -> Assigned -> InProgress -> Completed or Failed.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskAssigned
	TaskInProgress
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseTaskStatus converts a wire string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case "pending":
		return TaskPending, nil
	case "assigned":
		return TaskAssigned, nil
	case "in_progress":
		return TaskInProgress, nil
	case "completed":
		return TaskCompleted, nil
	case "failed":
		return TaskFailed, nil
	default:
		return TaskPending, fmt.Errorf("unknown task status %q", s)
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a unit of work submitted to the dispatch tower.
type Task struct {
	ID            string
	Site          string
	Type          TaskType
	Sources       []Location
	Terminals     []Location
	Priority      Priority
	Metadata      map[string]string
	CreatedAt     time.Time
	Status        TaskStatus
	AssignedRobot string

	// NeedsReconciliation is set when the assignment decision could not be
	// delivered to the robot; the robot may or may not have received it.
	NeedsReconciliation bool
}

// Validate checks mandatory task fields.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Site == "" {
		return fmt.Errorf("task site is required")
	}
	if len(t.Sources) == 0 {
		return fmt.Errorf("task requires at least one source location")
	}
	return nil
}
