// Package wire encodes and decodes the per-robot event channel messages.
// It is pure and stateless: decode failures surface as *DecodeError and the
// caller decides what to do with the frame.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event names on the robot channel.
const (
	EventRegister     = "register"
	EventStatusUpdate = "status_update"
	EventTaskUpdate   = "task_update"
	EventTaskAssigned = "task_assigned"
	EventKeepAlive    = "keep_alive"
	EventPing         = "ping"
	EventPong         = "pong"
)

// Message is the closed union of wire messages. Exactly the types in this
// package implement it; the supervisor dispatches with an exhaustive type
// switch so a new variant is a compile-time-visible gap.
type Message interface {
	Event() string
}

// Location mirrors a map position on the wire.
type Location struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Floor string  `json:"floor"`
}

// Register is sent by a robot when it connects.
type Register struct {
	RobotID   string  `json:"robot_id"`
	Name      string  `json:"name"`
	EntityID  string  `json:"entity_id"`
	Battery   float64 `json:"battery"`
	Timestamp int64   `json:"timestamp"`
}

func (Register) Event() string { return EventRegister }

// StatusUpdate reports the robot's current state.
type StatusUpdate struct {
	RobotID         string   `json:"robot_id"`
	State           string   `json:"state"`
	CurrentLocation Location `json:"current_location"`
	Battery         float64  `json:"battery"`
	CurrentTaskID   string   `json:"current_task_id,omitempty"`
	Timestamp       int64    `json:"timestamp"`
}

func (StatusUpdate) Event() string { return EventStatusUpdate }

// TaskUpdate reports task progress from a robot.
type TaskUpdate struct {
	TaskID    string `json:"task_id"`
	RobotID   string `json:"robot_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (TaskUpdate) Event() string { return EventTaskUpdate }

// TaskAssigned is sent to a robot when a task is assigned to it.
type TaskAssigned struct {
	TaskID     string            `json:"task_id"`
	Type       string            `json:"type"`
	Sources    []Location        `json:"sources"`
	Terminals  []Location        `json:"terminals"`
	Priority   string            `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	AssignedAt int64             `json:"assigned_at"`
}

func (TaskAssigned) Event() string { return EventTaskAssigned }

// KeepAlive is sent periodically to a robot to hold the channel open.
type KeepAlive struct {
	RobotID   string `json:"robot_id"`
	Timestamp int64  `json:"timestamp"`
}

func (KeepAlive) Event() string { return EventKeepAlive }

// Ping is sent by a robot for latency measurement.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (Ping) Event() string { return EventPing }

// Pong answers a Ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (Pong) Event() string { return EventPong }

// DecodeError describes a frame that could not be decoded. The connection
// stays open; only the offending frame is dropped.
type DecodeError struct {
	Event string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("wire: decode failed: %v", e.Cause)
	}
	return fmt.Sprintf("wire: decode %s failed: %v", e.Event, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message into its wire envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: m.Event(), Payload: payload})
}

// Decode parses a wire frame into its message variant. Malformed frames and
// unknown event names return a *DecodeError.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Cause: err}
	}
	var (
		msg Message
		err error
	)
	switch env.Event {
	case EventRegister:
		var m Register
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case EventStatusUpdate:
		var m StatusUpdate
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case EventTaskUpdate:
		var m TaskUpdate
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case EventTaskAssigned:
		var m TaskAssigned
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case EventKeepAlive:
		var m KeepAlive
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case EventPing:
		var m Ping
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case EventPong:
		var m Pong
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, &DecodeError{Event: env.Event, Cause: fmt.Errorf("unknown event")}
	}
	if err != nil {
		return nil, &DecodeError{Event: env.Event, Cause: err}
	}
	return msg, nil
}
