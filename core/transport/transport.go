// Package transport abstracts the persistent per-robot event channel. The
// supervisor only needs to receive frames from robots and push frames back;
// how bytes reach hardware is an infra concern.
package transport

// Event is one inbound occurrence on a robot channel: either a raw frame or
// a transport-level close.
type Event struct {
	RobotID string
	Payload []byte
	// Closed marks a transport-level channel close for the robot. Payload is
	// empty in that case.
	Closed bool
}

// Transport is a bidirectional link to a site's robots.
type Transport interface {
	// Events returns the inbound stream. The channel is closed when the
	// transport shuts down.
	Events() <-chan Event

	// Send delivers a frame to the given robot. A returned error means the
	// frame was not handed to the link after the transport's own retries.
	Send(robotID string, payload []byte) error

	Close() error
}
