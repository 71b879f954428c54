package supervisor

import (
	"fmt"
	"time"
)

// Config defines supervision timing and delivery retry behavior.
type Config struct {
	// KeepAliveInterval is the cadence of outbound keep_alive frames.
	KeepAliveInterval time.Duration `json:"keep_alive_interval"`
	// ReportInterval is the cadence of upstream status pushes, sent even
	// when nothing changed.
	ReportInterval time.Duration `json:"report_interval"`
	// LivenessTimeout is the inbound silence after which a robot is
	// declared offline.
	LivenessTimeout time.Duration `json:"liveness_timeout"`
	// SendRetries bounds the delivery attempts for a task assignment.
	SendRetries int `json:"send_retries"`
	// RetryDelay is the fixed pause between delivery attempts.
	RetryDelay time.Duration `json:"retry_delay"`
	// ReconnectMin and ReconnectMax bound the exponential backoff used when
	// the upstream assignment stream goes away.
	ReconnectMin time.Duration `json:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max"`
}

// SetDefaults applies the protocol defaults.
func (c *Config) SetDefaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 5 * time.Second
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 30 * time.Second
	}
	if c.SendRetries == 0 {
		c.SendRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Validate checks the timing relations.
func (c Config) Validate() error {
	if c.LivenessTimeout <= c.KeepAliveInterval {
		return fmt.Errorf("liveness_timeout must exceed keep_alive_interval")
	}
	if c.SendRetries < 1 {
		return fmt.Errorf("send_retries must be at least 1")
	}
	return nil
}
