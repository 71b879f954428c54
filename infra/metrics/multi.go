package metrics

import coremetrics "github.com/robofleet/tower/core/metrics"

// MultiSink fanouts assignment records to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAssignment forwards the records to all sinks, returning the first error encountered.
func (m *MultiSink) RecordAssignment(records []coremetrics.AssignmentRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignment(records); err != nil {
			return err
		}
	}
	return nil
}

// RecordRobotState forwards robot snapshots to sinks that accept them.
func (m *MultiSink) RecordRobotState(ev coremetrics.RobotStateEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.RobotStateRecorder); ok {
			if err := rec.RecordRobotState(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordFleetSize forwards connected robot counts to sinks that accept them.
func (m *MultiSink) RecordFleetSize(site string, n int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.FleetSizeRecorder); ok {
			if err := rec.RecordFleetSize(site, n); err != nil {
				return err
			}
		}
	}
	return nil
}
