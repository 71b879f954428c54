// Package dispatch is the distribution service: it accepts status reports
// and task submissions, and pushes every assignment decision onto a per-site
// stream consumed by the connection supervisor.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/robofleet/tower/core/events"
	"github.com/robofleet/tower/core/logger"
	"github.com/robofleet/tower/core/metrics"
	"github.com/robofleet/tower/core/model"
	"github.com/robofleet/tower/core/registry"
	"github.com/robofleet/tower/core/scheduler"
	"github.com/robofleet/tower/internal/eventbus"
)

// Config defines dispatch-related settings.
type Config struct {
	// StreamBuffer is the assignment stream capacity per site. When the
	// consumer lags this far behind, submitters block; decisions are never
	// dropped.
	StreamBuffer int `json:"stream_buffer"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.StreamBuffer == 0 {
		c.StreamBuffer = 16
	}
}

// Assignment is one scheduler decision on the assignment stream.
type Assignment struct {
	RobotID string
	Task    model.Task
}

// Service wires the registry and the scheduler behind the site-scoped API.
type Service struct {
	registry *registry.Registry
	sched    *scheduler.Scheduler
	log      logger.Logger
	bus      eventbus.EventBus
	sink     metrics.MetricsSink
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	streams map[string]chan Assignment
}

// NewService creates a Service. bus and sink may be nil.
func NewService(cfg Config, reg *registry.Registry, sched *scheduler.Scheduler, bus eventbus.EventBus, sink metrics.MetricsSink, log logger.Logger) (*Service, error) {
	if reg == nil || sched == nil || log == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewService")
	}
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Service{
		registry: reg,
		sched:    sched,
		log:      log,
		bus:      bus,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
		streams:  make(map[string]chan Assignment),
	}, nil
}

// stream returns the persistent assignment channel for a site, creating it
// on first use. The channel survives consumer reconnects so undelivered
// decisions are replayed to the next consumer.
func (s *Service) stream(site string) chan Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.streams[site]
	if !ok {
		ch = make(chan Assignment, s.cfg.StreamBuffer)
		s.streams[site] = ch
	}
	return ch
}

// RegisterRobot creates or replaces the robot's registry entry.
func (s *Service) RegisterRobot(site, id, name string, battery float64, loc model.Location, now time.Time) model.Robot {
	robot := s.registry.UpsertOnRegister(site, id, name, battery, loc, now)
	s.updateConnectedGauge(site)
	if s.bus != nil {
		s.bus.Publish(events.RegisterEvent{RobotID: id, Site: site, Battery: battery, Time: now})
	}
	s.log.Infof("robot registered: %s (site %s, battery %.1f%%)", id, site, battery)
	return robot
}

// ReportStatus applies a robot status report. Out-of-order reports return
// registry.ErrStaleReport and are dropped; unknown ids return
// registry.ErrUnknownRobot so the caller can instruct re-registration.
func (s *Service) ReportStatus(rep registry.StatusReport) error {
	err := s.registry.ApplyStatus(rep)
	switch err {
	case nil:
		statusReports.Inc()
		if robot, ok := s.registry.Get(rep.RobotID); ok {
			if rec, okSink := s.sink.(metrics.RobotStateRecorder); okSink {
				if serr := rec.RecordRobotState(metrics.RobotStateEvent{Robot: robot, Site: robot.Site, Component: "dispatch", Time: s.now()}); serr != nil {
					s.log.Errorf("robot state metrics error: %v", serr)
				}
			}
		}
	case registry.ErrStaleReport:
		staleReports.Inc()
		s.log.Debugf("dropped stale report for robot %s", rep.RobotID)
	case registry.ErrUnknownRobot:
		s.log.Warnf("status report for unknown robot %s", rep.RobotID)
	}
	return err
}

// ReportTaskUpdate relays a task progress report from a robot.
func (s *Service) ReportTaskUpdate(taskID, robotID string, status model.TaskStatus, progress int, message string) error {
	if err := s.sched.ApplyUpdate(taskID, robotID, status, progress, message); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.TaskUpdateEvent{TaskID: taskID, RobotID: robotID, Status: status, Progress: progress})
	}
	return nil
}

// SubmitTask forwards the task to the scheduler and, on success, pushes the
// decision onto the site's assignment stream. Exactly one stream item is
// produced per successful submission.
func (s *Service) SubmitTask(task model.Task) (scheduler.Result, error) {
	start := s.now()
	res, err := s.sched.Submit(task)
	if err != nil {
		tasksRejected.WithLabelValues(task.Type.String()).Inc()
		return res, err
	}
	tasksSubmitted.WithLabelValues(task.Type.String()).Inc()

	assigned, _ := s.sched.Task(res.TaskID)
	s.stream(task.Site) <- Assignment{RobotID: res.RobotID, Task: assigned}
	assignmentLatency.Observe(time.Since(start).Seconds())

	if s.bus != nil {
		s.bus.Publish(events.AssignmentEvent{
			TaskID: assigned.ID, RobotID: res.RobotID, Site: task.Site,
			Type: task.Type, Score: res.Score, Time: s.now(),
		})
	}
	if serr := s.sink.RecordAssignment([]metrics.AssignmentRecord{{
		TaskID: assigned.ID, RobotID: res.RobotID, Site: task.Site,
		Type: task.Type, Priority: task.Priority, Score: res.Score, Time: s.now(),
	}}); serr != nil {
		s.log.Errorf("assignment metrics error: %v", serr)
	}
	return res, nil
}

// StreamAssignments returns the site's assignment stream. The stream never
// terminates on its own; a reconnecting consumer receives items the previous
// consumer left behind.
func (s *Service) StreamAssignments(site string) <-chan Assignment {
	return s.stream(site)
}

// GetDistribution returns the per-state robot counts for a site.
func (s *Service) GetDistribution(site string) registry.Snapshot {
	return s.registry.Snapshot(site)
}

// Robot returns the registry snapshot of a robot.
func (s *Service) Robot(id string) (model.Robot, bool) {
	return s.registry.Get(id)
}

// TouchRobot bumps the robot's liveness timestamp.
func (s *Service) TouchRobot(id string, now time.Time) {
	s.registry.Touch(id, now)
}

// MarkRobotOffline transitions the robot to Offline and fails its in-flight
// task. Called by the supervisor on liveness timeout or channel close.
func (s *Service) MarkRobotOffline(id, reason string) {
	robot, ok := s.registry.MarkOffline(id, s.now())
	if !ok {
		return
	}
	failed := s.sched.FailRobotTasks(id)
	s.updateConnectedGauge(robot.Site)
	if s.bus != nil {
		s.bus.Publish(events.OfflineEvent{RobotID: id, Site: robot.Site, Reason: reason, Time: s.now()})
	}
	s.log.Warnf("robot %s offline (%s), failed tasks: %v", id, reason, failed)
}

// NotifyDeliveryFailure records that an assignment could not be delivered
// after retries. The task stays Assigned but is flagged for reconciliation.
func (s *Service) NotifyDeliveryFailure(taskID, robotID string, attempts int, err error) {
	deliveryFailures.Inc()
	s.sched.FlagForReconciliation(taskID)
	if s.bus != nil {
		s.bus.Publish(events.DeliveryEvent{TaskID: taskID, RobotID: robotID, Attempts: attempts, Err: err})
	}
	s.log.Errorf("assignment %s undeliverable to robot %s after %d attempts: %v", taskID, robotID, attempts, err)
}

func (s *Service) updateConnectedGauge(site string) {
	snap := s.registry.Snapshot(site)
	robotsConnected.WithLabelValues(site).Set(float64(snap.Total - snap.Offline))
	if fr, ok := s.sink.(metrics.FleetSizeRecorder); ok {
		if err := fr.RecordFleetSize(site, snap.Total-snap.Offline); err != nil {
			s.log.Errorf("fleet size metrics error: %v", err)
		}
	}
}
