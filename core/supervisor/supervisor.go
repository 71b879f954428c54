// Package supervisor owns one supervision unit per connected robot. A unit
// holds the liveness deadline and the outbound delivery path; it turns
// inbound wire frames into registry and scheduler calls and assignment
// decisions into outbound wire frames.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robofleet/tower/core/dispatch"
	"github.com/robofleet/tower/core/events"
	"github.com/robofleet/tower/core/logger"
	"github.com/robofleet/tower/core/model"
	"github.com/robofleet/tower/core/registry"
	"github.com/robofleet/tower/core/transport"
	"github.com/robofleet/tower/core/wire"
	"github.com/robofleet/tower/internal/eventbus"
)

// ErrDeliveryFailed is returned when an assignment could not be handed to
// the robot's channel within the configured retries.
var ErrDeliveryFailed = errors.New("assignment delivery failed")

// Upstream is the slice of the distribution service the supervisor needs.
// *dispatch.Service implements it.
type Upstream interface {
	RegisterRobot(site, id, name string, battery float64, loc model.Location, now time.Time) model.Robot
	ReportStatus(rep registry.StatusReport) error
	ReportTaskUpdate(taskID, robotID string, status model.TaskStatus, progress int, message string) error
	StreamAssignments(site string) <-chan dispatch.Assignment
	TouchRobot(id string, now time.Time)
	MarkRobotOffline(id, reason string)
	NotifyDeliveryFailure(taskID, robotID string, attempts int, err error)
}

type unit struct {
	robotID string
	name    string
	cancel  context.CancelFunc

	mu          sync.Mutex
	lastInbound time.Time
	lastStatus  registry.StatusReport
}

func (u *unit) touch(now time.Time) {
	u.mu.Lock()
	if now.After(u.lastInbound) {
		u.lastInbound = now
	}
	u.mu.Unlock()
}

func (u *unit) inboundAge(now time.Time) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return now.Sub(u.lastInbound)
}

func (u *unit) setStatus(rep registry.StatusReport) {
	u.mu.Lock()
	u.lastStatus = rep
	u.mu.Unlock()
}

func (u *unit) status() registry.StatusReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastStatus
}

// Supervisor manages the supervision units of one site. It is an explicit
// handle: construct it, Start it, and Close it; nothing is process-global,
// so independent instances can coexist in tests.
type Supervisor struct {
	cfg      Config
	site     string
	upstream Upstream
	tr       transport.Transport
	log      logger.Logger
	bus      eventbus.EventBus
	now      func() time.Time

	mu     sync.Mutex
	units  map[string]*unit
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Supervisor for a site. bus may be nil.
func New(cfg Config, site string, up Upstream, tr transport.Transport, bus eventbus.EventBus, log logger.Logger) (*Supervisor, error) {
	if up == nil || tr == nil || log == nil {
		return nil, fmt.Errorf("supervisor: nil parameter provided to New")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:      cfg,
		site:     site,
		upstream: up,
		tr:       tr,
		log:      log,
		bus:      bus,
		now:      time.Now,
		units:    make(map[string]*unit),
	}, nil
}

// Start launches the inbound loop and the assignment consumer. It returns
// immediately; Close tears everything down.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.inboundLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.consumeAssignments(ctx)
	}()
}

// Close tears down every unit and stops the stream consumer.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for id, u := range s.units {
		u.cancel()
		delete(s.units, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.tr.Close()
}

// Units returns the ids of live supervision units, for introspection.
func (s *Supervisor) Units() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.tr.Events():
			if !ok {
				return
			}
			if ev.Closed {
				s.teardown(ev.RobotID, "channel closed")
				continue
			}
			s.handleFrame(ctx, ev)
		}
	}
}

func (s *Supervisor) handleFrame(ctx context.Context, ev transport.Event) {
	msg, err := wire.Decode(ev.Payload)
	if err != nil {
		// a bad frame never terminates the connection
		s.log.Warnf("dropping undecodable frame from %s: %v", ev.RobotID, err)
		if s.bus != nil {
			s.bus.Publish(events.DecodeFailureEvent{RobotID: ev.RobotID, Err: err})
		}
		return
	}

	now := s.now()
	switch m := msg.(type) {
	case wire.Register:
		s.handleRegister(ctx, m, now)
	case wire.StatusUpdate:
		s.handleStatus(m, now)
	case wire.TaskUpdate:
		s.handleTaskUpdate(m, now)
	case wire.Ping:
		s.handlePing(ev.RobotID, now)
	case wire.KeepAlive, wire.Pong, wire.TaskAssigned:
		// tower->robot messages echoed back; count as liveness, nothing more
		s.touchUnit(ev.RobotID, now)
	}
}

func (s *Supervisor) handleRegister(ctx context.Context, m wire.Register, now time.Time) {
	robot := s.upstream.RegisterRobot(s.site, m.RobotID, m.Name, m.Battery, model.Location{}, now)

	s.mu.Lock()
	if old, ok := s.units[m.RobotID]; ok {
		// reconnect: the old unit dies, a fresh one takes over
		old.cancel()
	}
	uctx, cancel := context.WithCancel(ctx)
	u := &unit{robotID: m.RobotID, name: m.Name, cancel: cancel, lastInbound: now}
	u.lastStatus = registry.StatusReport{
		RobotID:   m.RobotID,
		State:     robot.State,
		Battery:   m.Battery,
		Timestamp: now,
	}
	s.units[m.RobotID] = u
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.unitLoop(uctx, u)
	}()
	s.log.Infof("supervision unit started for robot %s", m.RobotID)
}

func (s *Supervisor) handleStatus(m wire.StatusUpdate, now time.Time) {
	u := s.unit(m.RobotID)
	if u == nil {
		s.log.Warnf("status update from unsupervised robot %s", m.RobotID)
		return
	}
	u.touch(now)

	state, err := model.ParseRobotState(m.State)
	if err != nil {
		s.log.Warnf("robot %s: %v", m.RobotID, err)
		return
	}
	rep := registry.StatusReport{
		RobotID: m.RobotID,
		State:   state,
		Location: model.Location{
			X: m.CurrentLocation.X, Y: m.CurrentLocation.Y,
			Z: m.CurrentLocation.Z, Floor: m.CurrentLocation.Floor,
		},
		Battery:       m.Battery,
		CurrentTaskID: m.CurrentTaskID,
		Timestamp:     time.UnixMilli(m.Timestamp),
	}
	u.setStatus(rep)
	s.relayStatus(u, rep)
}

// relayStatus pushes a report upstream. An unknown-robot answer means the
// registry lost the entry (process restart upstream); re-register from the
// unit's latest knowledge and retry once. Stale reports are dropped quietly.
func (s *Supervisor) relayStatus(u *unit, rep registry.StatusReport) {
	err := s.upstream.ReportStatus(rep)
	switch {
	case err == nil, errors.Is(err, registry.ErrStaleReport):
		return
	case errors.Is(err, registry.ErrUnknownRobot):
		s.upstream.RegisterRobot(s.site, u.robotID, u.name, rep.Battery, rep.Location, s.now())
		if err := s.upstream.ReportStatus(rep); err != nil {
			s.log.Errorf("status relay for %s failed after re-register: %v", u.robotID, err)
		}
	default:
		// keep the latest state buffered; the report ticker retries
		s.log.Errorf("status relay for %s failed: %v", u.robotID, err)
	}
}

func (s *Supervisor) handleTaskUpdate(m wire.TaskUpdate, now time.Time) {
	s.touchUnit(m.RobotID, now)
	status, err := model.ParseTaskStatus(m.Status)
	if err != nil {
		s.log.Warnf("robot %s: %v", m.RobotID, err)
		return
	}
	if err := s.upstream.ReportTaskUpdate(m.TaskID, m.RobotID, status, m.Progress, m.Message); err != nil {
		s.log.Warnf("task update relay failed: %v", err)
	}
}

func (s *Supervisor) handlePing(robotID string, now time.Time) {
	s.touchUnit(robotID, now)
	s.upstream.TouchRobot(robotID, now)
	frame, err := wire.Encode(wire.Pong{Timestamp: now.UnixMilli()})
	if err != nil {
		return
	}
	if err := s.tr.Send(robotID, frame); err != nil {
		s.log.Debugf("pong to %s failed: %v", robotID, err)
	}
}

func (s *Supervisor) unit(id string) *unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[id]
}

func (s *Supervisor) touchUnit(id string, now time.Time) {
	if u := s.unit(id); u != nil {
		u.touch(now)
	}
}

func (s *Supervisor) teardown(id, reason string) {
	s.mu.Lock()
	u, ok := s.units[id]
	if ok {
		u.cancel()
		delete(s.units, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.upstream.MarkRobotOffline(id, reason)
	s.log.Infof("supervision unit stopped for robot %s: %s", id, reason)
}

// unitLoop runs the per-robot timers: outbound keep-alives, periodic
// upstream reports, and the liveness check.
func (s *Supervisor) unitLoop(ctx context.Context, u *unit) {
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	report := time.NewTicker(s.cfg.ReportInterval)
	liveness := time.NewTicker(s.cfg.LivenessTimeout / 2)
	defer keepAlive.Stop()
	defer report.Stop()
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			frame, err := wire.Encode(wire.KeepAlive{RobotID: u.robotID, Timestamp: s.now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := s.tr.Send(u.robotID, frame); err != nil {
				s.log.Debugf("keep-alive to %s failed: %v", u.robotID, err)
			}

		case <-report.C:
			// push the latest state even if nothing changed so the
			// registry's view never goes stale silently. The replay keeps
			// its original timestamp: if the scheduler claimed the robot
			// since, the replay is stale and must not demote it to Idle.
			rep := u.status()
			if !rep.Timestamp.IsZero() {
				s.relayStatus(u, rep)
			}

		case <-liveness.C:
			if u.inboundAge(s.now()) > s.cfg.LivenessTimeout {
				s.teardown(u.robotID, "liveness timeout")
				return
			}
		}
	}
}

// consumeAssignments drains the upstream assignment stream and delivers each
// decision to its robot. A closed stream is re-subscribed with bounded
// exponential backoff; items the previous subscription left behind replay on
// the fresh one.
func (s *Supervisor) consumeAssignments(ctx context.Context) {
	backoff := s.cfg.ReconnectMin
	for {
		ch := s.upstream.StreamAssignments(s.site)
		open := true
		for open {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-ch:
				if !ok {
					open = false
					break
				}
				backoff = s.cfg.ReconnectMin
				s.deliver(a)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
		s.log.Warnf("assignment stream lost, resubscribing")
	}
}

// deliver encodes and sends task_assigned with a short fixed number of
// attempts, then surfaces the failure upstream. The task is never silently
// dropped.
func (s *Supervisor) deliver(a dispatch.Assignment) {
	frame, err := wire.Encode(taskAssignedFrame(a.Task, s.now()))
	if err != nil {
		s.upstream.NotifyDeliveryFailure(a.Task.ID, a.RobotID, 0, err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.SendRetries; attempt++ {
		if lastErr = s.tr.Send(a.RobotID, frame); lastErr == nil {
			if s.bus != nil {
				s.bus.Publish(events.DeliveryEvent{TaskID: a.Task.ID, RobotID: a.RobotID, Attempts: attempt, Delivered: true})
			}
			return
		}
		if attempt < s.cfg.SendRetries {
			time.Sleep(s.cfg.RetryDelay)
		}
	}
	s.upstream.NotifyDeliveryFailure(a.Task.ID, a.RobotID, s.cfg.SendRetries, fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr))
}

// taskAssignedFrame converts a task into its outbound wire form.
func taskAssignedFrame(t model.Task, now time.Time) wire.TaskAssigned {
	return wire.TaskAssigned{
		TaskID:     t.ID,
		Type:       t.Type.String(),
		Sources:    wireLocations(t.Sources),
		Terminals:  wireLocations(t.Terminals),
		Priority:   t.Priority.String(),
		Metadata:   t.Metadata,
		AssignedAt: now.UnixMilli(),
	}
}

func wireLocations(locs []model.Location) []wire.Location {
	out := make([]wire.Location, len(locs))
	for i, l := range locs {
		out[i] = wire.Location{X: l.X, Y: l.Y, Z: l.Z, Floor: l.Floor}
	}
	return out
}
