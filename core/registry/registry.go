// Package registry holds the in-memory table of robot state. It is the only
// state shared across concurrency boundaries: every mutation goes through a
// per-robot lock, so writers to different robots never contend while writers
// to the same robot are serialized.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robofleet/tower/core/model"
)

var (
	// ErrUnknownRobot is returned for a status report whose id was never
	// registered. The caller should instruct the robot to re-register.
	ErrUnknownRobot = errors.New("unknown robot")

	// ErrStaleReport is returned when a report carries a timestamp older
	// than the last applied one. The report is dropped, not applied.
	ErrStaleReport = errors.New("stale status report")
)

// StatusReport carries one robot status update into the registry.
type StatusReport struct {
	RobotID       string
	State         model.RobotState
	Location      model.Location
	Battery       float64
	CurrentTaskID string
	Timestamp     time.Time
}

// Snapshot aggregates the registry view for one site.
type Snapshot struct {
	Total    int
	Idle     int
	Busy     int
	Charging int
	Error    int
	Offline  int
	Robots   []model.Robot
}

type entry struct {
	mu         sync.Mutex
	robot      model.Robot
	lastReport time.Time
}

// bumpReportWatermark advances the last-writer-wins watermark after a
// registry-side transition. Caller holds e.mu.
func (e *entry) bumpReportWatermark(now time.Time) {
	if now.After(e.lastReport) {
		e.lastReport = now
	}
}

// Registry is the robot table. The map-level lock only guards map shape;
// robot fields are guarded by the entry lock.
type Registry struct {
	mu     sync.RWMutex
	robots map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{robots: make(map[string]*entry)}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.robots[id]
	r.mu.RUnlock()
	return e, ok
}

// UpsertOnRegister creates the robot entry or replaces an existing one with
// the same id. Re-registration discards previous battery and location
// history; only the id survives. The robot starts Idle.
func (r *Registry) UpsertOnRegister(site, id, name string, battery float64, loc model.Location, now time.Time) model.Robot {
	robot := model.Robot{
		ID:          id,
		Name:        name,
		Site:        site,
		State:       model.StateIdle,
		Location:    loc,
		Battery:     battery,
		LastSeen:    now,
		ConnectedAt: now,
	}
	r.mu.Lock()
	r.robots[id] = &entry{robot: robot, lastReport: now}
	r.mu.Unlock()
	return robot
}

// ApplyStatus applies a status report. Reports are last-writer-wins by
// timestamp: a report strictly older than the last applied one returns
// ErrStaleReport and leaves the entry untouched.
func (r *Registry) ApplyStatus(rep StatusReport) error {
	e, ok := r.lookup(rep.RobotID)
	if !ok {
		return ErrUnknownRobot
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rep.Timestamp.Before(e.lastReport) {
		return ErrStaleReport
	}
	e.lastReport = rep.Timestamp
	e.robot.State = rep.State
	e.robot.Battery = rep.Battery
	e.robot.Location = rep.Location
	if rep.CurrentTaskID != "" {
		e.robot.CurrentTaskID = rep.CurrentTaskID
	} else if rep.State != model.StateBusy {
		e.robot.CurrentTaskID = ""
	}
	if rep.Timestamp.After(e.robot.LastSeen) {
		e.robot.LastSeen = rep.Timestamp
	}
	return nil
}

// Touch bumps the robot's last-seen time. LastSeen never moves backward.
func (r *Registry) Touch(id string, now time.Time) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		if now.After(e.robot.LastSeen) {
			e.robot.LastSeen = now
		}
		e.mu.Unlock()
	}
}

// MarkOffline transitions the robot to Offline and returns its snapshot.
// The entry is retained for later re-registration. The report watermark
// moves to now so buffered reports from before the disconnect stay stale.
func (r *Registry) MarkOffline(id string, now time.Time) (model.Robot, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Robot{}, false
	}
	e.mu.Lock()
	e.robot.State = model.StateOffline
	e.bumpReportWatermark(now)
	snap := e.robot
	e.mu.Unlock()
	return snap, true
}

// Claim atomically transitions the robot Idle -> Busy and records the task.
// This is the single point of commitment for task assignment: a claim that
// returns false means another submission won the robot. The claim also moves
// the report watermark to now, so any status captured before the claim
// (a supervisor replay in particular) loses the last-writer-wins race and
// cannot demote the robot back to Idle.
func (r *Registry) Claim(id, taskID string, now time.Time) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.robot.State != model.StateIdle {
		return false
	}
	e.robot.State = model.StateBusy
	e.robot.CurrentTaskID = taskID
	e.bumpReportWatermark(now)
	return true
}

// Release clears the robot's task and returns it to Idle if it was Busy.
// Offline robots stay Offline. Like Claim, it advances the report watermark
// so reports captured before the release cannot reassert the old task.
func (r *Registry) Release(id string, now time.Time) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		e.robot.CurrentTaskID = ""
		if e.robot.State == model.StateBusy {
			e.robot.State = model.StateIdle
		}
		e.bumpReportWatermark(now)
		e.mu.Unlock()
	}
}

// Get returns a snapshot of the robot.
func (r *Registry) Get(id string) (model.Robot, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Robot{}, false
	}
	e.mu.Lock()
	snap := e.robot
	e.mu.Unlock()
	return snap, true
}

// Snapshot returns per-state counts and the full robot list for a site,
// sorted by id. An empty site matches all robots.
func (r *Registry) Snapshot(site string) Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.robots))
	for _, e := range r.robots {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var snap Snapshot
	for _, e := range entries {
		e.mu.Lock()
		robot := e.robot
		e.mu.Unlock()
		if site != "" && robot.Site != site {
			continue
		}
		snap.Total++
		switch robot.State {
		case model.StateIdle:
			snap.Idle++
		case model.StateBusy:
			snap.Busy++
		case model.StateCharging:
			snap.Charging++
		case model.StateError:
			snap.Error++
		case model.StateOffline:
			snap.Offline++
		}
		snap.Robots = append(snap.Robots, robot)
	}
	sort.Slice(snap.Robots, func(i, j int) bool { return snap.Robots[i].ID < snap.Robots[j].ID })
	return snap
}

// FindEligible returns robots on the site that are Idle with battery at or
// above the threshold, sorted by id for deterministic selection.
func (r *Registry) FindEligible(site string, minBattery float64) []model.Robot {
	snap := r.Snapshot(site)
	eligible := snap.Robots[:0]
	for _, robot := range snap.Robots {
		if robot.Eligible(minBattery) {
			eligible = append(eligible, robot)
		}
	}
	return eligible
}
