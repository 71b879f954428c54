// Package scheduler owns task bookkeeping and the robot-selection algorithm.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/robofleet/tower/core/logger"
	"github.com/robofleet/tower/core/model"
	"github.com/robofleet/tower/core/registry"
)

var (
	// ErrNoRobotsAvailable is returned when no robot is eligible for a task.
	// The task is not queued; the submitter is expected to retry.
	ErrNoRobotsAvailable = errors.New("no robots available")

	// ErrUnknownTask is returned for updates referencing an unknown task id.
	ErrUnknownTask = errors.New("unknown task")

	// ErrInvalidTransition is returned for a task update that would move the
	// status backward.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Result is the outcome of a task submission. TaskID echoes the submitted
// id, or the stamped one when the submission carried none.
type Result struct {
	Assigned            bool
	TaskID              string
	RobotID             string
	Score               float64
	EstimatedCompletion time.Time
	Reason              string
}

// Scheduler picks the best robot for each submitted task and tracks task
// lifecycle. Robot state lives in the registry; the scheduler never mutates
// it except through Claim and Release.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	log      logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*model.Task
}

// New creates a Scheduler backed by the given registry.
func New(cfg Config, reg *registry.Registry, log logger.Logger) *Scheduler {
	cfg.SetDefaults()
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		log:      log,
		now:      time.Now,
		tasks:    make(map[string]*model.Task),
	}
}

// score computes the weighted robot score for a task source. Higher is
// better. Distance is Euclidean over (x, y) with a fixed penalty when the
// floor differs, normalized into [0, 1) so the weights stay comparable.
func (s *Scheduler) score(robot model.Robot, source model.Location) float64 {
	d := floats.Distance(
		[]float64{robot.Location.X, robot.Location.Y},
		[]float64{source.X, source.Y},
		2,
	)
	if robot.Location.Floor != source.Floor {
		d += s.cfg.FloorPenalty
	}
	norm := d / (d + s.cfg.DistanceScale)
	return s.cfg.BatteryWeight*(robot.Battery/100) - s.cfg.DistanceWeight*norm
}

// selectRobot returns the best eligible robot for the task, or false when
// none qualifies. Ties break toward the lowest robot id: FindEligible
// returns robots sorted by id and only a strictly higher score displaces the
// current best.
func (s *Scheduler) selectRobot(task *model.Task) (model.Robot, float64, bool) {
	eligible := s.registry.FindEligible(task.Site, s.cfg.MinBattery)
	var (
		best      model.Robot
		bestScore float64
		found     bool
	)
	for _, robot := range eligible {
		sc := s.score(robot, task.Sources[0])
		if !found || sc > bestScore {
			best = robot
			bestScore = sc
			found = true
		}
	}
	return best, bestScore, found
}

// Submit assigns the task to the best eligible robot. When the claim races
// with a concurrent submission the selection is re-run once, excluding the
// now-busy robot, before giving up.
func (s *Scheduler) Submit(task model.Task) (Result, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	if err := task.Validate(); err != nil {
		return Result{TaskID: task.ID, Reason: err.Error()}, err
	}
	task.Status = model.TaskPending

	for attempt := 0; attempt < 2; attempt++ {
		robot, sc, ok := s.selectRobot(&task)
		if !ok {
			s.log.Warnf("task %s rejected: no eligible robot on site %s", task.ID, task.Site)
			return Result{TaskID: task.ID, Reason: ErrNoRobotsAvailable.Error()}, ErrNoRobotsAvailable
		}
		if !s.registry.Claim(robot.ID, task.ID, s.now()) {
			// lost the robot to a concurrent submission
			s.log.Debugf("claim race on robot %s, reselecting", robot.ID)
			continue
		}
		task.Status = model.TaskAssigned
		task.AssignedRobot = robot.ID
		s.mu.Lock()
		stored := task
		s.tasks[task.ID] = &stored
		s.mu.Unlock()
		// the robot may have gone offline between the claim and the store,
		// in which case its teardown swept the task map before this task
		// was visible. Re-check and fail over to a fresh selection.
		if cur, ok := s.registry.Get(robot.ID); !ok || cur.State == model.StateOffline {
			s.FailRobotTasks(robot.ID)
			continue
		}
		est := s.now().Add(time.Duration(s.cfg.EstimatedTaskMinutes) * time.Minute)
		s.log.Infof("task %s assigned to robot %s (score %.3f)", task.ID, robot.ID, sc)
		return Result{Assigned: true, TaskID: task.ID, RobotID: robot.ID, Score: sc, EstimatedCompletion: est}, nil
	}
	return Result{TaskID: task.ID, Reason: ErrNoRobotsAvailable.Error()}, ErrNoRobotsAvailable
}

// ApplyUpdate applies a task progress report relayed from a robot. Status
// transitions are monotonic; a terminal status releases the robot.
func (s *Scheduler) ApplyUpdate(taskID, robotID string, status model.TaskStatus, progress int, message string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if status < task.Status || task.Status.Terminal() {
		cur := task.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
	}
	task.Status = status
	release := status.Terminal()
	assigned := task.AssignedRobot
	s.mu.Unlock()

	if message != "" {
		s.log.Debugw("task update", map[string]any{
			"task_id": taskID, "robot_id": robotID, "status": status.String(),
			"progress": progress, "message": message,
		})
	}
	if release && assigned != "" {
		s.registry.Release(assigned, s.now())
	}
	return nil
}

// FailRobotTasks fails the in-flight task of a robot that disappeared.
// A task whose robot is gone must not stay Assigned forever.
func (s *Scheduler) FailRobotTasks(robotID string) []string {
	s.mu.Lock()
	var failed []string
	for id, task := range s.tasks {
		if task.AssignedRobot == robotID && !task.Status.Terminal() {
			task.Status = model.TaskFailed
			failed = append(failed, id)
		}
	}
	s.mu.Unlock()
	if len(failed) > 0 {
		s.registry.Release(robotID, s.now())
		s.log.Warnf("robot %s gone, failed tasks %v", robotID, failed)
	}
	return failed
}

// FlagForReconciliation marks a task whose assignment could not be delivered.
// The task stays Assigned: the robot may or may not have received it, so an
// external reconciler has to decide.
func (s *Scheduler) FlagForReconciliation(taskID string) {
	s.mu.Lock()
	if task, ok := s.tasks[taskID]; ok {
		task.NeedsReconciliation = true
	}
	s.mu.Unlock()
}

// Task returns a snapshot of the task.
func (s *Scheduler) Task(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[id]; ok {
		return *task, true
	}
	return model.Task{}, false
}
