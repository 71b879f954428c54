package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/robofleet/tower/core/model"
	"github.com/robofleet/tower/core/registry"
	"github.com/robofleet/tower/core/scheduler"
	"github.com/robofleet/tower/infra/logger"
	"github.com/robofleet/tower/internal/eventbus"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, cfg Config) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	sched := scheduler.New(scheduler.Config{}, reg, logger.NopLogger{})
	svc, err := NewService(cfg, reg, sched, eventbus.New(), nil, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, reg
}

func registerIdle(svc *Service, id string, battery float64) {
	svc.RegisterRobot("site-a", id, id, battery, model.Location{Floor: "1"}, t0)
}

func TestNewServiceNilParams(t *testing.T) {
	reg := registry.New()
	sched := scheduler.New(scheduler.Config{}, reg, logger.NopLogger{})
	if _, err := NewService(Config{}, nil, sched, nil, nil, logger.NopLogger{}); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := NewService(Config{}, reg, nil, nil, nil, logger.NopLogger{}); err == nil {
		t.Fatal("expected error for nil scheduler")
	}
	if _, err := NewService(Config{}, reg, sched, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestReportStatusUnknownRobot(t *testing.T) {
	svc, _ := newService(t, Config{})
	err := svc.ReportStatus(registry.StatusReport{RobotID: "ghost", Timestamp: t0})
	if !errors.Is(err, registry.ErrUnknownRobot) {
		t.Fatalf("expected ErrUnknownRobot got %v", err)
	}
}

func TestReportStatusStaleCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	ResetMetrics(reg)
	defer ResetMetrics(nil)

	svc, _ := newService(t, Config{})
	registerIdle(svc, "r1", 90)
	if err := svc.ReportStatus(registry.StatusReport{RobotID: "r1", State: model.StateIdle, Battery: 90, Timestamp: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("fresh report: %v", err)
	}
	err := svc.ReportStatus(registry.StatusReport{RobotID: "r1", State: model.StateIdle, Battery: 95, Timestamp: t0})
	if !errors.Is(err, registry.ErrStaleReport) {
		t.Fatalf("expected ErrStaleReport got %v", err)
	}
	if got := testutil.ToFloat64(staleReports); got != 1 {
		t.Fatalf("expected 1 stale report counted, got %v", got)
	}
	if got := testutil.ToFloat64(statusReports); got != 1 {
		t.Fatalf("expected 1 applied report counted, got %v", got)
	}
}

func TestSubmitTaskProducesOneStreamItem(t *testing.T) {
	svc, _ := newService(t, Config{})
	registerIdle(svc, "r1", 90)

	res, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case a := <-svc.StreamAssignments("site-a"):
		if a.RobotID != res.RobotID || a.Task.ID != res.TaskID {
			t.Fatalf("stream item mismatch: %+v vs %+v", a, res)
		}
		if a.Task.Status != model.TaskAssigned {
			t.Fatalf("expected assigned task on stream, got %v", a.Task.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no assignment on stream")
	}
	select {
	case a := <-svc.StreamAssignments("site-a"):
		t.Fatalf("unexpected extra stream item: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitTaskRejectedNoStreamItem(t *testing.T) {
	svc, _ := newService(t, Config{})
	_, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}})
	if !errors.Is(err, scheduler.ErrNoRobotsAvailable) {
		t.Fatalf("expected ErrNoRobotsAvailable got %v", err)
	}
	select {
	case a := <-svc.StreamAssignments("site-a"):
		t.Fatalf("rejected submission must not stream: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitTaskBlocksWhenStreamFull(t *testing.T) {
	svc, _ := newService(t, Config{StreamBuffer: 1})
	registerIdle(svc, "r1", 90)
	registerIdle(svc, "r2", 80)

	if _, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}}); err != nil {
			t.Errorf("second submit: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("submit must block on a full stream")
	case <-time.After(100 * time.Millisecond):
	}

	// drain one slot; the blocked submit completes
	<-svc.StreamAssignments("site-a")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after drain")
	}
	<-svc.StreamAssignments("site-a")
}

func TestStreamReplayAfterConsumerSwap(t *testing.T) {
	svc, _ := newService(t, Config{})
	registerIdle(svc, "r1", 90)

	res, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// the first subscriber goes away without consuming; a fresh subscription
	// still sees the decision
	_ = svc.StreamAssignments("site-a")
	select {
	case a := <-svc.StreamAssignments("site-a"):
		if a.Task.ID != res.TaskID {
			t.Fatalf("expected %s got %s", res.TaskID, a.Task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("undelivered assignment lost on resubscribe")
	}
}

func TestMarkRobotOfflineFailsTask(t *testing.T) {
	svc, reg := newService(t, Config{})
	registerIdle(svc, "r1", 90)
	res, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	svc.MarkRobotOffline("r1", "liveness timeout")
	robot, _ := reg.Get("r1")
	if robot.State != model.StateOffline {
		t.Fatalf("expected offline got %v", robot.State)
	}
	if err := svc.ReportTaskUpdate(res.TaskID, "r1", model.TaskInProgress, 10, ""); !errors.Is(err, scheduler.ErrInvalidTransition) {
		t.Fatalf("failed task must reject progress, got %v", err)
	}
}

func TestNotifyDeliveryFailureFlagsTask(t *testing.T) {
	svc, _ := newService(t, Config{})
	registerIdle(svc, "r1", 90)
	res, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	svc.NotifyDeliveryFailure(res.TaskID, "r1", 3, errors.New("send failed"))
	robot, ok := svc.Robot("r1")
	if !ok || robot.State != model.StateBusy {
		t.Fatalf("delivery failure must not release the robot: %+v", robot)
	}
}

func TestGetDistribution(t *testing.T) {
	svc, _ := newService(t, Config{})
	registerIdle(svc, "r1", 90)
	registerIdle(svc, "r2", 80)
	if _, err := svc.SubmitTask(model.Task{Site: "site-a", Sources: []model.Location{{Floor: "1"}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := svc.GetDistribution("site-a")
	if snap.Total != 2 || snap.Idle != 1 || snap.Busy != 1 {
		t.Fatalf("unexpected distribution: %+v", snap)
	}
}
