package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/robofleet/tower/core/metrics"
	"github.com/robofleet/tower/core/model"
)

func TestInfluxSink_RecordAssignment(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	rec := coremetrics.AssignmentRecord{
		TaskID:   "t1",
		RobotID:  "r1",
		Site:     "site-a",
		Type:     model.TaskDelivery,
		Priority: model.PriorityHigh,
		Score:    0.6234,
		Battery:  88,
		Time:     now,
	}

	if err := sink.RecordAssignment([]coremetrics.AssignmentRecord{rec}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("assignment_event").
		AddTag("task_id", "t1").
		AddTag("robot_id", "r1").
		AddTag("site", "site-a").
		AddTag("task_type", "delivery").
		AddTag("priority", "high").
		AddTag("component", "dispatch_service").
		AddField("score", 0.623).
		AddField("battery", 88.0).
		AddField("delivered", false).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestInfluxSink_RecordRobotState(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, strings.TrimSpace(string(data)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.RobotStateEvent{
		Robot: model.Robot{
			ID:       "r1",
			State:    model.StateCharging,
			Battery:  41.5,
			Location: model.Location{X: 2, Y: 3, Floor: "1"},
		},
		Site: "site-a",
		Time: now,
	}
	if err := sink.RecordRobotState(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected 1 write, got %d", len(bodies))
	}
	if !strings.HasPrefix(bodies[0], "robot_state,") {
		t.Errorf("unexpected measurement: %s", bodies[0])
	}
	for _, want := range []string{"robot_id=r1", "state=charging", "battery=41.5"} {
		if !strings.Contains(bodies[0], want) {
			t.Errorf("missing %q in: %s", want, bodies[0])
		}
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
