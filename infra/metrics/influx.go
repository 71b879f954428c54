package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/robofleet/tower/core/metrics"
	"github.com/robofleet/tower/infra/logger"
)

// InfluxSink writes assignment events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordAssignment writes assignment records as line protocol events.
func (s *InfluxSink) RecordAssignment(records []coremetrics.AssignmentRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range records {
		p := write.NewPointWithMeasurement("assignment_event").
			AddTag("task_id", r.TaskID).
			AddTag("robot_id", r.RobotID).
			AddTag("site", r.Site).
			AddTag("task_type", r.Type.String()).
			AddTag("priority", r.Priority.String()).
			AddTag("component", "dispatch_service").
			AddField("score", round3(r.Score)).
			AddField("battery", round3(r.Battery)).
			AddField("delivered", r.Delivered).
			SetTime(r.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordRobotState writes a snapshot of a robot.
func (s *InfluxSink) RecordRobotState(ev coremetrics.RobotStateEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := ev.Robot
	p := write.NewPointWithMeasurement("robot_state").
		AddTag("robot_id", r.ID).
		AddTag("site", ev.Site)
	if ev.Component != "" {
		p.AddTag("component", ev.Component)
	}
	p = p.AddTag("state", r.State.String()).
		AddField("battery", round3(r.Battery)).
		AddField("x", round3(r.Location.X)).
		AddField("y", round3(r.Location.Y)).
		AddField("floor", r.Location.Floor).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordFleetSize persists the connected robot count for a site.
func (s *InfluxSink) RecordFleetSize(site string, n int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("fleet_size").
		AddTag("site", site).
		AddField("robots", n).
		SetTime(time.Now())
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client resources.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
