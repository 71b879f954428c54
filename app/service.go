package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/robofleet/tower/config"
	"github.com/robofleet/tower/core/dispatch"
	"github.com/robofleet/tower/core/events"
	coremetrics "github.com/robofleet/tower/core/metrics"
	"github.com/robofleet/tower/core/registry"
	"github.com/robofleet/tower/core/scheduler"
	"github.com/robofleet/tower/core/supervisor"
	"github.com/robofleet/tower/infra/logger"
	"github.com/robofleet/tower/infra/metrics"
	"github.com/robofleet/tower/infra/mqtt"
	"github.com/robofleet/tower/internal/eventbus"
)

// Service orchestrates the dispatch service, supervisor and transport.
type Service struct {
	Dispatch   *dispatch.Service
	Supervisor *supervisor.Supervisor

	registry    *registry.Registry
	bus         eventbus.EventBus
	log         logger.Logger
	promEnabled bool
	promAddr    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken,
			cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	var sink coremetrics.MetricsSink
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New()
	reg := registry.New()
	sched := scheduler.New(cfg.Scheduler, reg, logger.New("scheduler"))

	disp, err := dispatch.NewService(cfg.Dispatch, reg, sched, bus, sink, logger.New("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("dispatch service: %w", err)
	}

	tr, err := mqtt.NewTransport(cfg.MQTT, cfg.Site)
	if err != nil {
		return nil, fmt.Errorf("mqtt transport: %w", err)
	}

	sup, err := supervisor.New(cfg.Supervisor, cfg.Site, disp, tr, bus, logger.New("supervisor"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	addr := cfg.Metrics.PrometheusPort
	if addr != "" && !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	return &Service{
		Dispatch:    disp,
		Supervisor:  sup,
		registry:    reg,
		bus:         bus,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promAddr:    addr,
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.Supervisor.Start(ctx)
	go func() {
		for ev := range eventbus.Filter[events.DeliveryEvent](s.bus) {
			if !ev.Delivered {
				s.log.Warnf("task %s undelivered to %s after %d attempts: %v", ev.TaskID, ev.RobotID, ev.Attempts, ev.Err)
			}
		}
	}()
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error { return s.Supervisor.Close() }
