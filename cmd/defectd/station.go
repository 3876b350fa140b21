package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-defect-station/internal/broker"
	"github.com/e7canasta/orion-defect-station/internal/capturestore"
	"github.com/e7canasta/orion-defect-station/internal/config"
	"github.com/e7canasta/orion-defect-station/internal/health"
	"github.com/e7canasta/orion-defect-station/internal/orchestrator"
	"github.com/e7canasta/orion-defect-station/internal/pipeline"
	"github.com/e7canasta/orion-defect-station/internal/pipeline/gstengine"
	"github.com/e7canasta/orion-defect-station/internal/retry"
	"github.com/e7canasta/orion-defect-station/internal/shadow"
	"github.com/e7canasta/orion-defect-station/internal/source"
	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

// station is the assembled set of components behind one configuration.
type station struct {
	cfg      *config.Config
	client   mqtt.Client
	executor *pipeline.Executor
	results  *capturestore.Store
	owner    *shadow.Owner
	registry *health.Registry
	orch     *orchestrator.Orchestrator
}

// newStation builds every component. offline forces the in-memory shadow
// (one-shot CLI captures must not touch the cloud document).
func newStation(ctx context.Context, cfg *config.Config, offline bool) (_ *station, err error) {
	s := &station{cfg: cfg, registry: health.NewRegistry(cfg.DeviceID)}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	s.executor, err = pipeline.NewExecutor(cfg.Executor(), gstengine.New())
	if err != nil {
		return nil, err
	}

	s.results, err = capturestore.Open(cfg.Capture.OutputDir, cfg.Capture.IndexDir)
	if err != nil {
		return nil, err
	}

	var svc shadow.Service
	if offline || cfg.Shadow.Backend == "memory" {
		svc = shadow.NewMemoryService()
	} else {
		s.client, err = broker.Connect(ctx, cfg.Broker(), retry.DefaultConfig())
		if err != nil {
			return nil, err
		}
		mq := cfg.Shadow.MQTT
		svc = shadow.NewMQTTService(s.client, mq.Thing, mq.QoS)
		s.registry.AddListener(health.NewMQTTPublisher(s.client, cfg.DeviceID, mq.HealthTopic, mq.QoS))
		s.registry.RegisterChecker(health.BrokerCheck(s.client))
	}
	s.owner = shadow.NewOwner(shadow.NewStore(svc, cfg.ShadowTimeout()), cfg.Shadow.Document)

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	agentArgs := []string{trigger.AgentSubcommand}
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		agentArgs = append(agentArgs, "--debug")
	}

	s.orch, err = orchestrator.New(orchestrator.Deps{
		Shadow:    s.owner,
		Executor:  s.executor,
		Results:   s.results,
		Health:    s.registry,
		Agent:     &trigger.AgentCommand{Path: exe, Args: agentArgs},
		Sources:   source.Options{MaxWidth: cfg.Pipeline.MaxWidth, MaxHeight: cfg.Pipeline.MaxHeight},
		Scheduler: cfg.Scheduler(),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// close releases components in reverse dependency order.
func (s *station) close(ctx context.Context) error {
	var errs []error
	if s.orch != nil {
		errs = append(errs, s.orch.Shutdown(ctx))
	}
	if s.owner != nil {
		s.owner.Close()
	}
	if s.client != nil {
		broker.Disconnect(s.client)
	}
	if s.results != nil {
		errs = append(errs, s.results.Close())
	}
	if s.executor != nil {
		errs = append(errs, s.executor.Close())
	}
	return errors.Join(errs...)
}
