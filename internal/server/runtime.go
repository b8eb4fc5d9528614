package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type RuntimeConfig struct {
	Hub               HubConfig
	Gateway           GatewayConfig
	Simulation        SimulationConfig
	SimulationEnabled bool
}

// Runtime wires the hub, the write-behind gateway and the background
// tickers, and tears them down in order.
type Runtime struct {
	Hub        *Hub
	Gateway    *WriteBehindGateway
	Simulation *SimulationTicker

	config RuntimeConfig
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRuntime(writer SampleWriter, alerter DataLossAlerter, config RuntimeConfig, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}

	gateway := NewWriteBehindGateway(writer, config.Gateway, alerter, logger)
	hub := NewHub(NewSubscriptionRegistry(), gateway, config.Hub, logger)

	var simulation *SimulationTicker
	if config.SimulationEnabled {
		simulation = NewSimulationTicker(hub, config.Simulation, logger)
	}

	return &Runtime{
		Hub:        hub,
		Gateway:    gateway,
		Simulation: simulation,
		config:     config,
		logger:     logger,
	}
}

func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.Gateway.Start()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.Hub.RunStatusBroadcast(runCtx, rt.config.Hub.StatusInterval)
	}()

	if rt.Simulation != nil {
		rt.Simulation.Start(runCtx)
	}

	rt.logger.Info("runtime started", zap.Bool("simulation", rt.Simulation != nil))
}

// Shutdown stops the tickers, closes the hub so no further sample is
// accepted, then flushes the gateway. ctx bounds the whole sequence.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	startedAt := time.Now()

	rt.mu.Lock()
	cancel := rt.cancel
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rt.Simulation != nil {
		rt.Simulation.Stop()
	}
	rt.wg.Wait()

	rt.Hub.Close(ctx)

	stats := rt.Gateway.Stats()
	err := rt.Gateway.Close(ctx)
	final := rt.Gateway.Stats()

	rt.Hub.RecordOpsEvent(
		OpsKindPersist,
		"Persistence closed",
		fmt.Sprintf("flushed %d of %d buffered samples", final.Written-stats.Written, stats.Buffered),
	)
	rt.logger.Info(
		"runtime stopped",
		zap.Duration("took", time.Since(startedAt)),
		zap.Uint64("written", final.Written),
		zap.Uint64("dropped", final.Dropped),
		zap.Error(err),
	)

	if err != nil {
		return fmt.Errorf("close persistence: %w", err)
	}
	return nil
}
