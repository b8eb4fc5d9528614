package server

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyntheticModel produces a bounded random walk of machine readings.
type SyntheticModel struct {
	temperature float64
	vibration   float64
	current     float64
	voltage     float64
	pressure    float64
	humidity    float64
}

func NewSyntheticModel() *SyntheticModel {
	return &SyntheticModel{
		temperature: 30.0,
		vibration:   2.5,
		current:     12.5,
		voltage:     230.0,
		pressure:    125.0,
		humidity:    55.0,
	}
}

// Next returns a raw record shaped like what devices post to the ingest API.
func (model *SyntheticModel) Next(rng *rand.Rand, deviceID string, now time.Time) map[string]any {
	model.temperature = clamp(model.temperature+rng.NormFloat64()*0.4, 25.0, 35.0)
	model.vibration = clamp(model.vibration+rng.NormFloat64()*0.2, 0.0, 5.0)
	model.current = clamp(model.current+rng.NormFloat64()*0.2, 10.0, 15.0)
	model.voltage = clamp(model.voltage+rng.NormFloat64()*0.8, 220.0, 240.0)
	model.pressure = clamp(model.pressure+rng.NormFloat64()*1.5, 100.0, 150.0)
	model.humidity = clamp(model.humidity+rng.NormFloat64()*0.7, 40.0, 70.0)

	status := "normal"
	if rng.Float64() < 0.1 {
		status = "warning"
	}

	return map[string]any{
		"deviceId":    deviceID,
		"timestamp":   now.UnixMilli(),
		"temperature": round2(model.temperature),
		"vibration":   round2(model.vibration),
		"current":     round2(model.current),
		"voltage":     round2(model.voltage),
		"pressure":    round2(model.pressure),
		"humidity":    round2(model.humidity),
		"status":      status,
	}
}

type SampleIngester interface {
	Ingest(payload map[string]any) (Sample, error)
}

type SimulationConfig struct {
	DeviceID string
	Interval time.Duration
	Seed     int64
}

func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		DeviceID: "sim-machine-01",
		Interval: 5 * time.Second,
	}
}

// SimulationTicker feeds synthetic records through the same ingest path as
// real devices.
type SimulationTicker struct {
	ingester SampleIngester
	config   SimulationConfig
	model    *SyntheticModel
	rng      *rand.Rand
	logger   *zap.Logger
	now      func() time.Time

	startOnce sync.Once
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSimulationTicker(ingester SampleIngester, config SimulationConfig, logger *zap.Logger) *SimulationTicker {
	cfg := config
	defaults := DefaultSimulationConfig()

	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)
	if cfg.DeviceID == "" {
		cfg.DeviceID = defaults.DeviceID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SimulationTicker{
		ingester: ingester,
		config:   cfg,
		model:    NewSyntheticModel(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		logger:   logger.Named("simulation"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start emits one record per interval until ctx is canceled or Stop is called.
func (ticker *SimulationTicker) Start(ctx context.Context) {
	ticker.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)

		ticker.mu.Lock()
		ticker.cancel = cancel
		ticker.mu.Unlock()

		ticker.logger.Info(
			"simulation started",
			zap.String("device_id", ticker.config.DeviceID),
			zap.Duration("interval", ticker.config.Interval),
			zap.Int64("seed", ticker.config.Seed),
		)
		go ticker.run(runCtx)
	})
}

func (ticker *SimulationTicker) run(ctx context.Context) {
	defer close(ticker.done)

	clock := time.NewTicker(ticker.config.Interval)
	defer clock.Stop()

	for {
		select {
		case <-ctx.Done():
			ticker.logger.Info("simulation stopped")
			return
		case <-clock.C:
			ticker.emit()
		}
	}
}

func (ticker *SimulationTicker) emit() {
	payload := ticker.model.Next(ticker.rng, ticker.config.DeviceID, ticker.now())
	if _, err := ticker.ingester.Ingest(payload); err != nil {
		ticker.logger.Warn("simulated sample rejected", zap.Error(err))
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call when the
// ticker was never started.
func (ticker *SimulationTicker) Stop() {
	ticker.mu.Lock()
	cancel := ticker.cancel
	ticker.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-ticker.done
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
