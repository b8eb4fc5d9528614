package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"industrialmonitor/backend/internal/metrics"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBufferFull       = errors.New("persistence buffer full")
)

// PersistenceGateway accepts validated samples for durable storage. Enqueue
// must not block the caller on store I/O.
type PersistenceGateway interface {
	Enqueue(sample Sample)
}

type SampleWriter interface {
	WriteSamples(ctx context.Context, samples []Sample) error
}

type GatewayConfig struct {
	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	WriteTimeout   time.Duration
	ShutdownGrace  time.Duration
	AlertInterval  time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BufferSize:     10000,
		BatchSize:      200,
		FlushInterval:  500 * time.Millisecond,
		MaxRetries:     3,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ShutdownGrace:  10 * time.Second,
		AlertInterval:  30 * time.Second,
	}
}

type GatewayStats struct {
	Buffered int    `json:"buffered"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"failures"`
}

// WriteBehindGateway buffers samples in memory and writes them in batches
// from a single background goroutine. When the buffer is full the oldest
// sample is discarded and a data-loss alert is raised.
type WriteBehindGateway struct {
	writer  SampleWriter
	alerter DataLossAlerter
	logger  *zap.Logger
	config  GatewayConfig
	now     func() time.Time

	mu          sync.Mutex
	buffer      []Sample
	closed      bool
	pendingLoss int
	lossReason  string
	lastAlert   time.Time
	lastErr     string
	written     uint64
	dropped     uint64
	failures    uint64

	flushMu   sync.Mutex
	wake      chan struct{}
	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewWriteBehindGateway(
	writer SampleWriter,
	config GatewayConfig,
	alerter DataLossAlerter,
	logger *zap.Logger,
) *WriteBehindGateway {
	cfg := config
	defaults := DefaultGatewayConfig()

	if cfg.BufferSize < 1 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchSize > cfg.BufferSize {
		cfg.BatchSize = cfg.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = defaults.AlertInterval
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}

	return &WriteBehindGateway{
		writer:  writer,
		alerter: alerter,
		logger:  logger.Named("persistence"),
		config:  cfg,
		now:     time.Now,
		buffer:  make([]Sample, 0, cfg.BatchSize),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the flush loop. Calling it more than once has no effect.
func (gateway *WriteBehindGateway) Start() {
	gateway.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		gateway.cancel = cancel

		gateway.wg.Add(1)
		go gateway.run(ctx)
	})
}

func (gateway *WriteBehindGateway) run(ctx context.Context) {
	defer gateway.wg.Done()

	ticker := time.NewTicker(gateway.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-gateway.wake:
		}

		if err := gateway.Flush(ctx); err != nil && ctx.Err() == nil {
			gateway.logger.Warn("flush deferred", zap.Error(err))
		}
		gateway.reportLoss(false)
	}
}

// Enqueue appends the sample to the buffer without blocking on the store.
func (gateway *WriteBehindGateway) Enqueue(sample Sample) {
	gateway.mu.Lock()
	if gateway.closed {
		gateway.dropped++
		gateway.pendingLoss++
		gateway.lossReason = metrics.DropShutdown
		gateway.mu.Unlock()

		metrics.AddPersistenceDropped(metrics.DropShutdown, 1)
		gateway.logger.Warn(
			"sample discarded after close",
			zap.String("device_id", sample.DeviceID),
		)
		// No flush loop runs after close, so report now.
		gateway.reportLoss(true)
		return
	}

	if len(gateway.buffer) >= gateway.config.BufferSize {
		gateway.discardOldestLocked(1, metrics.DropBufferFull)
	}
	gateway.buffer = append(gateway.buffer, sample)
	buffered := len(gateway.buffer)
	gateway.mu.Unlock()

	metrics.SetPersistenceBuffered(buffered)
	if buffered >= gateway.config.BatchSize {
		gateway.signal()
	}
}

func (gateway *WriteBehindGateway) discardOldestLocked(count int, reason string) {
	if count > len(gateway.buffer) {
		count = len(gateway.buffer)
	}
	if count <= 0 {
		return
	}

	remaining := copy(gateway.buffer, gateway.buffer[count:])
	clear(gateway.buffer[remaining:])
	gateway.buffer = gateway.buffer[:remaining]

	gateway.dropped += uint64(count)
	gateway.pendingLoss += count
	gateway.lossReason = reason
	metrics.AddPersistenceDropped(reason, count)
}

func (gateway *WriteBehindGateway) signal() {
	select {
	case gateway.wake <- struct{}{}:
	default:
	}
}

// Flush writes buffered samples batch by batch until the buffer is empty or
// a batch exhausts its retries. A failed batch goes back to the front.
func (gateway *WriteBehindGateway) Flush(ctx context.Context) error {
	gateway.flushMu.Lock()
	defer gateway.flushMu.Unlock()

	for {
		batch := gateway.takeBatch()
		if len(batch) == 0 {
			return nil
		}

		if err := gateway.writeWithRetry(ctx, batch); err != nil {
			gateway.requeue(batch)
			return err
		}
	}
}

func (gateway *WriteBehindGateway) takeBatch() []Sample {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	size := min(len(gateway.buffer), gateway.config.BatchSize)
	if size == 0 {
		return nil
	}

	batch := make([]Sample, size)
	copy(batch, gateway.buffer[:size])
	remaining := copy(gateway.buffer, gateway.buffer[size:])
	clear(gateway.buffer[remaining:])
	gateway.buffer = gateway.buffer[:remaining]
	return batch
}

func (gateway *WriteBehindGateway) requeue(batch []Sample) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	// The batch is older than anything enqueued since it was taken, so on
	// overflow it loses its head first.
	overflow := len(batch) + len(gateway.buffer) - gateway.config.BufferSize
	if overflow > 0 {
		gateway.dropped += uint64(overflow)
		gateway.pendingLoss += overflow
		gateway.lossReason = metrics.DropBufferFull
		metrics.AddPersistenceDropped(metrics.DropBufferFull, overflow)
		batch = batch[overflow:]
	}

	merged := make([]Sample, 0, max(len(batch)+len(gateway.buffer), gateway.config.BatchSize))
	merged = append(merged, batch...)
	merged = append(merged, gateway.buffer...)
	gateway.buffer = merged
	metrics.SetPersistenceBuffered(len(merged))
}

func (gateway *WriteBehindGateway) writeWithRetry(ctx context.Context, batch []Sample) error {
	if gateway.writer == nil {
		return fmt.Errorf("%w: no writer configured", ErrStoreUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt <= gateway.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
			case <-time.After(gateway.backoff(attempt)):
			}
		}

		startedAt := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, gateway.config.WriteTimeout)
		err := gateway.writer.WriteSamples(writeCtx, batch)
		cancel()

		if err == nil {
			gateway.mu.Lock()
			gateway.written += uint64(len(batch))
			buffered := len(gateway.buffer)
			gateway.mu.Unlock()

			metrics.ObservePersistenceWrite(len(batch), time.Since(startedAt))
			metrics.SetPersistenceBuffered(buffered)
			return nil
		}

		lastErr = err
		gateway.mu.Lock()
		gateway.failures++
		gateway.lastErr = err.Error()
		gateway.mu.Unlock()
		metrics.IncPersistenceFailure()

		gateway.logger.Warn(
			"store write failed",
			zap.Int("attempt", attempt+1),
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
	}

	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (gateway *WriteBehindGateway) backoff(attempt int) time.Duration {
	delay := gateway.config.RetryBaseDelay
	for step := 1; step < attempt; step++ {
		delay *= 2
		if delay >= gateway.config.RetryMaxDelay {
			return gateway.config.RetryMaxDelay
		}
	}
	return delay
}

// reportLoss sends at most one alert per AlertInterval unless force is set.
func (gateway *WriteBehindGateway) reportLoss(force bool) {
	now := gateway.now()

	gateway.mu.Lock()
	if gateway.pendingLoss == 0 {
		gateway.mu.Unlock()
		return
	}
	if !force && !gateway.lastAlert.IsZero() && now.Sub(gateway.lastAlert) < gateway.config.AlertInterval {
		gateway.mu.Unlock()
		return
	}

	event := DataLossEvent{
		Dropped:   gateway.pendingLoss,
		Reason:    gateway.lossReason,
		Buffered:  len(gateway.buffer),
		LastError: gateway.lastErr,
		At:        now,
	}
	gateway.pendingLoss = 0
	gateway.lastAlert = now
	gateway.mu.Unlock()

	alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gateway.alerter.DataLoss(alertCtx, event); err != nil {
		gateway.logger.Error("data loss alert failed", zap.Error(err))
	}
}

// Close stops accepting samples, performs a final flush bounded by
// ShutdownGrace and ctx, and discards whatever is still buffered.
func (gateway *WriteBehindGateway) Close(ctx context.Context) error {
	gateway.mu.Lock()
	if gateway.closed {
		gateway.mu.Unlock()
		return nil
	}
	gateway.closed = true
	gateway.mu.Unlock()

	if gateway.cancel != nil {
		gateway.cancel()
	}
	gateway.wg.Wait()

	graceCtx, cancel := context.WithTimeout(ctx, gateway.config.ShutdownGrace)
	defer cancel()

	flushErr := gateway.Flush(graceCtx)

	gateway.mu.Lock()
	remaining := len(gateway.buffer)
	if remaining > 0 {
		gateway.discardOldestLocked(remaining, metrics.DropShutdown)
	}
	gateway.mu.Unlock()
	metrics.SetPersistenceBuffered(0)

	if remaining > 0 {
		gateway.logger.Error("samples discarded at shutdown", zap.Int("count", remaining))
	}
	gateway.reportLoss(true)

	if flushErr != nil {
		return fmt.Errorf("final flush: %w", flushErr)
	}
	return nil
}

func (gateway *WriteBehindGateway) Stats() GatewayStats {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	return GatewayStats{
		Buffered: len(gateway.buffer),
		Written:  gateway.written,
		Dropped:  gateway.dropped,
		Failures: gateway.failures,
	}
}

var _ PersistenceGateway = (*WriteBehindGateway)(nil)
