package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"industrialmonitor/backend/internal/metrics"
)

const (
	EventConnectionEstablished = "connection-established"
	EventSensorDataUpdate      = "sensor-data-update"
	EventSystemStatus          = "system-status"
	EventClientDisconnected    = "client-disconnected"
	EventError                 = "error"
	EventServerAck             = "server-ack"
)

const deviceStripes = 64

var ErrHubClosed = errors.New("hub closed")

type HubConfig struct {
	QueueSize         int
	StatusInterval    time.Duration
	OpsEventsCapacity int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		QueueSize:         256,
		StatusInterval:    time.Minute,
		OpsEventsCapacity: 500,
	}
}

type SystemStatus struct {
	OnlineClients  int           `json:"onlineClients"`
	Rooms          int           `json:"rooms"`
	ServerUptime   float64       `json:"serverUptime"`
	HeapAllocBytes uint64        `json:"heapAllocBytes"`
	Goroutines     int           `json:"goroutines"`
	Persistence    *GatewayStats `json:"persistence,omitempty"`
	Timestamp      int64         `json:"timestamp"`
}

type gatewayStatsReporter interface {
	Stats() GatewayStats
}

// Hub owns the connection set and routes accepted samples to the rooms
// of their devices and to the persistence gateway.
type Hub struct {
	registry *SubscriptionRegistry
	gateway  PersistenceGateway
	opsLog   OpsEventStore
	logger   *zap.Logger
	config   HubConfig

	now       func() time.Time
	newID     func() string
	startedAt time.Time

	mu          sync.RWMutex
	connections map[string]*ConnectionHandle
	closed      bool

	// inflight counts ingests that passed the closed check; Close waits
	// for them before the gateway is allowed to shut down.
	inflight sync.WaitGroup

	// Samples of one device are fanned out and enqueued under the same
	// stripe, so their delivery order matches acceptance order.
	stripes [deviceStripes]sync.Mutex
}

func NewHub(
	registry *SubscriptionRegistry,
	gateway PersistenceGateway,
	config HubConfig,
	logger *zap.Logger,
) *Hub {
	cfg := config
	defaults := DefaultHubConfig()

	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaults.StatusInterval
	}
	if cfg.OpsEventsCapacity < 1 {
		cfg.OpsEventsCapacity = defaults.OpsEventsCapacity
	}

	if registry == nil {
		registry = NewSubscriptionRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		registry:    registry,
		gateway:     gateway,
		opsLog:      NewMemoryOpsLog(cfg.OpsEventsCapacity),
		logger:      logger.Named("hub"),
		config:      cfg,
		now:         time.Now,
		newID:       uuid.NewString,
		startedAt:   time.Now(),
		connections: make(map[string]*ConnectionHandle),
	}
}

func (hub *Hub) Registry() *SubscriptionRegistry {
	return hub.registry
}

// OnConnect registers a new connection and greets it with its id.
func (hub *Hub) OnConnect() (*ConnectionHandle, error) {
	now := hub.now()
	handle := newConnectionHandle(hub.newID(), hub.config.QueueSize, now)

	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return nil, ErrHubClosed
	}
	hub.connections[handle.ID()] = handle
	hub.registry.attach(handle.ID(), handle)
	active := len(hub.connections)
	hub.mu.Unlock()

	_ = handle.Send(OutboundMessage{
		Event: EventConnectionEstablished,
		Data: map[string]any{
			"clientId":  handle.ID(),
			"message":   "Connected to telemetry server",
			"timestamp": now.UnixMilli(),
		},
		Critical: true,
	})

	metrics.IncConnectionEvent("connect")
	metrics.SetConnections(active, hub.registry.RoomCount())
	hub.recordOpsEvent(OpsKindConnect, "Client connected", fmt.Sprintf("%s connected, %d active", handle.ID(), active))
	hub.logger.Info("client connected", zap.String("connection_id", handle.ID()), zap.Int("active", active))

	return handle, nil
}

// OnDisconnect releases every room of the connection and closes its handle.
// Unknown ids are ignored.
func (hub *Hub) OnDisconnect(connID string) {
	hub.mu.Lock()
	handle, exists := hub.connections[connID]
	if exists {
		delete(hub.connections, connID)
	}
	remaining := len(hub.connections)
	hub.mu.Unlock()

	if !exists {
		return
	}

	devices := hub.registry.UnsubscribeAll(connID)
	handle.Close()

	metrics.IncConnectionEvent("disconnect")
	metrics.SetConnections(remaining, hub.registry.RoomCount())
	hub.recordOpsEvent(
		OpsKindDisconnect,
		"Client disconnected",
		fmt.Sprintf("%s left %d rooms, %d active", connID, len(devices), remaining),
	)
	hub.logger.Info(
		"client disconnected",
		zap.String("connection_id", connID),
		zap.Strings("devices", devices),
		zap.Int("active", remaining),
	)

	hub.Broadcast(EventClientDisconnected, map[string]any{
		"clientId":     connID,
		"totalClients": remaining,
		"timestamp":    hub.now().UnixMilli(),
	})
}

func (hub *Hub) OnSubscribe(connID string, deviceID string) {
	if !hub.registry.Subscribe(connID, deviceID) {
		return
	}

	metrics.SetConnections(hub.ActiveConnections(), hub.registry.RoomCount())
	hub.logger.Debug("subscribed", zap.String("connection_id", connID), zap.String("device_id", deviceID))
}

func (hub *Hub) OnUnsubscribe(connID string, deviceID string) {
	if !hub.registry.Unsubscribe(connID, deviceID) {
		return
	}

	metrics.SetConnections(hub.ActiveConnections(), hub.registry.RoomCount())
	hub.logger.Debug("unsubscribed", zap.String("connection_id", connID), zap.String("device_id", deviceID))
}

// Ingest validates a raw record, fans it out to the device room and hands
// it to the persistence gateway. Validation errors are returned untouched.
func (hub *Hub) Ingest(payload map[string]any) (Sample, error) {
	if !hub.beginIngest() {
		return Sample{}, ErrHubClosed
	}
	defer hub.inflight.Done()

	sample, err := ValidateSample(payload, hub.now())
	if err != nil {
		hub.reject(err)
		return Sample{}, err
	}

	hub.publish(sample)
	return sample, nil
}

// IngestBatch accepts all records or none of them.
func (hub *Hub) IngestBatch(payloads []map[string]any) ([]Sample, error) {
	if !hub.beginIngest() {
		return nil, ErrHubClosed
	}
	defer hub.inflight.Done()

	samples, err := ValidateSamples(payloads, hub.now())
	if err != nil {
		hub.reject(err)
		return nil, err
	}

	for _, sample := range samples {
		hub.publish(sample)
	}
	return samples, nil
}

func (hub *Hub) reject(err error) {
	reason := ValidationReason(err)
	metrics.ObserveIngestRejected(reason)
	hub.logger.Debug("sample rejected", zap.String("reason", reason), zap.Error(err))
}

func (hub *Hub) publish(sample Sample) {
	stripe := hub.stripeFor(sample.DeviceID)
	stripe.Lock()
	defer stripe.Unlock()

	subscribers := hub.registry.SubscribersOf(sample.DeviceID)
	message := OutboundMessage{Event: EventSensorDataUpdate, Data: sample}

	for _, connID := range subscribers {
		handle := hub.Connection(connID)
		if handle == nil {
			metrics.IncFanout(metrics.FanoutClosed)
			continue
		}

		switch err := handle.Send(message); {
		case err == nil:
			metrics.IncFanout(metrics.FanoutDelivered)
		case errors.Is(err, ErrBackpressure):
			metrics.IncFanout(metrics.FanoutBackpressure)
			hub.logger.Warn(
				"subscriber queue full, dropped oldest message",
				zap.String("connection_id", connID),
				zap.String("device_id", sample.DeviceID),
				zap.Uint64("dropped_total", handle.Dropped()),
			)
		default:
			metrics.IncFanout(metrics.FanoutClosed)
		}
	}

	if hub.gateway != nil {
		hub.gateway.Enqueue(sample)
	}
	metrics.ObserveIngestAccepted(len(subscribers))
}

func (hub *Hub) stripeFor(deviceID string) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(deviceID))
	return &hub.stripes[hasher.Sum32()%deviceStripes]
}

// Broadcast sends one message to every open connection and returns how many
// accepted it.
func (hub *Hub) Broadcast(event string, data any) int {
	message := OutboundMessage{Event: event, Data: data}

	accepted := 0
	for _, handle := range hub.snapshot() {
		err := handle.Send(message)
		if err == nil || errors.Is(err, ErrBackpressure) {
			accepted++
		}
	}
	return accepted
}

// RunStatusBroadcast emits system-status on every tick until ctx is done.
func (hub *Hub) RunStatusBroadcast(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = hub.config.StatusInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Broadcast(EventSystemStatus, hub.Status())
		}
	}
}

func (hub *Hub) Status() SystemStatus {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		OnlineClients:  hub.ActiveConnections(),
		Rooms:          hub.registry.RoomCount(),
		ServerUptime:   hub.Uptime().Seconds(),
		HeapAllocBytes: memStats.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		Timestamp:      hub.now().UnixMilli(),
	}
	if reporter, ok := hub.gateway.(gatewayStatsReporter); ok {
		stats := reporter.Stats()
		status.Persistence = &stats
	}
	return status
}

func (hub *Hub) Connection(connID string) *ConnectionHandle {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.connections[connID]
}

func (hub *Hub) ActiveConnections() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

func (hub *Hub) Uptime() time.Duration {
	return hub.now().Sub(hub.startedAt)
}

func (hub *Hub) OpsEvents(ctx context.Context, limit int) ([]OpsEvent, error) {
	return hub.opsLog.LatestOpsEvents(ctx, limit)
}

func (hub *Hub) RecordOpsEvent(kind string, title string, detail string) {
	hub.recordOpsEvent(kind, title, detail)
}

func (hub *Hub) recordOpsEvent(kind string, title string, detail string) {
	err := hub.opsLog.AddOpsEvent(context.Background(), OpsEvent{
		Timestamp: hub.now().UnixMilli(),
		Kind:      kind,
		Title:     title,
		Detail:    detail,
	})
	if err != nil {
		hub.logger.Warn("record ops event", zap.Error(err))
	}
}

// beginIngest registers an ingest unless the hub is closed. The caller
// must call inflight.Done when it returns true.
func (hub *Hub) beginIngest() bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.closed {
		return false
	}
	hub.inflight.Add(1)
	return true
}

func (hub *Hub) snapshot() []*ConnectionHandle {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	handles := make([]*ConnectionHandle, 0, len(hub.connections))
	for _, handle := range hub.connections {
		handles = append(handles, handle)
	}
	return handles
}

// Close refuses new connections and samples, waits for ingests already
// under way, lets every handle drain until ctx expires, and releases the
// registry.
func (hub *Hub) Close(ctx context.Context) {
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return
	}
	hub.closed = true
	handles := make([]*ConnectionHandle, 0, len(hub.connections))
	for connID, handle := range hub.connections {
		handles = append(handles, handle)
		delete(hub.connections, connID)
	}
	hub.mu.Unlock()

	hub.inflight.Wait()

	var wg sync.WaitGroup
	for _, handle := range handles {
		wg.Add(1)
		go func(handle *ConnectionHandle) {
			defer wg.Done()
			handle.Shutdown(ctx)
		}(handle)
	}
	wg.Wait()

	hub.registry.Reset()
	metrics.SetConnections(0, 0)
	hub.recordOpsEvent(OpsKindShutdown, "Hub stopped", fmt.Sprintf("closed %d connections", len(handles)))
	hub.logger.Info("hub closed", zap.Int("connections", len(handles)))
}
