package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingGateway struct {
	mu      sync.Mutex
	samples []Sample
}

func (gateway *recordingGateway) Enqueue(sample Sample) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.samples = append(gateway.samples, sample)
}

func (gateway *recordingGateway) Samples() []Sample {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	output := make([]Sample, len(gateway.samples))
	copy(output, gateway.samples)
	return output
}

func newTestHub(t *testing.T, gateway PersistenceGateway, queueSize int) *Hub {
	t.Helper()

	hub := NewHub(NewSubscriptionRegistry(), gateway, HubConfig{QueueSize: queueSize}, zap.NewNop())
	hub.now = func() time.Time { return testNow }
	return hub
}

func connect(t *testing.T, hub *Hub) *ConnectionHandle {
	t.Helper()

	handle, err := hub.OnConnect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return handle
}

func eventsOf(handle *ConnectionHandle, event string) []OutboundMessage {
	matched := make([]OutboundMessage, 0)
	for _, message := range handle.Drain() {
		if message.Event == event {
			matched = append(matched, message)
		}
	}
	return matched
}

func TestOnConnectGreetsWithConnectionID(t *testing.T) {
	hub := newTestHub(t, nil, 8)
	handle := connect(t, hub)

	greetings := eventsOf(handle, EventConnectionEstablished)
	if len(greetings) != 1 {
		t.Fatalf("expected one greeting, got %d", len(greetings))
	}
	data, ok := greetings[0].Data.(map[string]any)
	if !ok || data["clientId"] != handle.ID() {
		t.Fatalf("expected greeting to carry client id %s, got %+v", handle.ID(), greetings[0].Data)
	}
	if hub.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", hub.ActiveConnections())
	}
}

func TestIngestDeliversOnlyToDeviceRoom(t *testing.T) {
	gateway := &recordingGateway{}
	hub := newTestHub(t, gateway, 8)

	first := connect(t, hub)
	second := connect(t, hub)
	hub.OnSubscribe(first.ID(), "m1")
	hub.OnSubscribe(second.ID(), "m2")
	first.Drain()
	second.Drain()

	sample, err := hub.Ingest(validPayload("m1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	updates := eventsOf(first, EventSensorDataUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected m1 subscriber to get one update, got %d", len(updates))
	}
	delivered, ok := updates[0].Data.(Sample)
	if !ok || delivered.DeviceID != "m1" || !delivered.Timestamp.Equal(sample.Timestamp) {
		t.Fatalf("expected delivered sample for m1, got %+v", updates[0].Data)
	}

	if pending := second.Pending(); pending != 0 {
		t.Fatalf("expected m2 subscriber to get nothing, got %d messages", pending)
	}

	persisted := gateway.Samples()
	if len(persisted) != 1 || persisted[0].DeviceID != "m1" {
		t.Fatalf("expected one persisted sample for m1, got %+v", persisted)
	}
}

func TestIngestRejectsInvalidSampleWithoutSideEffects(t *testing.T) {
	gateway := &recordingGateway{}
	hub := newTestHub(t, gateway, 8)

	handle := connect(t, hub)
	hub.OnSubscribe(handle.ID(), "m1")
	handle.Drain()

	payload := validPayload("m1")
	delete(payload, "voltage")

	_, err := hub.Ingest(payload)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if handle.Pending() != 0 {
		t.Fatalf("expected no broadcast for rejected sample")
	}
	if len(gateway.Samples()) != 0 {
		t.Fatalf("expected nothing persisted for rejected sample")
	}
}

func TestIngestWithoutSubscribersStillPersists(t *testing.T) {
	gateway := &recordingGateway{}
	hub := newTestHub(t, gateway, 8)

	if _, err := hub.Ingest(validPayload("lonely")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(gateway.Samples()) != 1 {
		t.Fatalf("expected sample persisted without subscribers")
	}
}

func TestIngestPreservesPerDeviceOrder(t *testing.T) {
	gateway := &recordingGateway{}
	hub := newTestHub(t, gateway, 1024)

	handle := connect(t, hub)
	hub.OnSubscribe(handle.ID(), "m1")
	handle.Drain()

	const perDevice = 100
	var wg sync.WaitGroup
	for _, deviceID := range []string{"m1", "m2", "m3"} {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			for index := 0; index < perDevice; index++ {
				payload := validPayload(deviceID)
				payload["temperature"] = float64(index)
				if _, err := hub.Ingest(payload); err != nil {
					t.Errorf("ingest %s #%d: %v", deviceID, index, err)
					return
				}
			}
		}(deviceID)
	}
	wg.Wait()

	updates := eventsOf(handle, EventSensorDataUpdate)
	if len(updates) != perDevice {
		t.Fatalf("expected %d updates for m1, got %d", perDevice, len(updates))
	}
	for index, update := range updates {
		sample := update.Data.(Sample)
		if sample.Value(MetricTemperature) != float64(index) {
			t.Fatalf("expected update %d in order, got temperature %f", index, sample.Value(MetricTemperature))
		}
	}

	persistedOrder := 0
	for _, sample := range gateway.Samples() {
		if sample.DeviceID != "m1" {
			continue
		}
		if sample.Value(MetricTemperature) != float64(persistedOrder) {
			t.Fatalf("expected persisted m1 sample %d in order, got %f", persistedOrder, sample.Value(MetricTemperature))
		}
		persistedOrder++
	}
}

func TestIngestBatchIsAllOrNothing(t *testing.T) {
	gateway := &recordingGateway{}
	hub := newTestHub(t, gateway, 8)

	broken := validPayload("m2")
	broken["current"] = "lots"

	if _, err := hub.IngestBatch([]map[string]any{validPayload("m1"), broken}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if len(gateway.Samples()) != 0 {
		t.Fatalf("expected rejected batch to persist nothing")
	}

	samples, err := hub.IngestBatch([]map[string]any{validPayload("m1"), validPayload("m2")})
	if err != nil {
		t.Fatalf("ingest batch: %v", err)
	}
	if len(samples) != 2 || len(gateway.Samples()) != 2 {
		t.Fatalf("expected two accepted samples, got %d accepted and %d persisted", len(samples), len(gateway.Samples()))
	}
}

func TestOnDisconnectReleasesRoomsAndNotifiesOthers(t *testing.T) {
	hub := newTestHub(t, &recordingGateway{}, 8)

	leaving := connect(t, hub)
	staying := connect(t, hub)
	hub.OnSubscribe(leaving.ID(), "m1")
	hub.OnSubscribe(leaving.ID(), "m2")
	staying.Drain()

	hub.OnDisconnect(leaving.ID())
	hub.OnDisconnect(leaving.ID())

	if leaving.State() != StateClosed {
		t.Fatalf("expected handle closed, got %s", leaving.State())
	}
	if hub.Registry().RoomCount() != 0 {
		t.Fatalf("expected rooms released, got %d", hub.Registry().RoomCount())
	}
	if hub.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", hub.ActiveConnections())
	}

	notices := eventsOf(staying, EventClientDisconnected)
	if len(notices) != 1 {
		t.Fatalf("expected one disconnect notice, got %d", len(notices))
	}
	data := notices[0].Data.(map[string]any)
	if data["clientId"] != leaving.ID() || data["totalClients"] != 1 {
		t.Fatalf("unexpected disconnect notice %+v", data)
	}

	events, err := hub.OpsEvents(context.Background(), 1)
	if err != nil {
		t.Fatalf("ops events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != OpsKindDisconnect {
		t.Fatalf("expected latest ops event to be a disconnect, got %+v", events)
	}

	hub.OnSubscribe(leaving.ID(), "m1")
	if hub.Registry().RoomCount() != 0 {
		t.Fatalf("expected late subscribe from closed connection to be ignored")
	}
}

func TestIngestLogsBackpressure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(NewSubscriptionRegistry(), &recordingGateway{}, HubConfig{QueueSize: 1}, zap.New(core))

	handle := connect(t, hub)
	hub.OnSubscribe(handle.ID(), "m1")

	if _, err := hub.Ingest(validPayload("m1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	entries := logs.FilterMessage("subscriber queue full, dropped oldest message").All()
	if len(entries) != 1 {
		t.Fatalf("expected one backpressure warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["connection_id"] != handle.ID() {
		t.Fatalf("expected warning to name the connection, got %+v", entries[0].ContextMap())
	}
	if handle.Dropped() != 1 {
		t.Fatalf("expected one dropped message, got %d", handle.Dropped())
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	hub := newTestHub(t, nil, 8)
	handles := []*ConnectionHandle{connect(t, hub), connect(t, hub), connect(t, hub)}
	for _, handle := range handles {
		handle.Drain()
	}

	if accepted := hub.Broadcast(EventSystemStatus, hub.Status()); accepted != len(handles) {
		t.Fatalf("expected %d deliveries, got %d", len(handles), accepted)
	}
	for _, handle := range handles {
		statuses := eventsOf(handle, EventSystemStatus)
		if len(statuses) != 1 {
			t.Fatalf("expected one status message, got %d", len(statuses))
		}
		status := statuses[0].Data.(SystemStatus)
		if status.OnlineClients != len(handles) {
			t.Fatalf("expected %d online clients, got %d", len(handles), status.OnlineClients)
		}
	}
}

func TestRunStatusBroadcastStopsWithContext(t *testing.T) {
	hub := newTestHub(t, nil, 8)
	handle := connect(t, hub)
	handle.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.RunStatusBroadcast(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for handle.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected status loop to stop")
	}
	if len(eventsOf(handle, EventSystemStatus)) == 0 {
		t.Fatalf("expected at least one status broadcast")
	}
}

func TestCloseRefusesNewWork(t *testing.T) {
	gateway := &recordingGateway{}
	hub := newTestHub(t, gateway, 8)
	handle := connect(t, hub)
	hub.OnSubscribe(handle.ID(), "m1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	hub.Close(ctx)

	if handle.State() != StateClosed {
		t.Fatalf("expected handle closed, got %s", handle.State())
	}
	if hub.Registry().RoomCount() != 0 {
		t.Fatalf("expected registry reset")
	}
	if _, err := hub.OnConnect(); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed on connect, got %v", err)
	}
	if _, err := hub.Ingest(validPayload("m1")); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed on ingest, got %v", err)
	}
	if len(gateway.Samples()) != 0 {
		t.Fatalf("expected nothing persisted after close")
	}
}

// blockingGateway holds Enqueue until release is closed.
type blockingGateway struct {
	recordingGateway
	entered chan struct{}
	release chan struct{}
}

func (gateway *blockingGateway) Enqueue(sample Sample) {
	close(gateway.entered)
	<-gateway.release
	gateway.recordingGateway.Enqueue(sample)
}

func TestCloseWaitsForIngestInProgress(t *testing.T) {
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	hub := newTestHub(t, gateway, 8)

	ingested := make(chan error, 1)
	go func() {
		_, err := hub.Ingest(validPayload("m1"))
		ingested <- err
	}()
	<-gateway.entered

	closed := make(chan struct{})
	go func() {
		hub.Close(context.Background())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("expected close to wait for the ingest under way")
	case <-time.After(50 * time.Millisecond):
	}

	close(gateway.release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return after ingest finished")
	}

	if err := <-ingested; err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(gateway.Samples()) != 1 {
		t.Fatalf("expected accepted sample enqueued before close returned, got %d", len(gateway.Samples()))
	}
	if _, err := hub.Ingest(validPayload("m1")); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed after close, got %v", err)
	}
}

func TestConnectionIDsAreUnique(t *testing.T) {
	hub := NewHub(nil, nil, DefaultHubConfig(), nil)

	seen := make(map[string]struct{})
	for index := 0; index < 50; index++ {
		handle, err := hub.OnConnect()
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if _, duplicate := seen[handle.ID()]; duplicate {
			t.Fatalf("duplicate connection id %s", handle.ID())
		}
		seen[handle.ID()] = struct{}{}
	}
	if len(seen) != hub.ActiveConnections() {
		t.Fatalf("expected %d connections, got %d", len(seen), hub.ActiveConnections())
	}
}
