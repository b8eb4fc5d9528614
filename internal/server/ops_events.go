package server

import (
	"context"
	"sync"
	"time"
)

const (
	OpsKindConnect    = "connect"
	OpsKindDisconnect = "disconnect"
	OpsKindShutdown   = "shutdown"
	OpsKindPersist    = "persistence"
)

type OpsEvent struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Detail    string `json:"detail"`
}

type OpsEventStore interface {
	AddOpsEvent(ctx context.Context, event OpsEvent) error
	LatestOpsEvents(ctx context.Context, limit int) ([]OpsEvent, error)
}

// MemoryOpsLog keeps the most recent lifecycle events in a fixed ring.
type MemoryOpsLog struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	events   []OpsEvent
}

func NewMemoryOpsLog(capacity int) *MemoryOpsLog {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryOpsLog{
		capacity: capacity,
		events:   make([]OpsEvent, 0, capacity),
	}
}

func (opsLog *MemoryOpsLog) AddOpsEvent(_ context.Context, event OpsEvent) error {
	opsLog.mu.Lock()
	defer opsLog.mu.Unlock()

	opsLog.nextID++
	event.ID = opsLog.nextID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	if len(opsLog.events) >= opsLog.capacity {
		copy(opsLog.events, opsLog.events[1:])
		opsLog.events = opsLog.events[:len(opsLog.events)-1]
	}
	opsLog.events = append(opsLog.events, event)
	return nil
}

// LatestOpsEvents returns up to limit events, newest first.
func (opsLog *MemoryOpsLog) LatestOpsEvents(_ context.Context, limit int) ([]OpsEvent, error) {
	opsLog.mu.Lock()
	defer opsLog.mu.Unlock()

	if limit <= 0 || limit > len(opsLog.events) {
		limit = len(opsLog.events)
	}

	output := make([]OpsEvent, 0, limit)
	for index := len(opsLog.events) - 1; index >= 0 && len(output) < limit; index-- {
		output = append(output, opsLog.events[index])
	}
	return output, nil
}

var _ OpsEventStore = (*MemoryOpsLog)(nil)
