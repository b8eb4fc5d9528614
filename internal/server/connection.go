package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type ConnectionState int32

const (
	StateOpen ConnectionState = iota
	StateClosing
	StateClosed
)

func (state ConnectionState) String() string {
	switch state {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrBackpressure means the queue was full and an older message was
	// dropped to make room. The message passed to Send is still queued.
	ErrBackpressure     = errors.New("outbound queue full")
	ErrConnectionClosed = errors.New("connection closed")
)

// OutboundMessage is one frame destined for a client.
type OutboundMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`

	// Critical messages are evicted only when nothing else is queued.
	Critical bool `json:"-"`
}

// ConnectionHandle is the per-connection outbound sink. It owns its bounded
// queue; a transport writer drains it through Ready and Drain.
type ConnectionHandle struct {
	id        string
	createdAt time.Time
	capacity  int

	mu      sync.Mutex
	state   ConnectionState
	queue   []OutboundMessage
	dropped uint64

	ready   chan struct{}
	drained chan struct{}
	done    chan struct{}

	subsMu  sync.Mutex
	devices map[string]struct{}
}

func newConnectionHandle(id string, capacity int, now time.Time) *ConnectionHandle {
	if capacity < 1 {
		capacity = 64
	}

	return &ConnectionHandle{
		id:        id,
		createdAt: now,
		capacity:  capacity,
		state:     StateOpen,
		queue:     make([]OutboundMessage, 0, capacity),
		ready:     make(chan struct{}, 1),
		drained:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		devices:   make(map[string]struct{}),
	}
}

func (handle *ConnectionHandle) ID() string {
	return handle.id
}

func (handle *ConnectionHandle) CreatedAt() time.Time {
	return handle.createdAt
}

func (handle *ConnectionHandle) State() ConnectionState {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.state
}

// Send enqueues without blocking. On overflow the oldest non-critical
// message is dropped and ErrBackpressure is returned.
func (handle *ConnectionHandle) Send(message OutboundMessage) error {
	handle.mu.Lock()
	if handle.state != StateOpen {
		handle.mu.Unlock()
		return ErrConnectionClosed
	}

	var err error
	if len(handle.queue) >= handle.capacity {
		handle.evictOldestLocked()
		handle.dropped++
		err = ErrBackpressure
	}
	handle.queue = append(handle.queue, message)
	handle.mu.Unlock()

	handle.signal()
	return err
}

func (handle *ConnectionHandle) evictOldestLocked() {
	index := 0
	for position, queued := range handle.queue {
		if !queued.Critical {
			index = position
			break
		}
	}

	copy(handle.queue[index:], handle.queue[index+1:])
	handle.queue[len(handle.queue)-1] = OutboundMessage{}
	handle.queue = handle.queue[:len(handle.queue)-1]
}

func (handle *ConnectionHandle) signal() {
	select {
	case handle.ready <- struct{}{}:
	default:
	}
}

// Ready fires whenever messages may be waiting.
func (handle *ConnectionHandle) Ready() <-chan struct{} {
	return handle.ready
}

// Done is closed once the handle reaches StateClosed.
func (handle *ConnectionHandle) Done() <-chan struct{} {
	return handle.done
}

// Drain removes and returns everything queued, oldest first.
func (handle *ConnectionHandle) Drain() []OutboundMessage {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if len(handle.queue) == 0 {
		return nil
	}

	messages := make([]OutboundMessage, len(handle.queue))
	copy(messages, handle.queue)
	clear(handle.queue)
	handle.queue = handle.queue[:0]

	if handle.state == StateClosing {
		select {
		case handle.drained <- struct{}{}:
		default:
		}
	}
	return messages
}

func (handle *ConnectionHandle) Pending() int {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return len(handle.queue)
}

func (handle *ConnectionHandle) Dropped() uint64 {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.dropped
}

// Close discards anything still queued and marks the handle closed.
// Repeated calls are no-ops.
func (handle *ConnectionHandle) Close() {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.state == StateClosed {
		return
	}
	handle.state = StateClosed
	handle.queue = nil
	close(handle.done)
}

// Shutdown stops accepting sends and gives the writer until ctx expires to
// drain what is already queued, then closes the handle.
func (handle *ConnectionHandle) Shutdown(ctx context.Context) {
	handle.mu.Lock()
	if handle.state != StateOpen {
		handle.mu.Unlock()
		handle.Close()
		return
	}
	handle.state = StateClosing
	pending := len(handle.queue)
	handle.mu.Unlock()

	if pending > 0 {
		handle.signal()
		select {
		case <-handle.drained:
		case <-handle.done:
		case <-ctx.Done():
		}
	}

	handle.Close()
}

// Subscriptions returns the device rooms this connection belongs to.
func (handle *ConnectionHandle) Subscriptions() []string {
	handle.subsMu.Lock()
	defer handle.subsMu.Unlock()

	devices := make([]string, 0, len(handle.devices))
	for deviceID := range handle.devices {
		devices = append(devices, deviceID)
	}
	sort.Strings(devices)
	return devices
}

func (handle *ConnectionHandle) joined(deviceID string) {
	handle.subsMu.Lock()
	handle.devices[deviceID] = struct{}{}
	handle.subsMu.Unlock()
}

func (handle *ConnectionHandle) left(deviceID string) {
	handle.subsMu.Lock()
	delete(handle.devices, deviceID)
	handle.subsMu.Unlock()
}

var _ membershipMirror = (*ConnectionHandle)(nil)
