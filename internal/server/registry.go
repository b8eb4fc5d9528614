package server

import (
	"sort"
	"strings"
	"sync"
)

// membershipMirror receives room changes for one connection while the
// registry lock is held. ConnectionHandle is the only implementation.
type membershipMirror interface {
	joined(deviceID string)
	left(deviceID string)
}

// SubscriptionRegistry maps device rooms to connection ids. It owns every
// membership mutation; connection handles only see a mirror of their own
// rooms, updated under the registry lock.
type SubscriptionRegistry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]struct{}
	members map[string]*registryMember
}

type registryMember struct {
	mirror  membershipMirror
	devices map[string]struct{}
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		rooms:   make(map[string]map[string]struct{}),
		members: make(map[string]*registryMember),
	}
}

// attach makes connID eligible for subscriptions. mirror may be nil.
func (registry *SubscriptionRegistry) attach(connID string, mirror membershipMirror) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.members[connID]; exists {
		return
	}
	registry.members[connID] = &registryMember{
		mirror:  mirror,
		devices: make(map[string]struct{}),
	}
}

// Subscribe adds connID to the device room. It reports whether membership
// changed; unknown connections and blank device ids are ignored.
func (registry *SubscriptionRegistry) Subscribe(connID string, deviceID string) bool {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	member, ok := registry.members[connID]
	if !ok {
		return false
	}
	if _, already := member.devices[deviceID]; already {
		return false
	}

	room := registry.rooms[deviceID]
	if room == nil {
		room = make(map[string]struct{})
		registry.rooms[deviceID] = room
	}
	room[connID] = struct{}{}
	member.devices[deviceID] = struct{}{}
	if member.mirror != nil {
		member.mirror.joined(deviceID)
	}
	return true
}

func (registry *SubscriptionRegistry) Unsubscribe(connID string, deviceID string) bool {
	deviceID = strings.TrimSpace(deviceID)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	member, ok := registry.members[connID]
	if !ok {
		return false
	}
	if _, subscribed := member.devices[deviceID]; !subscribed {
		return false
	}

	registry.leaveLocked(member, connID, deviceID)
	return true
}

// UnsubscribeAll removes connID from every room and detaches it. It returns
// the devices the connection was subscribed to.
func (registry *SubscriptionRegistry) UnsubscribeAll(connID string) []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	member, ok := registry.members[connID]
	if !ok {
		return nil
	}

	devices := make([]string, 0, len(member.devices))
	for deviceID := range member.devices {
		devices = append(devices, deviceID)
	}
	for _, deviceID := range devices {
		registry.leaveLocked(member, connID, deviceID)
	}
	delete(registry.members, connID)

	sort.Strings(devices)
	return devices
}

func (registry *SubscriptionRegistry) leaveLocked(member *registryMember, connID string, deviceID string) {
	if room, exists := registry.rooms[deviceID]; exists {
		delete(room, connID)
		if len(room) == 0 {
			delete(registry.rooms, deviceID)
		}
	}
	delete(member.devices, deviceID)
	if member.mirror != nil {
		member.mirror.left(deviceID)
	}
}

// SubscribersOf returns a snapshot of the room; callers may iterate it while
// membership keeps changing.
func (registry *SubscriptionRegistry) SubscribersOf(deviceID string) []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	room := registry.rooms[deviceID]
	subscribers := make([]string, 0, len(room))
	for connID := range room {
		subscribers = append(subscribers, connID)
	}
	return subscribers
}

func (registry *SubscriptionRegistry) DevicesOf(connID string) []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	member, ok := registry.members[connID]
	if !ok {
		return nil
	}

	devices := make([]string, 0, len(member.devices))
	for deviceID := range member.devices {
		devices = append(devices, deviceID)
	}
	sort.Strings(devices)
	return devices
}

func (registry *SubscriptionRegistry) RoomCount() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.rooms)
}

// Reset drops every room and member. Used once the hub has shut down.
func (registry *SubscriptionRegistry) Reset() {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	for connID, member := range registry.members {
		for deviceID := range member.devices {
			if member.mirror != nil {
				member.mirror.left(deviceID)
			}
		}
		delete(registry.members, connID)
	}
	registry.rooms = make(map[string]map[string]struct{})
}
