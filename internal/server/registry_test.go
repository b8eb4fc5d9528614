package server

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
)

type recordingMirror struct {
	mu      sync.Mutex
	devices map[string]struct{}
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{devices: make(map[string]struct{})}
}

func (mirror *recordingMirror) joined(deviceID string) {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	mirror.devices[deviceID] = struct{}{}
}

func (mirror *recordingMirror) left(deviceID string) {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	delete(mirror.devices, deviceID)
}

func (mirror *recordingMirror) snapshot() []string {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()

	devices := make([]string, 0, len(mirror.devices))
	for deviceID := range mirror.devices {
		devices = append(devices, deviceID)
	}
	sort.Strings(devices)
	return devices
}

func sortedSubscribers(registry *SubscriptionRegistry, deviceID string) []string {
	subscribers := registry.SubscribersOf(deviceID)
	sort.Strings(subscribers)
	return subscribers
}

func TestSubscribeIsIdempotent(t *testing.T) {
	registry := NewSubscriptionRegistry()
	registry.attach("c1", nil)

	if !registry.Subscribe("c1", "m1") {
		t.Fatalf("expected first subscribe to change membership")
	}
	if registry.Subscribe("c1", "m1") {
		t.Fatalf("expected repeated subscribe to be a no-op")
	}

	if got := registry.SubscribersOf("m1"); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Fatalf("expected [c1], got %v", got)
	}
}

func TestUnsubscribeDeletesEmptyRooms(t *testing.T) {
	registry := NewSubscriptionRegistry()
	registry.attach("c1", nil)
	registry.Subscribe("c1", "m1")

	if !registry.Unsubscribe("c1", "m1") {
		t.Fatalf("expected unsubscribe to change membership")
	}
	if registry.Unsubscribe("c1", "m1") {
		t.Fatalf("expected second unsubscribe to be a no-op")
	}
	if registry.RoomCount() != 0 {
		t.Fatalf("expected empty room to be deleted, got %d rooms", registry.RoomCount())
	}
	if got := registry.SubscribersOf("m1"); len(got) != 0 {
		t.Fatalf("expected no subscribers, got %v", got)
	}
}

func TestSubscribeIgnoresUnknownConnectionsAndBlankDevices(t *testing.T) {
	registry := NewSubscriptionRegistry()
	registry.attach("c1", nil)

	if registry.Subscribe("ghost", "m1") {
		t.Fatalf("expected unknown connection to be ignored")
	}
	if registry.Subscribe("c1", "  ") {
		t.Fatalf("expected blank device id to be ignored")
	}
	if registry.RoomCount() != 0 {
		t.Fatalf("expected no rooms, got %d", registry.RoomCount())
	}
}

func TestUnsubscribeAllRemovesEveryRoomAndDetaches(t *testing.T) {
	registry := NewSubscriptionRegistry()
	mirror := newRecordingMirror()
	registry.attach("c1", mirror)
	registry.attach("c2", nil)

	registry.Subscribe("c1", "m1")
	registry.Subscribe("c1", "m2")
	registry.Subscribe("c2", "m2")

	devices := registry.UnsubscribeAll("c1")
	if !reflect.DeepEqual(devices, []string{"m1", "m2"}) {
		t.Fatalf("expected [m1 m2], got %v", devices)
	}
	if got := sortedSubscribers(registry, "m2"); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Fatalf("expected only c2 left in m2, got %v", got)
	}
	if got := registry.SubscribersOf("m1"); len(got) != 0 {
		t.Fatalf("expected m1 room removed, got %v", got)
	}
	if got := mirror.snapshot(); len(got) != 0 {
		t.Fatalf("expected mirror emptied, got %v", got)
	}

	if registry.Subscribe("c1", "m3") {
		t.Fatalf("expected subscribe after detach to be ignored")
	}
	if registry.UnsubscribeAll("c1") != nil {
		t.Fatalf("expected second UnsubscribeAll to return nil")
	}
}

func TestSubscribersOfReturnsSnapshot(t *testing.T) {
	registry := NewSubscriptionRegistry()
	registry.attach("c1", nil)
	registry.attach("c2", nil)
	registry.Subscribe("c1", "m1")

	snapshot := registry.SubscribersOf("m1")
	registry.Subscribe("c2", "m1")

	if len(snapshot) != 1 {
		t.Fatalf("expected snapshot to stay at one entry, got %v", snapshot)
	}
	if got := sortedSubscribers(registry, "m1"); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Fatalf("expected [c1 c2], got %v", got)
	}
}

func TestMirrorMatchesRoomsUnderConcurrency(t *testing.T) {
	registry := NewSubscriptionRegistry()
	mirrors := make(map[string]*recordingMirror)
	for index := 0; index < 8; index++ {
		connID := fmt.Sprintf("c%d", index)
		mirrors[connID] = newRecordingMirror()
		registry.attach(connID, mirrors[connID])
	}

	var wg sync.WaitGroup
	for connID := range mirrors {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for round := 0; round < 200; round++ {
				deviceID := fmt.Sprintf("m%d", round%5)
				if round%3 == 0 {
					registry.Unsubscribe(connID, deviceID)
				} else {
					registry.Subscribe(connID, deviceID)
				}
			}
		}(connID)
	}
	wg.Wait()

	for connID, mirror := range mirrors {
		if got, want := mirror.snapshot(), registry.DevicesOf(connID); !reflect.DeepEqual(got, want) {
			t.Fatalf("mirror of %s diverged: mirror=%v registry=%v", connID, got, want)
		}
		for _, deviceID := range registry.DevicesOf(connID) {
			found := false
			for _, subscriber := range registry.SubscribersOf(deviceID) {
				if subscriber == connID {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in room %s", connID, deviceID)
			}
		}
	}
}

func TestResetClearsRoomsAndMirrors(t *testing.T) {
	registry := NewSubscriptionRegistry()
	mirror := newRecordingMirror()
	registry.attach("c1", mirror)
	registry.Subscribe("c1", "m1")

	registry.Reset()

	if registry.RoomCount() != 0 {
		t.Fatalf("expected no rooms after reset, got %d", registry.RoomCount())
	}
	if got := mirror.snapshot(); len(got) != 0 {
		t.Fatalf("expected mirror cleared, got %v", got)
	}
	if registry.Subscribe("c1", "m1") {
		t.Fatalf("expected reset to detach connections")
	}
}
