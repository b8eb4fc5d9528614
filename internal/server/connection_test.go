package server

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendOverflowDropsOldestWithSingleBackpressure(t *testing.T) {
	handle := newConnectionHandle("c1", 3, testNow)

	for index := 0; index < 3; index++ {
		if err := handle.Send(OutboundMessage{Event: "tick", Data: index}); err != nil {
			t.Fatalf("send %d: %v", index, err)
		}
	}

	err := handle.Send(OutboundMessage{Event: "tick", Data: 3})
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	if handle.Dropped() != 1 {
		t.Fatalf("expected one dropped message, got %d", handle.Dropped())
	}

	messages := handle.Drain()
	if len(messages) != 3 {
		t.Fatalf("expected 3 queued messages, got %d", len(messages))
	}
	for index, message := range messages {
		if message.Data != index+1 {
			t.Fatalf("expected oldest message dropped, got order %v", messages)
		}
	}
}

func TestSendKeepsCriticalMessagesOnOverflow(t *testing.T) {
	handle := newConnectionHandle("c1", 2, testNow)

	_ = handle.Send(OutboundMessage{Event: EventConnectionEstablished, Critical: true})
	_ = handle.Send(OutboundMessage{Event: "first"})

	if err := handle.Send(OutboundMessage{Event: "second"}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	messages := handle.Drain()
	if len(messages) != 2 || messages[0].Event != EventConnectionEstablished || messages[1].Event != "second" {
		t.Fatalf("expected critical message kept and oldest regular dropped, got %+v", messages)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	handle := newConnectionHandle("c1", 4, testNow)
	_ = handle.Send(OutboundMessage{Event: "tick"})

	handle.Close()
	handle.Close()

	if handle.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", handle.State())
	}
	if err := handle.Send(OutboundMessage{Event: "tick"}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if handle.Pending() != 0 {
		t.Fatalf("expected queue discarded on close, got %d", handle.Pending())
	}

	select {
	case <-handle.Done():
	default:
		t.Fatalf("expected done channel closed")
	}
}

func TestReadySignalsPendingMessages(t *testing.T) {
	handle := newConnectionHandle("c1", 4, testNow)
	_ = handle.Send(OutboundMessage{Event: "tick"})

	select {
	case <-handle.Ready():
	case <-time.After(time.Second):
		t.Fatalf("expected ready signal after send")
	}
}

func TestShutdownWaitsForWriterToDrain(t *testing.T) {
	handle := newConnectionHandle("c1", 4, testNow)
	_ = handle.Send(OutboundMessage{Event: "tick"})
	_ = handle.Send(OutboundMessage{Event: "tock"})

	delivered := make(chan []OutboundMessage, 1)
	go func() {
		<-handle.Ready()
		for handle.State() == StateOpen {
			time.Sleep(time.Millisecond)
		}
		delivered <- handle.Drain()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	handle.Shutdown(ctx)

	select {
	case messages := <-delivered:
		if len(messages) != 2 {
			t.Fatalf("expected writer to receive both messages, got %d", len(messages))
		}
	case <-time.After(time.Second):
		t.Fatalf("expected writer to drain during shutdown")
	}
	if handle.State() != StateClosed {
		t.Fatalf("expected closed after shutdown, got %s", handle.State())
	}
}

func TestShutdownGivesUpWhenContextExpires(t *testing.T) {
	handle := newConnectionHandle("c1", 4, testNow)
	_ = handle.Send(OutboundMessage{Event: "tick"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	handle.Shutdown(ctx)

	if handle.State() != StateClosed {
		t.Fatalf("expected closed once context expired, got %s", handle.State())
	}
}

func TestSubscriptionsMirrorRegistry(t *testing.T) {
	registry := NewSubscriptionRegistry()
	handle := newConnectionHandle("c1", 4, testNow)
	registry.attach(handle.ID(), handle)

	registry.Subscribe("c1", "m2")
	registry.Subscribe("c1", "m1")
	registry.Unsubscribe("c1", "m2")

	got := handle.Subscriptions()
	if len(got) != 1 || got[0] != "m1" {
		t.Fatalf("expected [m1], got %v", got)
	}
}
