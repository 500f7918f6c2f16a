package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBusHistoryCap(t *testing.T) {
	bus := NewBus()

	for i := 0; i < 150; i++ {
		bus.Publish(Delivery(fmt.Sprintf("%d@g.us", i), "", StatusSent, time.Now()))
	}

	history := bus.History()
	if len(history) != HistoryLimit {
		t.Fatalf("len(History()) = %d, want %d", len(history), HistoryLimit)
	}

	// most recent first: 149, 148, ... 50
	for i, e := range history {
		want := fmt.Sprintf("%d@g.us", 149-i)
		if e.Recipient != want {
			t.Fatalf("History()[%d].Recipient = %q, want %q", i, e.Recipient, want)
		}
	}
}

func TestBusHistoryIsCopy(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Kind: KindConnected, Status: StatusConnected})

	h := bus.History()
	h[0].Status = StatusFailed

	if got := bus.History()[0].Status; got != StatusConnected {
		t.Errorf("History() leaked internal slice, status = %q", got)
	}
}

func TestBusSubscribeReceivesOnlyNewEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Kind: KindQR, QR: "before"})

	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	bus.Publish(Event{Kind: KindConnected, Status: StatusConnected})

	select {
	case e := <-ch:
		if e.Kind != KindConnected {
			t.Errorf("Kind = %q, want %q", e.Kind, KindConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	const n = 3
	chans := make([]<-chan Event, n)
	for i := range chans {
		ch, unsubscribe := bus.Subscribe(1)
		defer unsubscribe()
		chans[i] = ch
	}

	bus.Publish(Delivery("1@g.us", "ABC", StatusSent, time.Now()))

	for i, ch := range chans {
		select {
		case e := <-ch:
			if e.MessageID != "ABC" {
				t.Errorf("subscriber %d MessageID = %q, want ABC", i, e.MessageID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: KindStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)

	unsubscribe()
	unsubscribe() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}

	// publishing after unsubscribe must not panic
	bus.Publish(Event{Kind: KindStatus})
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1000)
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Kind: KindStatus})
			}
		}()
	}
	wg.Wait()

	if len(ch) != 500 {
		t.Errorf("received %d events, want 500", len(ch))
	}
	if len(bus.History()) != HistoryLimit {
		t.Errorf("len(History()) = %d, want %d", len(bus.History()), HistoryLimit)
	}
}

func TestDeliveryDefaults(t *testing.T) {
	e := Delivery("1@g.us", "", StatusFailed, time.Now())
	if e.MessageID != UnknownMessageID {
		t.Errorf("MessageID = %q, want %q", e.MessageID, UnknownMessageID)
	}
	if !e.FromMe {
		t.Error("FromMe = false, want true")
	}
	if e.Kind != KindStatus {
		t.Errorf("Kind = %q, want %q", e.Kind, KindStatus)
	}
}
