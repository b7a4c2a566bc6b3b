package events

import (
	"strings"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Type:    EventUpload,
		Account: "account1",
		FileID:  "f1",
		Title:   "Demo",
	})

	select {
	case received := <-ch:
		if received.Type != EventUpload {
			t.Errorf("expected type %s, got %s", EventUpload, received.Type)
		}
		if received.Account != "account1" || received.FileID != "f1" {
			t.Errorf("unexpected event %+v", received)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventDelete, Account: "account2", FileID: "f9"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.FileID != "f9" {
				t.Errorf("subscriber %d: expected f9, got %s", i, received.FileID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventUpload, Account: "account1"})
	}

	// Should not block or panic
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{
		Type:      EventRename,
		Account:   "account1",
		FileID:    "f1",
		Title:     "Renamed",
		Timestamp: 1234567890,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"rename"`) {
		t.Errorf("unexpected JSON %s", data)
	}
}
