package messagebus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func collectMessages(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()

	var out []Message
	timeout := time.After(2 * time.Second)

	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("timed out waiting for messages: got %d, want %d", len(out), n)
		}
	}
	return out
}

func TestMemoryBus_PublishAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 10)
	defer bus.Close()

	for want := int64(1); want <= 3; want++ {
		id, err := bus.Publish(ctx, "/presence/test", []byte(`{}`))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if id != want {
			t.Errorf("Expected id %d, got %d", want, id)
		}
	}

	id, err := bus.Publish(ctx, "/presence/other", []byte(`{}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id != 1 {
		t.Errorf("Expected independent channel to start at 1, got %d", id)
	}
}

func TestMemoryBus_SubscribeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 10)
	defer bus.Close()

	received := make(chan Message, 10)

	sub, err := bus.Subscribe("/presence/test", func(msg Message) {
		received <- msg
	}, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer bus.Unsubscribe(sub)

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	msgs := collectMessages(t, received, 3)

	for i, msg := range msgs {
		if msg.ID != int64(i+1) {
			t.Errorf("Expected message %d to have id %d, got %d", i, i+1, msg.ID)
		}
		if msg.Channel != "/presence/test" {
			t.Errorf("Expected channel /presence/test, got %s", msg.Channel)
		}
	}
}

func TestMemoryBus_ReplayFromLastSeenID(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 10)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	received := make(chan Message, 10)

	sub, err := bus.Subscribe("/presence/test", func(msg Message) {
		received <- msg
	}, 2)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer bus.Unsubscribe(sub)

	msgs := collectMessages(t, received, 3)

	wantIDs := []int64{3, 4, 5}

	for i, msg := range msgs {
		if msg.ID != wantIDs[i] {
			t.Errorf("Expected replayed id %d, got %d", wantIDs[i], msg.ID)
		}
	}
}

func TestMemoryBus_BacklogIsBounded(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 3)
	defer bus.Close()

	for i := 0; i < 10; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	received := make(chan Message, 10)

	sub, err := bus.Subscribe("/presence/test", func(msg Message) {
		received <- msg
	}, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer bus.Unsubscribe(sub)

	msgs := collectMessages(t, received, 3)

	// Only the newest three survive; the consumer sees a gap and is
	// expected to resync.
	if msgs[0].ID != 8 {
		t.Errorf("Expected oldest retained id 8, got %d", msgs[0].ID)
	}
}

func TestMemoryBus_LastID(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 10)
	defer bus.Close()

	id, err := bus.LastID(ctx, "/presence/test")
	if err != nil {
		t.Fatalf("LastID failed: %v", err)
	}
	if id != 0 {
		t.Errorf("Expected last id 0 for untouched channel, got %d", id)
	}

	for i := 0; i < 4; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	id, err = bus.LastID(ctx, "/presence/test")
	if err != nil {
		t.Fatalf("LastID failed: %v", err)
	}
	if id != 4 {
		t.Errorf("Expected last id 4, got %d", id)
	}
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 10)
	defer bus.Close()

	var mu sync.Mutex
	var count int

	sub, err := bus.Subscribe("/presence/test", func(msg Message) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	bus.Unsubscribe(sub)

	bus.Unsubscribe(sub)

	if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("Expected exactly one delivered message, got %d", count)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(ctx, 10)

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Expected second Close to be a no-op, got %v", err)
	}
	if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("/presence/test", func(Message) {}, 0); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
