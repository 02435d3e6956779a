package messagebus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { client.Close() })

	bus, err := NewRedisBus(context.Background(), client, 100)
	if err != nil {
		t.Fatalf("NewRedisBus failed: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	return bus, mr
}

func TestRedisBus_PublishAssignsSequentialIDs(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		id, err := bus.Publish(ctx, "/presence/test", []byte(`{"count_delta":1}`))
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

func TestRedisBus_LiveDelivery(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	ctx := context.Background()
	received := make(chan Message, 10)

	sub, err := bus.Subscribe("/presence/test", func(msg Message) {
		received <- msg
	}, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer bus.Unsubscribe(sub)

	if _, err := bus.Publish(ctx, "/presence/test", []byte(`{"count_delta":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := collectMessages(t, received, 1)

	if msgs[0].ID != 1 {
		t.Errorf("Expected id 1, got %d", msgs[0].ID)
	}
	if string(msgs[0].Data) != `{"count_delta":1}` {
		t.Errorf("Unexpected payload: %s", msgs[0].Data)
	}
}

func TestRedisBus_ReplayFromBacklog(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	received := make(chan Message, 10)

	sub, err := bus.Subscribe("/presence/test", func(msg Message) {
		received <- msg
	}, 3)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer bus.Unsubscribe(sub)

	msgs := collectMessages(t, received, 2)

	if msgs[0].ID != 4 || msgs[1].ID != 5 {
		t.Errorf("Expected replayed ids 4,5, got %d,%d", msgs[0].ID, msgs[1].ID)
	}
}

func TestRedisBus_ReplayThenLiveWithoutDuplicates(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
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

	if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := collectMessages(t, received, 4)

	for i, msg := range msgs {
		if msg.ID != int64(i+1) {
			t.Errorf("Expected id %d at position %d, got %d", i+1, i, msg.ID)
		}
	}

	select {
	case msg := <-received:
		t.Errorf("Unexpected extra message with id %d", msg.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_BacklogIsTrimmed(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus, err := NewRedisBus(context.Background(), client, 3)
	if err != nil {
		t.Fatalf("NewRedisBus failed: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	msgs, err := bus.replay(ctx, "/presence/test", 0)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 retained messages, got %d", len(msgs))
	}
	if msgs[0].ID != 8 {
		t.Errorf("Expected oldest retained id 8, got %d", msgs[0].ID)
	}
}

func TestRedisBus_LastID(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	ctx := context.Background()

	id, err := bus.LastID(ctx, "/presence/test")
	if err != nil {
		t.Fatalf("LastID failed: %v", err)
	}
	if id != 0 {
		t.Errorf("Expected last id 0 for untouched channel, got %d", id)
	}

	for i := 0; i < 2; i++ {
		if _, err := bus.Publish(ctx, "/presence/test", []byte(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	id, err = bus.LastID(ctx, "/presence/test")
	if err != nil {
		t.Fatalf("LastID failed: %v", err)
	}
	if id != 2 {
		t.Errorf("Expected last id 2, got %d", id)
	}
}
