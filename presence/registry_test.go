package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appotry/discourse/messagebus"
)

func TestRegistry_ChannelNotFound(t *testing.T) {
	env := newTestEnv(t)

	env.reg = NewRegistry(Options{
		Redis: env.client,
		Bus:   env.bus,
		Now:   env.Now,
		Resolver: func(ctx context.Context, name string) (*ChannelConfig, error) {
			if name == "known" {
				return &ChannelConfig{}, nil
			}
			return nil, nil
		},
	})

	if _, err := env.reg.Channel(context.Background(), "known"); err != nil {
		t.Fatalf("Expected known channel to resolve, got %v", err)
	}

	_, err := env.reg.Channel(context.Background(), "unknown")
	if !IsChannelNotFound(err) {
		t.Fatalf("Expected ChannelNotFoundError, got %v", err)
	}

	var notFound *ChannelNotFoundError
	if !errors.As(err, &notFound) || notFound.Channel != "unknown" {
		t.Errorf("Expected error to carry the channel name, got %v", err)
	}
}

func TestRegistry_TracksChannelNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	channel1 := env.channel(t, "test1")
	channel2 := env.channel(t, "test2")

	if err := channel1.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if err := channel2.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	names, err := env.reg.ChannelNames(ctx)
	if err != nil {
		t.Fatalf("ChannelNames failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, name := range names {
		seen[name] = true
	}
	if !seen["test1"] || !seen["test2"] {
		t.Errorf("Expected registry to contain test1 and test2, got %v", names)
	}
}

func TestRegistry_AutoLeaveAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	channel1 := env.channel(t, "test1")
	channel2 := env.channel(t, "test2")

	if err := channel1.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if err := channel2.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	env.advance(DefaultTimeout / 2)

	if err := channel2.Present(ctx, 2, "client-b"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	wait1 := env.trackDiffs(t, channel1.BusChannelName())
	wait2 := env.trackDiffs(t, channel2.BusChannelName())

	env.advance(DefaultTimeout/2 + time.Second)

	if err := env.reg.AutoLeaveAll(ctx); err != nil {
		t.Fatalf("AutoLeaveAll failed: %v", err)
	}

	diffs1 := wait1(1)

	if diffs1[0].Kind() != DiffLeaving || !equalIDs(diffs1[0].LeavingUserIDs, []int64{1}) {
		t.Errorf("Expected test1 to publish leaving [1], got %+v", diffs1[0])
	}

	diffs2 := wait2(1)

	if diffs2[0].Kind() != DiffLeaving || !equalIDs(diffs2[0].LeavingUserIDs, []int64{1}) {
		t.Errorf("Expected test2 to publish leaving [1], got %+v", diffs2[0])
	}

	ids, err := channel1.UserIDs(ctx)
	if err != nil {
		t.Fatalf("UserIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected test1 empty after sweep, got %v", ids)
	}

	ids, err = channel2.UserIDs(ctx)
	if err != nil {
		t.Fatalf("UserIDs failed: %v", err)
	}
	if !equalIDs(ids, []int64{2}) {
		t.Errorf("Expected test2 to keep user 2, got %v", ids)
	}
}

func TestRegistry_AutoLeaveAllBatchesExpiredUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	channel := env.channel(t, "test")

	for userID := int64(1); userID <= 3; userID++ {
		if err := channel.Present(ctx, userID, "client-a"); err != nil {
			t.Fatalf("Present failed: %v", err)
		}
	}

	wait := env.trackDiffs(t, channel.BusChannelName())

	env.advance(DefaultTimeout + time.Second)

	if err := env.reg.AutoLeaveAll(ctx); err != nil {
		t.Fatalf("AutoLeaveAll failed: %v", err)
	}

	diffs := wait(1)

	if diffs[0].Kind() != DiffLeaving {
		t.Fatalf("Expected one batched leaving diff, got %+v", diffs[0])
	}
	if !equalIDs(diffs[0].LeavingUserIDs, []int64{1, 2, 3}) {
		t.Errorf("Expected leaving user ids [1 2 3], got %v", diffs[0].LeavingUserIDs)
	}
}

func TestRegistry_AutoLeaveAllIsQuietWhenNothingExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	channel := env.channel(t, "test")

	if err := channel.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	before, err := env.bus.LastID(ctx, channel.BusChannelName())
	if err != nil {
		t.Fatalf("LastID failed: %v", err)
	}

	if err := env.reg.AutoLeaveAll(ctx); err != nil {
		t.Fatalf("AutoLeaveAll failed: %v", err)
	}

	after, err := env.bus.LastID(ctx, channel.BusChannelName())
	if err != nil {
		t.Fatalf("LastID failed: %v", err)
	}
	if after != before {
		t.Errorf("Expected no publish from an idle sweep, last id went %d -> %d", before, after)
	}
}

func TestRegistry_SweepKeepsModeForForgottenChannels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	known := true

	env.reg = NewRegistry(Options{
		Redis: env.client,
		Bus:   env.bus,
		Now:   env.Now,
		Resolver: func(ctx context.Context, name string) (*ChannelConfig, error) {
			if known {
				return &ChannelConfig{CountOnly: true}, nil
			}
			return nil, nil
		},
	})

	channel := env.channel(t, "lobby")

	if !channel.CountOnly() {
		t.Fatal("Expected a count-only channel")
	}
	if err := channel.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	// The resolver forgets the name before the sweep runs.
	known = false

	wait := env.trackDiffs(t, channel.BusChannelName())

	env.advance(DefaultTimeout + time.Second)

	if err := env.reg.AutoLeaveAll(ctx); err != nil {
		t.Fatalf("AutoLeaveAll failed: %v", err)
	}

	diffs := wait(1)

	if diffs[0].Kind() != DiffCountDelta {
		t.Fatalf("Expected a count delta diff, got %+v", diffs[0])
	}
	if *diffs[0].CountDelta != -1 {
		t.Errorf("Expected a count delta of -1, got %d", *diffs[0].CountDelta)
	}
	if len(diffs[0].LeavingUserIDs) != 0 {
		t.Errorf("Expected no user ids in the eviction diff, got %v", diffs[0].LeavingUserIDs)
	}
}

func TestRegistry_EvictionLosesToConcurrentRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	channel := env.channel(t, "test")

	if err := channel.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}

	env.advance(DefaultTimeout + time.Second)

	// Refresh lands before the sweep: the entry must survive.
	if err := channel.Present(ctx, 1, "client-a"); err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if err := env.reg.AutoLeaveAll(ctx); err != nil {
		t.Fatalf("AutoLeaveAll failed: %v", err)
	}

	ids, err := channel.UserIDs(ctx)
	if err != nil {
		t.Fatalf("UserIDs failed: %v", err)
	}
	if !equalIDs(ids, []int64{1}) {
		t.Errorf("Expected refreshed user to survive the sweep, got %v", ids)
	}
}

func TestRegistry_RunSweeperStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		env.reg.RunSweeper(ctx, 10*time.Millisecond)

		close(done)
	}()

	time.Sleep(30 * time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected sweeper to stop after cancel")
	}
}

var _ messagebus.Bus = (*messagebus.MemoryBus)(nil)
