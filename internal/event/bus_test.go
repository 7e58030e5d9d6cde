package event

import (
	"errors"
	"sync"
	"testing"
)

func TestBus_PublishTyped(t *testing.T) {
	bus := NewBus(nil)

	var got []SessionStateEvent
	id := bus.Subscribe(TypeSessionState, func(e Event) {
		got = append(got, e.(SessionStateEvent))
	})
	if id == "" {
		t.Fatal("Subscribe returned an empty ID")
	}

	bus.Publish(NewSessionStateEvent("s1", "bootstrapping", "active"))
	bus.Publish(NewLayoutStateEvent("bn", "bootstrapped", "session-built"))

	if len(got) != 1 {
		t.Fatalf("received %d session events, want 1", len(got))
	}
	if got[0].SessionID != "s1" || got[0].From != "bootstrapping" || got[0].To != "active" {
		t.Errorf("event = %+v", got[0])
	}
	if got[0].Timestamp().IsZero() {
		t.Error("Timestamp() is zero")
	}
}

func TestBus_Ordering(t *testing.T) {
	bus := NewBus(nil)

	var seen []string
	bus.SubscribeAll(func(e Event) { seen = append(seen, "all:"+e.EventType()) })
	bus.Subscribe(TypeBranchReady, func(e Event) { seen = append(seen, "one:"+e.EventType()) })
	bus.Subscribe(TypeBranchReady, func(e Event) { seen = append(seen, "two:"+e.EventType()) })

	bus.Publish(NewBranchReadyEvent("/r", "main", "/w/r/main", false))

	want := []string{"one:branch.ready", "two:branch.ready", "all:branch.ready"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	tests := []struct {
		name        string
		unsubscribe func(bus *Bus, first string) bool
		wantRemoved bool
		wantCalls   int
	}{
		{"known id", func(bus *Bus, first string) bool { return bus.Unsubscribe(first) }, true, 1},
		{"unknown id", func(bus *Bus, _ string) bool { return bus.Unsubscribe("sub-999") }, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewBus(nil)
			calls := 0
			first := bus.Subscribe(TypeStage, func(Event) { calls++ })
			bus.Subscribe(TypeStage, func(Event) { calls++ })

			if got := tt.unsubscribe(bus, first); got != tt.wantRemoved {
				t.Errorf("Unsubscribe() = %v, want %v", got, tt.wantRemoved)
			}
			bus.Publish(NewStageEvent("provision", ""))
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeStage, func(Event) {})
	bus.SubscribeAll(func(Event) {})
	if bus.SubscriptionCount() != 2 {
		t.Fatalf("SubscriptionCount() = %d, want 2", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	bus.Subscribe(TypeCleanupResult, func(Event) {
		calls++
		panic("boom")
	})
	bus.Subscribe(TypeCleanupResult, func(Event) { calls++ })

	bus.Publish(NewCleanupEvent("main", "/w/main", errors.New("busy")))

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBus_NilPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(NewStageEvent("layout", ""))
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(TypeBranchFailed, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			bus.Publish(NewBranchFailedEvent("/r", "x", errors.New("fatal")))
		})
		wg.Go(func() {
			id := bus.Subscribe(TypeStage, func(Event) {})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if calls != 50 {
		t.Errorf("calls = %d, want 50", calls)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus(nil)
	ids := make(map[string]bool)
	for range 100 {
		id := bus.Subscribe(TypeStage, func(Event) {})
		if ids[id] {
			t.Fatalf("duplicate subscription ID %s", id)
		}
		ids[id] = true
	}
}
