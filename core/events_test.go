package core

import (
	"sync"
	"testing"
	"time"
)

func TestBusDispatchOrder(t *testing.T) {
	bus := NewMutationBus()
	var got []string
	bus.Subscribe(MutationObserverFunc(func(ev MutationEvent) {
		got = append(got, "first:"+string(ev.Type))
	}))
	bus.Subscribe(MutationObserverFunc(func(ev MutationEvent) {
		got = append(got, "second:"+string(ev.Type))
	}))

	bus.Publish(MutationEvent{Type: MutationRegister, AgentID: "a1", At: time.Now()})

	want := []string{"first:register", "second:register"}
	if len(got) != len(want) {
		t.Fatalf("got %d deliveries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBusIgnoresNilObserver(t *testing.T) {
	bus := NewMutationBus()
	bus.Subscribe(nil)
	bus.Publish(MutationEvent{Type: MutationRemove}) // must not panic
}

func TestBusConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewMutationBus()
	var count sync.Map

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Subscribe(MutationObserverFunc(func(ev MutationEvent) {
				count.Store(ev.AgentID, true)
			}))
			bus.Publish(MutationEvent{Type: MutationUpdate, AgentID: "agent"})
		}(i)
	}
	wg.Wait()
}
