package core

import (
	"sync"
	"time"
)

// MutationType classifies index mutations for observers.
type MutationType string

const (
	MutationRegister MutationType = "register"
	MutationUpdate   MutationType = "update"
	MutationRemove   MutationType = "remove"
	MutationRebuild  MutationType = "rebuild"
)

// MutationEvent is delivered to observers after an index mutation completes.
// Delivery happens after the mutation is visible, so a query issued from an
// observer callback sees the new state.
type MutationEvent struct {
	Type    MutationType `json:"type"`
	AgentID string       `json:"agent_id,omitempty"`
	Region  string       `json:"region,omitempty"`
	At      time.Time    `json:"at"`
}

// MutationObserver receives mutation events. Implementations must not block;
// slow observers delay the dispatch loop, not the mutation itself.
type MutationObserver interface {
	OnMutation(event MutationEvent)
}

// MutationObserverFunc adapts a function to the MutationObserver interface.
type MutationObserverFunc func(event MutationEvent)

func (f MutationObserverFunc) OnMutation(event MutationEvent) { f(event) }

// MutationBus fans mutation events out to registered observers. Events are
// dispatched synchronously in subscription order once the mutation that
// produced them has completed.
type MutationBus struct {
	mu        sync.RWMutex
	observers []MutationObserver
}

// NewMutationBus creates an empty bus.
func NewMutationBus() *MutationBus {
	return &MutationBus{}
}

// Subscribe registers an observer. There is no unsubscribe; observers live
// as long as the engine that owns the bus.
func (b *MutationBus) Subscribe(obs MutationObserver) {
	if obs == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Publish delivers the event to every observer.
func (b *MutationBus) Publish(event MutationEvent) {
	b.mu.RLock()
	observers := make([]MutationObserver, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		obs.OnMutation(event)
	}
}
