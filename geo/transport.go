package geo

import (
	"context"
	"sync"
)

// ReplicationTransport carries a drained pending log toward peer regions.
// The wire protocol is deliberately unspecified; the engine's contract is
// the partition/merge/dedup algorithm, not a transport. Implementations
// must be safe for concurrent use.
type ReplicationTransport interface {
	Replicate(ctx context.Context, fromRegion string, ops []Mutation) error
}

// SimulatedTransport acknowledges replication without moving data. It is
// the default: regions stay independent and eventually consistent through
// explicit registration or failover copies. It records the last batch per
// region for observability and tests.
type SimulatedTransport struct {
	mu        sync.Mutex
	delivered map[string]int
}

// NewSimulatedTransport creates an empty simulated transport.
func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{delivered: make(map[string]int)}
}

func (t *SimulatedTransport) Replicate(ctx context.Context, fromRegion string, ops []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.delivered[fromRegion] += len(ops)
	t.mu.Unlock()
	return nil
}

// Delivered reports how many mutations have been acknowledged for a region.
func (t *SimulatedTransport) Delivered(region string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered[region]
}

// peerApplier is implemented by the geo manager so the in-process transport
// can push mutations into sibling partitions.
type peerApplier interface {
	applyPeerMutations(fromRegion string, ops []Mutation)
}

// InProcessTransport applies drained mutations directly to every other
// partition owned by the same manager. It exists for single-process
// deployments and tests that want real propagation semantics.
type InProcessTransport struct {
	applier peerApplier
}

// NewInProcessTransport wires the transport to a geo manager.
func NewInProcessTransport(m *Manager) *InProcessTransport {
	return &InProcessTransport{applier: m}
}

func (t *InProcessTransport) Replicate(ctx context.Context, fromRegion string, ops []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.applier.applyPeerMutations(fromRegion, ops)
	return nil
}
