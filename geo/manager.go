// Package geo partitions the registry across geographic regions and routes
// discovery queries to them. Each region owns a full copy of its slice of
// the registry; replication between regions is asynchronous and the system
// is eventually consistent by design.
package geo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/meshindex/core"
	"github.com/itsneelabh/meshindex/index"
	"github.com/itsneelabh/meshindex/resilience"
)

// regionResult carries one region's contribution to a fanned-out query.
type regionResult struct {
	region   string
	records  []*core.AgentRecord
	cacheHit bool
	err      error
}

// Manager owns the region partitions, places registrations, fans queries
// out and aggregates the results, and runs the replication and health
// loops.
type Manager struct {
	geoCfg core.GeoConfig
	idxCfg core.IndexConfig
	logger core.Logger
	bus    *core.MutationBus

	transport ReplicationTransport
	retryCfg  *resilience.RetryConfig

	mu          sync.RWMutex
	partitions  map[string]*Partition
	localRegion string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a geo manager with its local region partition already
// in place. A nil transport defaults to the simulated one.
func NewManager(geoCfg core.GeoConfig, idxCfg core.IndexConfig, transport ReplicationTransport, logger core.Logger, bus *core.MutationBus) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bus == nil {
		bus = core.NewMutationBus()
	}
	if transport == nil {
		transport = NewSimulatedTransport()
	}
	g := &Manager{
		geoCfg:      geoCfg,
		idxCfg:      idxCfg,
		logger:      logger,
		bus:         bus,
		transport:   transport,
		retryCfg:    resilience.DefaultRetryConfig(),
		partitions:  make(map[string]*Partition),
		localRegion: geoCfg.LocalRegion,
		stop:        make(chan struct{}),
	}
	g.EnsureRegion(geoCfg.LocalRegion, RegionOptions{})
	return g
}

// SetTransport swaps the replication transport; intended for wiring the
// in-process transport, which needs the manager to exist first.
func (g *Manager) SetTransport(t ReplicationTransport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t != nil {
		g.transport = t
	}
}

// Start launches the periodic replication and health-probe loops.
func (g *Manager) Start() {
	g.wg.Add(2)
	go g.syncLoop()
	go g.healthLoop()
}

// EnsureRegion returns the partition for the region, creating it on first
// use.
func (g *Manager) EnsureRegion(regionID string, opts RegionOptions) *Partition {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.partitions[regionID]; ok {
		return p
	}
	if opts.Capacity <= 0 {
		opts.Capacity = g.geoCfg.RegionCapacity
	}
	p := newPartition(regionID, opts, g.idxCfg, g.logger, g.bus)
	g.partitions[regionID] = p
	g.logger.Info("region partition created", map[string]interface{}{
		"region":   regionID,
		"capacity": opts.Capacity,
	})
	return p
}

// RemoveRegion is the explicit administrative teardown of a partition. The
// local region cannot be removed; fail over first.
func (g *Manager) RemoveRegion(regionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if regionID == g.localRegion {
		return core.NewEngineError("geo.RemoveRegion", "region", core.ErrRegionUnavailable)
	}
	if _, ok := g.partitions[regionID]; !ok {
		return core.NewEngineError("geo.RemoveRegion", "region", core.ErrRegionNotFound)
	}
	delete(g.partitions, regionID)
	return nil
}

// LocalIndex returns the local region's private index manager. The engine
// uses it for health reporting and as the adaptive optimizer's cache and
// rebuild target.
func (g *Manager) LocalIndex() *index.Manager {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p := g.partitions[g.localRegion]; p != nil {
		return p.manager
	}
	return nil
}

// LocalRegion returns the current local-region pointer.
func (g *Manager) LocalRegion() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.localRegion
}

// Register places the agent in a region and logs the mutation for
// replication. An explicit preference wins when that region has spare
// capacity; otherwise the configured placement strategy decides. Top-tier
// agents trigger an immediate out-of-band sync instead of waiting for the
// periodic cycle.
func (g *Manager) Register(ctx context.Context, record *core.AgentRecord, preferredRegion string) (string, error) {
	var target *Partition
	if preferredRegion != "" {
		p := g.EnsureRegion(preferredRegion, RegionOptions{})
		if p.Available() > 0 {
			target = p
		}
	}
	if target == nil {
		g.mu.RLock()
		target = g.pickRegion(record)
		g.mu.RUnlock()
	}
	if target == nil {
		return "", core.NewEngineError("geo.Register", "region", core.ErrRegionUnavailable)
	}

	target.manager.Index(record)
	target.logMutation(Mutation{
		Kind:    MutationRegister,
		AgentID: record.ID,
		Record:  record,
		At:      time.Now(),
	})

	if record.Tier() == core.TierCertifiedPlus {
		if err := g.SyncRegion(ctx, target.ID); err != nil {
			g.logger.Warn("priority sync failed, mutation requeued", map[string]interface{}{
				"region": target.ID,
				"agent":  record.ID,
				"error":  err.Error(),
			})
		}
	}
	return target.ID, nil
}

// Reindex updates an agent in whichever region holds it.
func (g *Manager) Reindex(ctx context.Context, record *core.AgentRecord) (string, error) {
	p := g.holdingPartition(record.ID)
	if p == nil {
		return "", core.NewEngineError("geo.Reindex", "agent", core.ErrAgentNotFound)
	}
	p.manager.Index(record)
	p.logMutation(Mutation{
		Kind:    MutationRegister,
		AgentID: record.ID,
		Record:  record,
		At:      time.Now(),
	})
	if record.Tier() == core.TierCertifiedPlus {
		if err := g.SyncRegion(ctx, p.ID); err != nil {
			g.logger.Warn("priority sync failed, mutation requeued", map[string]interface{}{
				"region": p.ID,
				"agent":  record.ID,
				"error":  err.Error(),
			})
		}
	}
	return p.ID, nil
}

// RemoveAgent deletes the agent from every partition holding it and
// reports whether any did.
func (g *Manager) RemoveAgent(agentID string) bool {
	g.mu.RLock()
	partitions := g.partitionList()
	g.mu.RUnlock()

	found := false
	for _, p := range partitions {
		if _, ok := p.manager.Record(agentID); !ok {
			continue
		}
		p.manager.Remove(agentID)
		p.logMutation(Mutation{
			Kind:    MutationRemove,
			AgentID: agentID,
			At:      time.Now(),
		})
		found = true
	}
	return found
}

// GetAgent finds an agent, preferring the local region's copy.
func (g *Manager) GetAgent(agentID string) (*core.AgentRecord, string, bool) {
	g.mu.RLock()
	local := g.partitions[g.localRegion]
	partitions := g.partitionList()
	g.mu.RUnlock()

	if local != nil {
		if record, ok := local.manager.Record(agentID); ok {
			return record, local.ID, true
		}
	}
	for _, p := range partitions {
		if p == local {
			continue
		}
		if record, ok := p.manager.Record(agentID); ok {
			return record, p.ID, true
		}
	}
	return nil, "", false
}

// Discover fans the filter out to the regions the strategy selects,
// aggregates the per-region results, deduplicates by agent identifier,
// re-ranks and truncates. Regions that error or exceed the fan-out timeout
// are recorded and skipped; the query succeeds with whatever responded.
func (g *Manager) Discover(ctx context.Context, filter index.Filter, strategy RoutingStrategy, explicitRegions []string, sortBy core.SortOrder, limit int) *core.DiscoveryResult {
	start := time.Now()

	g.mu.RLock()
	selected := g.selectRegions(strategy, filter, explicitRegions)
	localID := g.localRegion
	g.mu.RUnlock()

	result := &core.DiscoveryResult{RegionErrors: make(map[string]string)}
	if len(selected) == 0 {
		result.Agents = []*core.AgentRecord{}
		result.QueryTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, g.geoCfg.QueryTimeout)
	defer cancel()

	results := make(chan regionResult, len(selected))
	for _, p := range selected {
		part := p
		go func() {
			results <- g.queryRegion(ctx, part, filter, part.ID != localID)
		}()
	}

	seen := make(map[string]struct{})
	var merged []*core.AgentRecord
	allHit := true
	// queryRegion honors the fan-out deadline and always sends exactly one
	// region-tagged result, so draining the channel cannot block past the
	// timeout and every selected region ends up in Regions or RegionErrors.
	for range selected {
		rr := <-results
		if rr.err != nil {
			result.RegionErrors[rr.region] = core.NewEngineError(
				"geo.Discover", "region", core.ErrRegionUnavailable).Error()
			g.logger.Warn("region query failed", map[string]interface{}{
				"region": rr.region,
				"error":  rr.err.Error(),
			})
			continue
		}
		result.Regions = append(result.Regions, rr.region)
		allHit = allHit && rr.cacheHit
		// An agent replicated into several regions appears exactly once.
		for _, record := range rr.records {
			if _, dup := seen[record.ID]; dup {
				continue
			}
			seen[record.ID] = struct{}{}
			merged = append(merged, record)
		}
	}
	sort.Strings(result.Regions)

	sortRecords(merged, sortBy)
	result.TotalFound = len(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	if merged == nil {
		merged = []*core.AgentRecord{}
	}
	result.Agents = merged
	result.CacheHit = allHit && len(result.Regions) > 0
	result.QueryTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result
}

// queryRegion resolves the filter against one partition. remote regions
// pay their configured base latency first, modeling the network hop this
// in-process build does not make.
func (g *Manager) queryRegion(ctx context.Context, p *Partition, filter index.Filter, remote bool) regionResult {
	done := make(chan regionResult, 1)
	go func() {
		if remote && p.opts.BaseLatency > 0 {
			select {
			case <-time.After(p.opts.BaseLatency):
			case <-ctx.Done():
				done <- regionResult{region: p.ID, err: ctx.Err()}
				return
			}
		}
		ids, cacheHit := p.manager.Query(filter)
		ranked := p.manager.RankByPerformance(ids.Slice())
		records := make([]*core.AgentRecord, 0, len(ranked))
		for _, id := range ranked {
			if record, ok := p.manager.Record(id); ok {
				records = append(records, record)
			}
		}
		done <- regionResult{region: p.ID, records: records, cacheHit: cacheHit}
	}()

	select {
	case rr := <-done:
		return rr
	case <-ctx.Done():
		return regionResult{region: p.ID, err: ctx.Err()}
	}
}

// SynchronizeRegions drains every partition's pending log through the
// replication transport. Failed batches are requeued in order.
func (g *Manager) SynchronizeRegions(ctx context.Context) {
	g.mu.RLock()
	partitions := g.partitionList()
	g.mu.RUnlock()

	for _, p := range partitions {
		if err := g.syncPartition(ctx, p); err != nil {
			g.logger.Warn("region sync failed", map[string]interface{}{
				"region": p.ID,
				"error":  err.Error(),
			})
		}
	}
}

// SyncRegion drains one region's pending log immediately.
func (g *Manager) SyncRegion(ctx context.Context, regionID string) error {
	g.mu.RLock()
	p, ok := g.partitions[regionID]
	g.mu.RUnlock()
	if !ok {
		return core.NewEngineError("geo.SyncRegion", "region", core.ErrRegionNotFound)
	}
	return g.syncPartition(ctx, p)
}

func (g *Manager) syncPartition(ctx context.Context, p *Partition) error {
	ops := p.drainPending()
	if len(ops) == 0 {
		return nil
	}
	err := resilience.Retry(ctx, g.retryCfg, func() error {
		return g.transport.Replicate(ctx, p.ID, ops)
	})
	if err != nil {
		p.requeue(ops)
		return core.NewEngineError("geo.sync", "replication", err)
	}
	return nil
}

// applyPeerMutations replays a drained log into every sibling partition.
// Used by the in-process transport.
func (g *Manager) applyPeerMutations(fromRegion string, ops []Mutation) {
	g.mu.RLock()
	partitions := g.partitionList()
	g.mu.RUnlock()

	for _, p := range partitions {
		if p.ID == fromRegion {
			continue
		}
		for _, op := range ops {
			switch op.Kind {
			case MutationRegister:
				if op.Record != nil {
					p.manager.Index(op.Record)
				}
			case MutationRemove:
				p.manager.Remove(op.AgentID)
			}
		}
	}
}

// FailoverTo copies the current local region's full agent set into the
// target region and switches the local-region pointer to it. The target is
// created on first use.
func (g *Manager) FailoverTo(ctx context.Context, targetRegion string) error {
	g.mu.RLock()
	source := g.partitions[g.localRegion]
	g.mu.RUnlock()
	if source == nil {
		return core.NewEngineError("geo.FailoverTo", "region", core.ErrRegionNotFound)
	}
	if source.ID == targetRegion {
		return nil
	}

	target := g.EnsureRegion(targetRegion, RegionOptions{})
	for _, record := range source.manager.Records() {
		if err := ctx.Err(); err != nil {
			return err
		}
		target.manager.Index(record)
	}

	g.mu.Lock()
	g.localRegion = targetRegion
	g.mu.Unlock()

	g.logger.Info("failover complete", map[string]interface{}{
		"from":   source.ID,
		"to":     targetRegion,
		"agents": target.manager.Count(),
	})
	return nil
}

// RegionStatuses snapshots every partition, sorted by region ID.
func (g *Manager) RegionStatuses() []RegionStatus {
	g.mu.RLock()
	partitions := g.partitionList()
	g.mu.RUnlock()

	statuses := make([]RegionStatus, 0, len(partitions))
	for _, p := range partitions {
		statuses = append(statuses, p.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// ProbeRegions measures each region once and reclassifies its health
// against the latency threshold.
func (g *Manager) ProbeRegions() {
	g.mu.RLock()
	partitions := g.partitionList()
	g.mu.RUnlock()

	threshold := float64(g.geoCfg.LatencyThreshold.Milliseconds())
	for _, p := range partitions {
		start := time.Now()
		p.manager.Count() // trivial probe through the partition's lock
		elapsed := float64(time.Since(start).Microseconds())/1000.0 +
			float64(p.opts.BaseLatency.Milliseconds())

		status := core.StatusHealthy
		switch {
		case elapsed > 2*threshold:
			status = core.StatusUnhealthy
		case elapsed > threshold:
			status = core.StatusDegraded
		}
		p.setHealth(status, elapsed)
	}
}

// AgentCount sums registered agents across regions. Agents replicated into
// several regions count once.
func (g *Manager) AgentCount() int {
	g.mu.RLock()
	partitions := g.partitionList()
	g.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range partitions {
		for _, record := range p.manager.Records() {
			seen[record.ID] = struct{}{}
		}
	}
	return len(seen)
}

// Shutdown stops the background loops and makes a final best-effort drain
// of every pending log.
func (g *Manager) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.SynchronizeRegions(ctx)
	return nil
}

func (g *Manager) syncLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.geoCfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.SynchronizeRegions(context.Background())
		}
	}
}

func (g *Manager) healthLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.geoCfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.ProbeRegions()
		}
	}
}

// holdingPartition finds the partition that currently stores the agent.
func (g *Manager) holdingPartition(agentID string) *Partition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.partitions {
		if _, ok := p.manager.Record(agentID); ok {
			return p
		}
	}
	return nil
}

// partitionList snapshots the partition map; caller holds at least the
// read lock.
func (g *Manager) partitionList() []*Partition {
	out := make([]*Partition, 0, len(g.partitions))
	for _, p := range g.partitions {
		out = append(out, p)
	}
	return out
}

// sortRecords orders merged results by the requested sort key. Performance
// ordering recomputes scores from the records themselves, so cross-region
// ranking does not depend on any one partition's score map.
func sortRecords(records []*core.AgentRecord, sortBy core.SortOrder) {
	switch sortBy {
	case core.SortByUptime:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Performance.UptimePercent > records[j].Performance.UptimePercent
		})
	case core.SortByRecency:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].LastSeen.After(records[j].LastSeen)
		})
	case core.SortByName:
		sort.SliceStable(records, func(i, j int) bool {
			return strings.ToLower(records[i].Name) < strings.ToLower(records[j].Name)
		})
	default: // SortByPerformance and unrecognized keys
		sort.SliceStable(records, func(i, j int) bool {
			return index.PerformanceScore(records[i].Performance) >
				index.PerformanceScore(records[j].Performance)
		})
	}
}
