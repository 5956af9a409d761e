// Package registry exposes the discovery engine that protocol adapters
// consume: registration, lookup, filtered discovery, health and metrics.
// It composes one geo-distribution manager, one performance optimizer and
// an optional snapshot store behind a single facade.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/meshindex/core"
	"github.com/itsneelabh/meshindex/geo"
	"github.com/itsneelabh/meshindex/index"
	"github.com/itsneelabh/meshindex/optimizer"
)

// Engine is the engine facade. All discovery flows through the optimizer's
// admission control; registrations and removals go straight to the geo
// layer, which serializes them per partition.
type Engine struct {
	cfg       *core.Config
	logger    core.Logger
	telemetry core.Telemetry
	bus       *core.MutationBus

	geo   *geo.Manager
	opt   *optimizer.Optimizer
	store SnapshotStore

	closed atomic.Bool
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger installs a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTelemetry installs a telemetry provider.
func WithTelemetry(t core.Telemetry) Option {
	return func(e *Engine) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithSnapshotStore overrides the store the configuration would build.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(e *Engine) { e.store = store }
}

// NewEngine builds and starts an engine from the configuration.
func NewEngine(cfg *core.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		bus:       core.NewMutationBus(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.geo = geo.NewManager(cfg.Geo, cfg.Index, nil, e.logger, e.bus)
	e.opt = optimizer.New(cfg.Optimizer, &cacheAdapter{e.geo}, &rebuildAdapter{e.geo}, e.logger)

	if e.store == nil {
		store, err := newStoreFromConfig(cfg.Persistence, cfg.Namespace)
		if err != nil {
			// Persistence is optional: a broken store means cold starts,
			// never a dead engine.
			e.logger.Error("snapshot store unavailable, continuing without persistence", map[string]interface{}{
				"provider": cfg.Persistence.Provider,
				"error":    err.Error(),
			})
		} else {
			e.store = store
		}
	}
	e.restoreSnapshot()

	e.geo.Start()
	e.logger.Info("discovery engine started", map[string]interface{}{
		"name":         cfg.Name,
		"local_region": cfg.Geo.LocalRegion,
		"persistence":  cfg.Persistence.Provider,
	})
	return e, nil
}

// Subscribe registers an observer for index-mutation events.
func (e *Engine) Subscribe(obs core.MutationObserver) {
	e.bus.Subscribe(obs)
}

// Geo exposes the geo-distribution manager for administrative operations
// (region management, manual synchronization, failover).
func (e *Engine) Geo() *geo.Manager { return e.geo }

// Register validates the descriptor, assigns an identifier and places the
// agent in a region. An empty preferredRegion lets the placement strategy
// decide.
func (e *Engine) Register(ctx context.Context, record *core.AgentRecord, preferredRegion string) (string, error) {
	if e.closed.Load() {
		return "", core.NewEngineError("registry.Register", "lifecycle", core.ErrShuttingDown)
	}
	if err := validateRecord(record); err != nil {
		return "", err
	}

	cp := *record
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now()
	cp.RegisteredAt = now
	cp.LastSeen = now
	if cp.Status == "" {
		cp.Status = core.StatusHealthy
	}

	region, err := e.geo.Register(ctx, &cp, preferredRegion)
	if err != nil {
		return "", err
	}
	e.logger.Info("agent registered", map[string]interface{}{
		"agent_id": cp.ID,
		"name":     cp.Name,
		"region":   region,
	})
	return cp.ID, nil
}

// Update applies a partial descriptor to a registered agent. Unknown
// identifiers fail with ErrAgentNotFound.
func (e *Engine) Update(ctx context.Context, agentID string, patch *AgentPatch) error {
	if e.closed.Load() {
		return core.NewEngineError("registry.Update", "lifecycle", core.ErrShuttingDown)
	}
	current, _, ok := e.geo.GetAgent(agentID)
	if !ok {
		return &core.EngineError{Op: "registry.Update", Kind: "agent", ID: agentID, Err: core.ErrAgentNotFound}
	}

	updated := patch.applyTo(current)
	updated.LastSeen = time.Now()
	if err := validateRecord(updated); err != nil {
		// The previous consistent state stays intact; a bad patch changes
		// nothing.
		return err
	}
	_, err := e.geo.Reindex(ctx, updated)
	return err
}

// Remove unregisters an agent everywhere it lives. Unknown identifiers
// fail with ErrAgentNotFound; the underlying index removal itself stays
// idempotent.
func (e *Engine) Remove(ctx context.Context, agentID string) error {
	if e.closed.Load() {
		return core.NewEngineError("registry.Remove", "lifecycle", core.ErrShuttingDown)
	}
	if !e.geo.RemoveAgent(agentID) {
		return &core.EngineError{Op: "registry.Remove", Kind: "agent", ID: agentID, Err: core.ErrAgentNotFound}
	}
	e.logger.Info("agent removed", map[string]interface{}{"agent_id": agentID})
	return nil
}

// Get returns the agent's descriptor, or ok=false when unknown.
func (e *Engine) Get(ctx context.Context, agentID string) (*core.AgentRecord, bool) {
	record, _, ok := e.geo.GetAgent(agentID)
	return record, ok
}

// Discover resolves the query to a ranked, paginated agent list. Malformed
// or unknown filter values never fail the query; they are ignored as
// absent constraints, which at worst widens the result. The only errors
// are lifecycle ones (engine shut down, context canceled).
func (e *Engine) Discover(ctx context.Context, query *core.DiscoveryQuery) (*core.DiscoveryResult, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "registry.Discover")
	defer span.End()

	if query == nil {
		query = &core.DiscoveryQuery{}
	}
	filter, strategy, regions, sortBy, limit := sanitizeQuery(query)

	value, err := e.opt.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return e.geo.Discover(ctx, filter, strategy, regions, sortBy, 0), nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result := value.(*core.DiscoveryResult)

	if len(query.Statuses) > 0 || len(query.Tiers) > 0 {
		result.Agents = filterByStatusAndTier(result.Agents, query.Statuses, query.Tiers)
		result.TotalFound = len(result.Agents)
	}
	if limit > 0 && len(result.Agents) > limit {
		result.Agents = result.Agents[:limit]
	}

	span.SetAttribute("agents.found", result.TotalFound)
	span.SetAttribute("cache.hit", result.CacheHit)
	e.telemetry.RecordMetric("meshindex.query.duration_ms", result.QueryTimeMs, map[string]string{
		"strategy": string(strategy),
	})
	return result, nil
}

// Health reports the advisory health summary.
func (e *Engine) Health() core.HealthReport {
	report := core.HealthReport{
		Status:          core.StatusHealthy,
		RegisteredCount: e.geo.AgentCount(),
	}
	if local := e.geo.LocalIndex(); local != nil {
		stats := local.Stats()
		report.AvgQueryTimeMs = stats.AvgQueryTimeMs
		report.CacheHitRate = stats.CacheHitRate
		if !local.Healthy() && stats.TotalQueries > 0 {
			report.Status = core.StatusDegraded
		}
	}
	for _, rs := range e.geo.RegionStatuses() {
		if rs.Status == core.StatusUnhealthy {
			report.Status = core.StatusDegraded
			break
		}
	}
	return report
}

// Metrics merges the optimizer's rolling window with the local index
// statistics.
func (e *Engine) Metrics() core.EngineMetrics {
	snap := e.opt.Metrics()
	metrics := core.EngineMetrics{
		TotalQueries:      e.opt.TotalOperations(),
		AvgResponseTimeMs: snap.AvgLatencyMs,
		P95ResponseTimeMs: snap.P95LatencyMs,
		P99ResponseTimeMs: snap.P99LatencyMs,
	}
	if local := e.geo.LocalIndex(); local != nil {
		stats := local.Stats()
		metrics.CacheHitRate = stats.CacheHitRate
		metrics.IndexedTokens = stats.CapabilityTokens + stats.DomainTokens + stats.ProtocolTokens
		metrics.MemoryEstimateKB = stats.MemoryEstimateKB
	}
	return metrics
}

// SaveSnapshot persists the local region's index state. Without a
// configured store it is a no-op.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	local := e.geo.LocalIndex()
	if local == nil {
		return nil
	}
	if err := e.store.Save(ctx, local.Snapshot()); err != nil {
		e.logger.Error("snapshot save failed", map[string]interface{}{"error": err.Error()})
		return core.NewEngineError("registry.SaveSnapshot", "persistence", err)
	}
	return nil
}

// restoreSnapshot warm-starts the local region from the snapshot store.
// A missing snapshot is a cold start; a broken one is logged and skipped.
func (e *Engine) restoreSnapshot() {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := e.store.Load(ctx)
	if err != nil {
		if core.IsNotFound(err) {
			e.logger.Info("no snapshot found, cold start", nil)
		} else {
			e.logger.Error("snapshot load failed, cold start", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if local := e.geo.LocalIndex(); local != nil {
		local.Restore(snap)
		e.logger.Info("restored snapshot", map[string]interface{}{
			"agents":   len(snap.Records),
			"taken_at": snap.TakenAt.Format(time.RFC3339),
		})
	}
}

// Shutdown stops admissions, drains in-flight work, stops the geo loops
// and takes a final snapshot. Persistence failures are logged, never
// returned as fatal.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	var firstErr error
	if err := e.opt.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := e.geo.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.SaveSnapshot(ctx); err != nil {
		e.logger.Warn("final snapshot failed", map[string]interface{}{"error": err.Error()})
	}
	e.logger.Info("discovery engine stopped", map[string]interface{}{"name": e.cfg.Name})
	return firstErr
}

// validateRecord rejects descriptors that must never enter the store: an
// agent with zero primary capabilities fails validation outright.
func validateRecord(record *core.AgentRecord) error {
	if record == nil {
		return &core.EngineError{Op: "registry.validate", Kind: "validation", Err: core.ErrValidation, Message: "nil record"}
	}
	if record.Name == "" {
		return fmt.Errorf("%w: agent name is required", core.ErrValidation)
	}
	if len(record.PrimaryCapabilities) == 0 {
		return fmt.Errorf("%w: at least one primary capability is required", core.ErrValidation)
	}
	if len(record.Domains) == 0 {
		return fmt.Errorf("%w: at least one domain is required", core.ErrValidation)
	}
	return nil
}

// sanitizeQuery maps the external query onto index/geo terms, silently
// dropping anything malformed.
func sanitizeQuery(q *core.DiscoveryQuery) (index.Filter, geo.RoutingStrategy, []string, core.SortOrder, int) {
	filter := index.Filter{
		Capabilities: dropEmpty(q.Capabilities),
		Domains:      dropEmpty(q.Domains),
		Protocols:    dropEmpty(q.Protocols),
	}
	if q.MinPerformanceScore > 0 && q.MinPerformanceScore <= 1 {
		filter.MinScore = q.MinPerformanceScore
	}

	strategy := geo.RoutingStrategy(q.Strategy)
	switch strategy {
	case geo.RouteLocalFirst, geo.RouteGlobal, geo.RouteNearest, geo.RouteBestMatch:
	default:
		strategy = geo.RouteLocalFirst
	}

	sortBy := q.SortBy
	switch sortBy {
	case core.SortByPerformance, core.SortByUptime, core.SortByRecency, core.SortByName:
	default:
		sortBy = core.SortByPerformance
	}

	limit := q.MaxResults
	if limit < 0 {
		limit = 0
	}
	return filter, strategy, q.Regions, sortBy, limit
}

func dropEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func filterByStatusAndTier(agents []*core.AgentRecord, statuses []core.AgentStatus, tiers []core.CertificationTier) []*core.AgentRecord {
	out := make([]*core.AgentRecord, 0, len(agents))
	for _, a := range agents {
		if len(statuses) > 0 && !containsStatus(statuses, a.Status) {
			continue
		}
		if len(tiers) > 0 && !containsTier(tiers, a.Tier()) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func containsStatus(statuses []core.AgentStatus, s core.AgentStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func containsTier(tiers []core.CertificationTier, t core.CertificationTier) bool {
	for _, v := range tiers {
		if v == t {
			return true
		}
	}
	return false
}

// cacheAdapter and rebuildAdapter resolve the local partition dynamically
// so failover retargets the optimizer's strategies automatically.
type cacheAdapter struct{ g *geo.Manager }

func (c *cacheAdapter) TTL() time.Duration {
	if m := c.g.LocalIndex(); m != nil {
		return m.Cache().TTL()
	}
	return 0
}

func (c *cacheAdapter) SetTTL(ttl time.Duration) {
	if m := c.g.LocalIndex(); m != nil {
		m.Cache().SetTTL(ttl)
	}
}

type rebuildAdapter struct{ g *geo.Manager }

func (r *rebuildAdapter) Rebuild() {
	if m := r.g.LocalIndex(); m != nil {
		m.Rebuild()
	}
}
