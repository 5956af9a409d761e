package index

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/itsneelabh/meshindex/core"
)

// Filter is the token-level query resolved against the postings indexes.
// Capability tokens combine by intersection, domain and protocol tokens by
// union; the three kinds then combine by intersection.
type Filter struct {
	Capabilities []string
	Domains      []string
	Protocols    []string
	MinScore     float64
}

// Stats is a point-in-time snapshot of one manager's indexes.
type Stats struct {
	AgentCount       int     `json:"agent_count"`
	CapabilityTokens int     `json:"capability_tokens"`
	DomainTokens     int     `json:"domain_tokens"`
	ProtocolTokens   int     `json:"protocol_tokens"`
	MemoryEstimateKB int64   `json:"memory_estimate_kb"`
	TotalQueries     int64   `json:"total_queries"`
	AvgQueryTimeMs   float64 `json:"avg_query_time_ms"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
}

// Manager owns the record store, the three postings indexes, the pre-filter
// and the query cache for one registry copy. It is the single writer for all
// of them: mutations serialize behind a write lock, queries share a read
// lock and therefore observe a consistent snapshot but never interleave
// with a mutation.
type Manager struct {
	mu sync.RWMutex

	records      map[string]*core.AgentRecord
	capabilities *Postings
	domains      *Postings
	protocols    *Postings
	prefilter    *PreFilter
	cache        *QueryCache
	scores       map[string]float64

	cfg    core.IndexConfig
	region string
	logger core.Logger
	bus    *core.MutationBus

	flight singleflight.Group

	statsMu      sync.Mutex
	totalQueries int64
	avgLatencyMs float64
	hitRate      float64
}

// NewManager creates an empty manager. A nil logger or bus falls back to
// no-op behavior.
func NewManager(cfg core.IndexConfig, region string, logger core.Logger, bus *core.MutationBus) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bus == nil {
		bus = core.NewMutationBus()
	}
	return &Manager{
		records:      make(map[string]*core.AgentRecord),
		capabilities: NewPostings(),
		domains:      NewPostings(),
		protocols:    NewPostings(),
		prefilter:    NewPreFilter(cfg.ExpectedAgents*4, cfg.FalsePositiveRate),
		cache:        NewQueryCache(cfg.CacheTTL),
		scores:       make(map[string]float64),
		cfg:          cfg,
		region:       region,
		logger:       logger,
		bus:          bus,
	}
}

// Cache exposes the query cache so the optimizer's aggressive-caching
// strategy can widen its TTL.
func (m *Manager) Cache() *QueryCache { return m.cache }

// Index upserts an agent into every structure. Prior entries for the same
// identifier are removed first, so re-indexing an updated record never
// leaves stale tokens behind. Well-formed records never fail; validation is
// the caller's job.
func (m *Manager) Index(record *core.AgentRecord) {
	cp := *record
	mutation := core.MutationRegister

	m.mu.Lock()
	if _, exists := m.records[cp.ID]; exists {
		m.removeLocked(cp.ID)
		mutation = core.MutationUpdate
	}
	for _, token := range agentTokens(&cp) {
		m.prefilter.Add(token)
	}
	for _, c := range cp.PrimaryCapabilities {
		m.capabilities.Add(normalize(c), cp.ID)
	}
	for _, c := range cp.SecondaryCapabilities {
		m.capabilities.Add(normalize(c), cp.ID)
	}
	for _, d := range cp.Domains {
		for _, prefix := range domainPrefixes(normalize(d)) {
			m.domains.Add(prefix, cp.ID)
		}
	}
	for _, p := range cp.Protocols {
		m.protocols.Add(normalize(p), cp.ID)
	}
	m.records[cp.ID] = &cp
	m.scores[cp.ID] = PerformanceScore(cp.Performance)
	m.cache.Invalidate()
	m.mu.Unlock()

	m.bus.Publish(core.MutationEvent{
		Type:    mutation,
		AgentID: cp.ID,
		Region:  m.region,
		At:      time.Now(),
	})
}

// Remove deletes an agent from every postings set it appears in, pruning
// emptied keys. Removing an unknown identifier is a no-op, not an error.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	_, existed := m.records[agentID]
	if existed {
		m.removeLocked(agentID)
		m.cache.Invalidate()
	}
	m.mu.Unlock()

	if existed {
		m.bus.Publish(core.MutationEvent{
			Type:    core.MutationRemove,
			AgentID: agentID,
			Region:  m.region,
			At:      time.Now(),
		})
	}
}

// removeLocked drops every trace of agentID; caller holds the write lock.
// The pre-filter is append-only within a build cycle, so its bits stay set
// until the next rebuild; that only costs false positives, never false
// negatives.
func (m *Manager) removeLocked(agentID string) {
	m.capabilities.RemoveID(agentID)
	m.domains.RemoveID(agentID)
	m.protocols.RemoveID(agentID)
	delete(m.scores, agentID)
	delete(m.records, agentID)
}

// Query resolves a filter to the set of matching agent identifiers and
// reports whether the result came from the cache. Identical concurrent
// queries against a cold cache share a single computation.
func (m *Manager) Query(filter Filter) (IDSet, bool) {
	start := time.Now()
	sig := Signature(filter.Capabilities, filter.Domains, filter.Protocols, filter.MinScore)

	if ids, ok := m.cache.Get(sig); ok {
		m.recordQuery(time.Since(start), true)
		return ids, true
	}

	// The closure runs in the leader's goroutine only, so executed stays
	// false for every caller that merely joined the flight.
	executed := false
	result, _, shared := m.flight.Do(sig, func() (interface{}, error) {
		executed = true
		gen := m.cache.Generation()
		m.mu.RLock()
		ids := m.evaluate(filter)
		m.mu.RUnlock()
		// A mutation may have landed since evaluation started; caching the
		// result then would smuggle a stale entry into the new generation.
		if m.cache.Generation() == gen {
			m.cache.Put(sig, ids)
		}
		return ids, nil
	})

	// The leader did the uncached computation; only followers that shared
	// its result count as served-from-cache.
	hit := shared && !executed
	m.recordQuery(time.Since(start), hit)
	return result.(IDSet).Clone(), hit
}

// evaluate runs the filter against the indexes; caller holds the read lock.
func (m *Manager) evaluate(filter Filter) IDSet {
	var running IDSet

	if len(filter.Capabilities) > 0 {
		for _, c := range filter.Capabilities {
			// Definitive absence in the pre-filter means zero matches.
			if !m.prefilter.MightContain(normalize(c)) {
				return make(IDSet)
			}
		}
		for _, c := range filter.Capabilities {
			set, ok := m.capabilities.Get(normalize(c))
			if !ok {
				return make(IDSet)
			}
			if running == nil {
				running = set.Clone()
			} else {
				running.Intersect(set)
			}
			if len(running) == 0 {
				return running
			}
		}
	}

	if len(filter.Domains) > 0 {
		domainUnion := make(IDSet)
		for _, d := range filter.Domains {
			m.collectDomain(normalize(d), domainUnion)
		}
		if running == nil {
			running = domainUnion
		} else {
			running.Intersect(domainUnion)
		}
		if len(running) == 0 {
			return running
		}
	}

	if len(filter.Protocols) > 0 {
		protoUnion := make(IDSet)
		for _, p := range filter.Protocols {
			if set, ok := m.protocols.Get(normalize(p)); ok {
				protoUnion.Union(set)
			}
		}
		if running == nil {
			running = protoUnion
		} else {
			running.Intersect(protoUnion)
		}
		if len(running) == 0 {
			return running
		}
	}

	if running == nil {
		// No token filters: start from the whole registry.
		running = make(IDSet, len(m.records))
		for id := range m.records {
			running[id] = struct{}{}
		}
	}

	if filter.MinScore > 0 {
		for id := range running {
			if m.scores[id] < filter.MinScore {
				delete(running, id)
			}
		}
	}
	return running
}

// collectDomain unions into dst every agent indexed under a domain that the
// requested domain matches: the exact token, any dot-delimited prefix of
// the request, or any dot-delimited suffix of it. An agent indexed under
// "ai.nlp.translation" is therefore reachable via "ai", "ai.nlp", the exact
// domain, and "nlp.translation".
func (m *Manager) collectDomain(requested string, dst IDSet) {
	if set, ok := m.domains.Get(requested); ok {
		dst.Union(set)
	}
	m.domains.Range(func(token string, ids IDSet) bool {
		if token != requested &&
			(strings.HasPrefix(requested, token+".") || strings.HasSuffix(requested, "."+token)) {
			dst.Union(ids)
		}
		return true
	})
}

// MatchPotential counts how many of the requested capability and domain
// tokens are indexed here. Geo routing uses it to score candidate regions
// without running the full query.
func (m *Manager) MatchPotential(capabilities, domains []string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	score := 0
	for _, c := range capabilities {
		if _, ok := m.capabilities.Get(normalize(c)); ok {
			score++
		}
	}
	for _, d := range domains {
		if _, ok := m.domains.Get(normalize(d)); ok {
			score++
		}
	}
	return score
}

// RankByPerformance stable-sorts identifiers descending by performance
// score. Ties keep encounter order.
func (m *Manager) RankByPerformance(ids []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ranked := make([]string, len(ids))
	copy(ranked, ids)
	sort.SliceStable(ranked, func(i, j int) bool {
		return m.scores[ranked[i]] > m.scores[ranked[j]]
	})
	return ranked
}

// Score returns the cached performance score for an agent.
func (m *Manager) Score(agentID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scores[agentID]
}

// Record returns a copy of the stored descriptor.
func (m *Manager) Record(agentID string) (*core.AgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[agentID]
	if !ok {
		return nil, false
	}
	cp := *record
	return &cp, true
}

// Records returns copies of every stored descriptor.
func (m *Manager) Records() []*core.AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.AgentRecord, 0, len(m.records))
	for _, record := range m.records {
		cp := *record
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Rebuild clears and recreates every structure from the stored records.
// It runs under the write lock, so it is atomic with respect to queries.
func (m *Manager) Rebuild() {
	m.mu.Lock()
	kept := make([]*core.AgentRecord, 0, len(m.records))
	for _, record := range m.records {
		kept = append(kept, record)
	}
	m.capabilities.Clear()
	m.domains.Clear()
	m.protocols.Clear()
	m.prefilter.Reset()
	m.scores = make(map[string]float64)
	for _, record := range kept {
		for _, token := range agentTokens(record) {
			m.prefilter.Add(token)
		}
		for _, c := range record.PrimaryCapabilities {
			m.capabilities.Add(normalize(c), record.ID)
		}
		for _, c := range record.SecondaryCapabilities {
			m.capabilities.Add(normalize(c), record.ID)
		}
		for _, d := range record.Domains {
			for _, prefix := range domainPrefixes(normalize(d)) {
				m.domains.Add(prefix, record.ID)
			}
		}
		for _, p := range record.Protocols {
			m.protocols.Add(normalize(p), record.ID)
		}
		m.scores[record.ID] = PerformanceScore(record.Performance)
	}
	m.cache.Invalidate()
	m.mu.Unlock()

	m.logger.Info("index rebuilt", map[string]interface{}{
		"region": m.region,
		"agents": len(kept),
	})
	m.bus.Publish(core.MutationEvent{
		Type:   core.MutationRebuild,
		Region: m.region,
		At:     time.Now(),
	})
}

// Stats reports index sizes and the rolling query statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	agentCount := len(m.records)
	capTokens := m.capabilities.Tokens()
	domTokens := m.domains.Tokens()
	protoTokens := m.protocols.Tokens()
	memory := m.memoryEstimateLocked()
	m.mu.RUnlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return Stats{
		AgentCount:       agentCount,
		CapabilityTokens: capTokens,
		DomainTokens:     domTokens,
		ProtocolTokens:   protoTokens,
		MemoryEstimateKB: memory / 1024,
		TotalQueries:     m.totalQueries,
		AvgQueryTimeMs:   m.avgLatencyMs,
		CacheHitRate:     m.hitRate,
	}
}

// Healthy is the advisory health predicate: average query latency under the
// configured bound and cache-hit ratio above it. Nothing internal acts on
// it; external health reporting consumes it.
func (m *Manager) Healthy() bool {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.avgLatencyMs < m.cfg.HealthyQueryTimeMs &&
		m.hitRate > m.cfg.HealthyCacheHitRate
}

// recordQuery folds one observation into the incremental running averages.
// No history is buffered; avg_n = avg_{n-1} + (x - avg_{n-1})/n.
func (m *Manager) recordQuery(elapsed time.Duration, cacheHit bool) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.totalQueries++
	n := float64(m.totalQueries)
	latencyMs := float64(elapsed.Microseconds()) / 1000.0
	m.avgLatencyMs += (latencyMs - m.avgLatencyMs) / n
	hit := 0.0
	if cacheHit {
		hit = 1.0
	}
	m.hitRate += (hit - m.hitRate) / n
}

// memoryEstimateLocked roughly sizes the in-memory structures; caller holds
// at least the read lock.
func (m *Manager) memoryEstimateLocked() int64 {
	const perRecord = 512
	const perToken = 64
	tokens := m.capabilities.Tokens() + m.domains.Tokens() + m.protocols.Tokens()
	return int64(len(m.records))*perRecord +
		int64(tokens)*perToken +
		m.prefilter.SizeBytes()
}

// PerformanceScore computes the weighted score in [0,1]: 30% inverse
// response time, 30% uptime, 30% success rate, 10% throughput.
func PerformanceScore(p core.PerformanceMetrics) float64 {
	respNorm := 1.0 / (1.0 + p.AvgResponseTimeMs/100.0)
	uptimeNorm := clamp01(p.UptimePercent / 100.0)
	successNorm := clamp01(p.SuccessRate)
	throughputNorm := clamp01(p.ThroughputRPS / 1000.0)
	return clamp01(0.3*respNorm + 0.3*uptimeNorm + 0.3*successNorm + 0.1*throughputNorm)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// domainPrefixes expands "ai.nlp.translation" into "ai", "ai.nlp",
// "ai.nlp.translation" so hierarchical queries hit the postings directly.
func domainPrefixes(domain string) []string {
	parts := strings.Split(domain, ".")
	prefixes := make([]string, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		prefixes = append(prefixes, strings.Join(parts[:i], "."))
	}
	return prefixes
}

// agentTokens lists every token an agent contributes to the pre-filter.
func agentTokens(record *core.AgentRecord) []string {
	var tokens []string
	for _, c := range record.PrimaryCapabilities {
		tokens = append(tokens, normalize(c))
	}
	for _, c := range record.SecondaryCapabilities {
		tokens = append(tokens, normalize(c))
	}
	for _, d := range record.Domains {
		tokens = append(tokens, domainPrefixes(normalize(d))...)
	}
	for _, p := range record.Protocols {
		tokens = append(tokens, normalize(p))
	}
	return tokens
}
