package index

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/meshindex/core"
)

func testConfig() core.IndexConfig {
	return core.IndexConfig{
		CacheTTL:            time.Minute,
		ExpectedAgents:      1000,
		FalsePositiveRate:   0.01,
		HealthyQueryTimeMs:  50,
		HealthyCacheHitRate: 0.5,
	}
}

func testAgent(id string, caps, domains []string) *core.AgentRecord {
	return &core.AgentRecord{
		ID:                  id,
		Name:                id,
		Status:              core.StatusHealthy,
		PrimaryCapabilities: caps,
		Domains:             domains,
		Protocols:           []string{"http"},
		Performance: core.PerformanceMetrics{
			AvgResponseTimeMs: 50,
			UptimePercent:     99,
			SuccessRate:       0.95,
			ThroughputRPS:     100,
		},
		RegisteredAt: time.Now(),
		LastSeen:     time.Now(),
	}
}

func TestQueryByCapability(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("chat-agent", []string{"chat", "conversation"}, []string{"ai", "nlp"}))
	m.Index(testAgent("math-agent", []string{"calculation"}, []string{"mathematics"}))

	ids, cacheHit := m.Query(Filter{Capabilities: []string{"chat"}})
	assert.False(t, cacheHit)
	assert.Equal(t, []string{"chat-agent"}, ids.Slice())

	ids, _ = m.Query(Filter{Domains: []string{"ai"}})
	assert.Equal(t, []string{"chat-agent"}, ids.Slice())

	// Disjoint capability and domain sets intersect to nothing.
	ids, _ = m.Query(Filter{Capabilities: []string{"calculation"}, Domains: []string{"ai"}})
	assert.Empty(t, ids)
}

func TestCapabilityNormalization(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"Chat", "  translation "}, []string{"ai"}))

	ids, _ := m.Query(Filter{Capabilities: []string{"chat"}})
	assert.Len(t, ids, 1)
	ids, _ = m.Query(Filter{Capabilities: []string{"TRANSLATION"}})
	assert.Len(t, ids, 1)
}

func TestHierarchicalDomains(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("translator", []string{"translate"}, []string{"ai.nlp.translation"}))

	for _, domain := range []string{"ai", "ai.nlp", "ai.nlp.translation"} {
		ids, _ := m.Query(Filter{Domains: []string{domain}})
		assert.Len(t, ids, 1, "domain %q should match", domain)
	}

	// Suffix matching: an indexed "nlp.translation" is a dot-delimited
	// suffix of the requested domain.
	m.Index(testAgent("suffix-agent", []string{"translate"}, []string{"nlp.translation"}))
	ids, _ := m.Query(Filter{Domains: []string{"ai.nlp.translation"}})
	assert.Len(t, ids, 2)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai"}))

	m.Remove("a1")
	ids, _ := m.Query(Filter{Capabilities: []string{"chat"}})
	assert.Empty(t, ids)
	ids, _ = m.Query(Filter{Domains: []string{"ai"}})
	assert.Empty(t, ids)

	// Second removal is a no-op.
	m.Remove("a1")
	m.Remove("never-registered")
	assert.Equal(t, 0, m.Count())
}

func TestRemovePrunesEmptyPostings(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("only", []string{"solo-capability"}, []string{"ai"}))
	m.Remove("only")

	m.mu.RLock()
	_, present := m.capabilities.Get("solo-capability")
	m.mu.RUnlock()
	assert.False(t, present, "emptied postings key must be pruned, not left empty")
}

func TestQueryCacheRoundTrip(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai"}))

	first, hit := m.Query(Filter{Capabilities: []string{"chat"}})
	require.False(t, hit)
	second, hit := m.Query(Filter{Capabilities: []string{"chat"}})
	assert.True(t, hit, "identical query with no intervening mutation must be served from cache")
	assert.Equal(t, first.Slice(), second.Slice())

	// Any mutation invalidates the whole cache. Heavy write load therefore
	// defeats caching entirely; that is the intended trade-off, not a bug.
	m.Index(testAgent("a2", []string{"search"}, []string{"web"}))
	_, hit = m.Query(Filter{Capabilities: []string{"chat"}})
	assert.False(t, hit, "first query after a mutation must recompute")
}

func TestQuerySignatureOrderInsensitive(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat", "search"}, []string{"ai"}))

	_, hit := m.Query(Filter{Capabilities: []string{"chat", "search"}})
	require.False(t, hit)
	_, hit = m.Query(Filter{Capabilities: []string{"search", "chat"}})
	assert.True(t, hit, "criteria order must not change the cache key")
}

func TestPreFilterShortCircuit(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai"}))

	// A token that was never inserted must produce an empty result, never
	// an error and never a false negative for tokens that were inserted.
	ids, _ := m.Query(Filter{Capabilities: []string{"chat", "definitely-absent-token"}})
	assert.Empty(t, ids)

	ids, _ = m.Query(Filter{Capabilities: []string{"chat"}})
	assert.Len(t, ids, 1)
}

func TestPerformanceThreshold(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	fast := testAgent("fast", []string{"chat"}, []string{"ai"})
	fast.Performance = core.PerformanceMetrics{AvgResponseTimeMs: 10, UptimePercent: 99.9, SuccessRate: 0.99, ThroughputRPS: 500}
	slow := testAgent("slow", []string{"chat"}, []string{"ai"})
	slow.Performance = core.PerformanceMetrics{AvgResponseTimeMs: 5000, UptimePercent: 20, SuccessRate: 0.1}
	m.Index(fast)
	m.Index(slow)

	threshold := (m.Score("fast") + m.Score("slow")) / 2
	ids, _ := m.Query(Filter{Capabilities: []string{"chat"}, MinScore: threshold})
	assert.Equal(t, []string{"fast"}, ids.Slice())
}

func TestRankByPerformance(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	for i, rt := range []float64{500, 10, 100} {
		a := testAgent(fmt.Sprintf("agent-%d", i), []string{"chat"}, []string{"ai"})
		a.Performance.AvgResponseTimeMs = rt
		m.Index(a)
	}

	ranked := m.RankByPerformance([]string{"agent-0", "agent-1", "agent-2"})
	assert.Equal(t, []string{"agent-1", "agent-2", "agent-0"}, ranked)
}

func TestRebuildPreservesQueries(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai.nlp"}))
	m.Index(testAgent("a2", []string{"search"}, []string{"web"}))

	m.Rebuild()

	ids, _ := m.Query(Filter{Capabilities: []string{"chat"}})
	assert.Len(t, ids, 1)
	ids, _ = m.Query(Filter{Domains: []string{"ai"}})
	assert.Len(t, ids, 1)
	assert.Equal(t, 2, m.Count())
}

func TestSnapshotRestore(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai.nlp"}))
	m.Index(testAgent("a2", []string{"search"}, []string{"web"}))

	snap := m.Snapshot()
	require.Len(t, snap.Records, 2)

	restored := NewManager(testConfig(), "us-east", nil, nil)
	restored.Restore(snap)
	assert.Equal(t, 2, restored.Count())
	ids, _ := restored.Query(Filter{Domains: []string{"ai"}})
	assert.Len(t, ids, 1)

	// Nil snapshot is a cold start, not an error.
	cold := NewManager(testConfig(), "us-east", nil, nil)
	cold.Restore(nil)
	assert.Equal(t, 0, cold.Count())
}

func TestMutationEvents(t *testing.T) {
	bus := core.NewMutationBus()
	var mu sync.Mutex
	var events []core.MutationEvent
	bus.Subscribe(core.MutationObserverFunc(func(e core.MutationEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	m := NewManager(testConfig(), "eu-west", nil, bus)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai"}))
	m.Index(testAgent("a1", []string{"chat", "search"}, []string{"ai"}))
	m.Remove("a1")
	m.Remove("a1") // no event for a no-op removal

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, core.MutationRegister, events[0].Type)
	assert.Equal(t, core.MutationUpdate, events[1].Type)
	assert.Equal(t, core.MutationRemove, events[2].Type)
	assert.Equal(t, "eu-west", events[0].Region)
}

func TestConcurrentIdenticalQueries(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	for i := 0; i < 50; i++ {
		m.Index(testAgent(fmt.Sprintf("agent-%d", i), []string{"chat"}, []string{"ai"}))
	}

	const n = 32
	results := make([]IDSet, n)
	hits := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], hits[i] = m.Query(Filter{Capabilities: []string{"chat"}})
		}(i)
	}
	wg.Wait()

	misses := 0
	for i := 0; i < n; i++ {
		if !hits[i] {
			misses++
		}
		if i > 0 {
			assert.Equal(t, len(results[0]), len(results[i]))
		}
	}
	// The cache starts cold, so whichever caller actually evaluated the
	// query must report a miss even when others piggyback on its result.
	assert.GreaterOrEqual(t, misses, 1)
}

func TestStatsAndHealth(t *testing.T) {
	m := NewManager(testConfig(), "us-east", nil, nil)
	m.Index(testAgent("a1", []string{"chat"}, []string{"ai.nlp"}))

	for i := 0; i < 10; i++ {
		m.Query(Filter{Capabilities: []string{"chat"}})
	}

	stats := m.Stats()
	assert.Equal(t, 1, stats.AgentCount)
	assert.Equal(t, 1, stats.CapabilityTokens)
	assert.Equal(t, 2, stats.DomainTokens) // ai and ai.nlp
	assert.Equal(t, int64(10), stats.TotalQueries)
	assert.Greater(t, stats.CacheHitRate, 0.5)
	assert.True(t, m.Healthy())
}

func TestPerformanceScoreWeights(t *testing.T) {
	perfect := core.PerformanceMetrics{
		AvgResponseTimeMs: 0, UptimePercent: 100, SuccessRate: 1, ThroughputRPS: 1000,
	}
	assert.InDelta(t, 1.0, PerformanceScore(perfect), 0.001)

	dead := core.PerformanceMetrics{AvgResponseTimeMs: 1e9}
	assert.InDelta(t, 0.0, PerformanceScore(dead), 0.001)

	// Throughput only contributes 10%.
	throughputOnly := core.PerformanceMetrics{AvgResponseTimeMs: 1e9, ThroughputRPS: 1e6}
	assert.InDelta(t, 0.1, PerformanceScore(throughputOnly), 0.001)
}
