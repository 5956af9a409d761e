package core

import (
	"time"
)

// AgentStatus reflects the last known operational state of an agent.
type AgentStatus string

const (
	StatusHealthy   AgentStatus = "healthy"
	StatusDegraded  AgentStatus = "degraded"
	StatusUnhealthy AgentStatus = "unhealthy"
)

// CertificationTier ranks how thoroughly an agent has been vetted.
// Top-tier agents get priority replication across regions.
type CertificationTier string

const (
	TierUncertified   CertificationTier = "uncertified"
	TierCertified     CertificationTier = "certified"
	TierCertifiedPlus CertificationTier = "certified-plus"
)

// PerformanceMetrics carries the live performance figures reported for an
// agent. All fields are observed values, not guarantees.
type PerformanceMetrics struct {
	AvgResponseTimeMs float64 `json:"avg_response_time_ms" yaml:"avg_response_time_ms"`
	UptimePercent     float64 `json:"uptime_percent" yaml:"uptime_percent"`
	RequestsHandled   int64   `json:"requests_handled" yaml:"requests_handled"`
	SuccessRate       float64 `json:"success_rate" yaml:"success_rate"`
	ThroughputRPS     float64 `json:"throughput_rps" yaml:"throughput_rps"`
}

// ComplianceInfo is optional vetting metadata attached at registration.
type ComplianceInfo struct {
	Tier      CertificationTier `json:"tier" yaml:"tier"`
	AuditedAt time.Time         `json:"audited_at,omitempty" yaml:"audited_at,omitempty"`
	Notes     string            `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// AgentRecord is the canonical descriptor for a registered agent.
// It is pure data; all behavior lives in the index and registry packages.
type AgentRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	Status AgentStatus `json:"status"`

	// PrimaryCapabilities must be non-empty; registration rejects records
	// without at least one.
	PrimaryCapabilities   []string `json:"primary_capabilities"`
	SecondaryCapabilities []string `json:"secondary_capabilities,omitempty"`

	// Domains use dot-delimited hierarchies, e.g. "ai.nlp.translation".
	Domains   []string `json:"domains"`
	Protocols []string `json:"protocols,omitempty"`

	// Endpoints maps protocol name to a concrete address.
	Endpoints map[string]string `json:"endpoints,omitempty"`

	Performance PerformanceMetrics `json:"performance"`
	Compliance  *ComplianceInfo    `json:"compliance,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Tier returns the certification tier, defaulting to uncertified when no
// compliance metadata was supplied.
func (a *AgentRecord) Tier() CertificationTier {
	if a.Compliance == nil || a.Compliance.Tier == "" {
		return TierUncertified
	}
	return a.Compliance.Tier
}

// SortOrder selects how discovery results are ranked before truncation.
type SortOrder string

const (
	SortByPerformance SortOrder = "performance"
	SortByUptime      SortOrder = "uptime"
	SortByRecency     SortOrder = "recency"
	SortByName        SortOrder = "name"
)

// DiscoveryQuery is the filter/sort/limit specification resolved against the
// indexes. Zero-valued fields mean "no constraint". Unknown or malformed
// values never fail a query; they are treated as absent constraints.
type DiscoveryQuery struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	Protocols    []string `json:"protocols,omitempty"`

	// MinPerformanceScore filters on the engine-computed score in [0,1].
	MinPerformanceScore float64 `json:"min_performance_score,omitempty"`

	// Statuses restricts results to agents in any of the given states.
	Statuses []AgentStatus `json:"statuses,omitempty"`

	// Tiers restricts results to the given certification tiers.
	Tiers []CertificationTier `json:"tiers,omitempty"`

	SortBy     SortOrder `json:"sort_by,omitempty"`
	MaxResults int       `json:"max_results,omitempty"`

	// Strategy names the routing strategy: "local-first", "global",
	// "nearest" or "best-match". Unrecognized values fall back to
	// local-first rather than failing the query.
	Strategy string `json:"strategy,omitempty"`

	// Regions explicitly targets the named regions, bypassing strategy
	// selection and health filtering.
	Regions []string `json:"regions,omitempty"`
}

// Empty reports whether the query carries no filter criteria at all.
func (q *DiscoveryQuery) Empty() bool {
	return len(q.Capabilities) == 0 && len(q.Domains) == 0 &&
		len(q.Protocols) == 0 && q.MinPerformanceScore <= 0 &&
		len(q.Statuses) == 0 && len(q.Tiers) == 0
}

// DiscoveryResult is what discovery returns to protocol adapters.
type DiscoveryResult struct {
	Agents      []*AgentRecord `json:"agents"`
	TotalFound  int            `json:"total_found"`
	QueryTimeMs float64        `json:"query_time_ms"`
	CacheHit    bool           `json:"cache_hit"`

	// Regions lists the region IDs that contributed results; RegionErrors
	// records regions that failed or timed out during fan-out.
	Regions      []string          `json:"regions,omitempty"`
	RegionErrors map[string]string `json:"region_errors,omitempty"`
}

// HealthReport summarizes engine health for external reporting. Advisory
// only; nothing internal acts on it.
type HealthReport struct {
	Status          AgentStatus `json:"status"`
	AvgQueryTimeMs  float64     `json:"avg_query_time_ms"`
	CacheHitRate    float64     `json:"cache_hit_rate"`
	RegisteredCount int         `json:"registered_count"`
}

// EngineMetrics is the rolled-up metrics snapshot exposed by the engine.
type EngineMetrics struct {
	TotalQueries      int64   `json:"total_queries"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMs float64 `json:"p95_response_time_ms"`
	P99ResponseTimeMs float64 `json:"p99_response_time_ms"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	IndexedTokens     int     `json:"indexed_tokens"`
	MemoryEstimateKB  int64   `json:"memory_estimate_kb"`
}
