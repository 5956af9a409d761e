package index

import (
	"time"

	"github.com/itsneelabh/meshindex/core"
)

// Snapshot is the flat serializable form of one manager's state, used for
// warm restarts. Only records and scores are persisted; postings and the
// pre-filter are derived data and are rebuilt on restore so the filter's
// false-positive target stays intact.
type Snapshot struct {
	TakenAt time.Time           `json:"taken_at"`
	Region  string              `json:"region,omitempty"`
	Records []*core.AgentRecord `json:"records"`
	Scores  map[string]float64  `json:"scores"`
}

// Snapshot captures the current state.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		TakenAt: time.Now(),
		Region:  m.region,
		Records: make([]*core.AgentRecord, 0, len(m.records)),
		Scores:  make(map[string]float64, len(m.scores)),
	}
	for _, record := range m.records {
		cp := *record
		snap.Records = append(snap.Records, &cp)
	}
	for id, score := range m.scores {
		snap.Scores[id] = score
	}
	return snap
}

// Restore replaces the manager's state with the snapshot's records,
// reindexing each one. A nil snapshot is a cold start and leaves the
// manager empty.
func (m *Manager) Restore(snap *Snapshot) {
	m.mu.Lock()
	m.records = make(map[string]*core.AgentRecord)
	m.capabilities.Clear()
	m.domains.Clear()
	m.protocols.Clear()
	m.prefilter.Reset()
	m.scores = make(map[string]float64)
	m.cache.Invalidate()
	m.mu.Unlock()

	if snap == nil {
		return
	}
	for _, record := range snap.Records {
		m.Index(record)
	}
}
