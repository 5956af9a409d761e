package registry

import (
	"github.com/itsneelabh/meshindex/core"
)

// AgentPatch is a partial descriptor for updates. Nil pointer fields and
// nil slices leave the current value untouched; non-nil values replace it
// wholesale. There is no way to clear a required field through a patch,
// which keeps the record valid by construction.
type AgentPatch struct {
	Name     *string           `json:"name,omitempty"`
	Version  *string           `json:"version,omitempty"`
	Endpoint *string           `json:"endpoint,omitempty"`
	Status   *core.AgentStatus `json:"status,omitempty"`

	PrimaryCapabilities   []string `json:"primary_capabilities,omitempty"`
	SecondaryCapabilities []string `json:"secondary_capabilities,omitempty"`
	Domains               []string `json:"domains,omitempty"`
	Protocols             []string `json:"protocols,omitempty"`

	Endpoints   map[string]string        `json:"endpoints,omitempty"`
	Performance *core.PerformanceMetrics `json:"performance,omitempty"`
	Compliance  *core.ComplianceInfo     `json:"compliance,omitempty"`
}

// applyTo merges the patch over a copy of the current record.
func (p *AgentPatch) applyTo(current *core.AgentRecord) *core.AgentRecord {
	updated := *current
	if p == nil {
		return &updated
	}
	if p.Name != nil {
		updated.Name = *p.Name
	}
	if p.Version != nil {
		updated.Version = *p.Version
	}
	if p.Endpoint != nil {
		updated.Endpoint = *p.Endpoint
	}
	if p.Status != nil {
		updated.Status = *p.Status
	}
	if p.PrimaryCapabilities != nil {
		updated.PrimaryCapabilities = p.PrimaryCapabilities
	}
	if p.SecondaryCapabilities != nil {
		updated.SecondaryCapabilities = p.SecondaryCapabilities
	}
	if p.Domains != nil {
		updated.Domains = p.Domains
	}
	if p.Protocols != nil {
		updated.Protocols = p.Protocols
	}
	if p.Endpoints != nil {
		updated.Endpoints = p.Endpoints
	}
	if p.Performance != nil {
		updated.Performance = *p.Performance
	}
	if p.Compliance != nil {
		updated.Compliance = p.Compliance
	}
	return &updated
}
