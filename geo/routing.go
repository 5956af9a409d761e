package geo

import (
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/itsneelabh/meshindex/core"
	"github.com/itsneelabh/meshindex/index"
)

// RoutingStrategy selects which regions a discovery query fans out to.
type RoutingStrategy string

const (
	// RouteLocalFirst queries the local region plus nearby healthy regions
	// under the latency threshold.
	RouteLocalFirst RoutingStrategy = "local-first"
	// RouteGlobal queries every region that is not unhealthy.
	RouteGlobal RoutingStrategy = "global"
	// RouteNearest queries the closest regions under the latency
	// threshold, closest first.
	RouteNearest RoutingStrategy = "nearest"
	// RouteBestMatch queries the regions whose indexes contain the most of
	// the requested tokens.
	RouteBestMatch RoutingStrategy = "best-match"
)

// nearestFanout and bestMatchFanout cap how many regions the corresponding
// strategies select.
const (
	nearestFanout   = 3
	bestMatchFanout = 3
)

// selectRegions resolves a routing strategy to a concrete partition list;
// caller holds the manager read lock. Explicit regions bypass strategy and
// health filtering entirely, which is how callers reach a region the
// prober has marked unhealthy.
func (g *Manager) selectRegions(strategy RoutingStrategy, filter index.Filter, explicit []string) []*Partition {
	if len(explicit) > 0 {
		var selected []*Partition
		for _, id := range explicit {
			if p, ok := g.partitions[id]; ok {
				selected = append(selected, p)
			}
		}
		return selected
	}

	local := g.partitions[g.localRegion]

	switch strategy {
	case RouteGlobal:
		var selected []*Partition
		for _, p := range g.partitions {
			if status, _ := p.health(); status != core.StatusUnhealthy {
				selected = append(selected, p)
			}
		}
		sortByLatency(selected)
		return selected

	case RouteNearest:
		selected := g.nearbyRegions(true)
		if len(selected) > nearestFanout {
			selected = selected[:nearestFanout]
		}
		return selected

	case RouteBestMatch:
		type scored struct {
			p     *Partition
			score int
		}
		var candidates []scored
		for _, p := range g.partitions {
			if status, _ := p.health(); status == core.StatusUnhealthy {
				continue
			}
			if s := p.manager.MatchPotential(filter.Capabilities, filter.Domains); s > 0 {
				candidates = append(candidates, scored{p, s})
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].score > candidates[j].score
		})
		if len(candidates) > bestMatchFanout {
			candidates = candidates[:bestMatchFanout]
		}
		selected := make([]*Partition, len(candidates))
		for i, c := range candidates {
			selected[i] = c.p
		}
		// Nothing scored: fall back to the local region so a query never
		// silently targets zero regions.
		if len(selected) == 0 && local != nil {
			selected = append(selected, local)
		}
		return selected

	default: // RouteLocalFirst
		var selected []*Partition
		if local != nil {
			selected = append(selected, local)
		}
		selected = append(selected, g.nearbyRegions(false)...)
		return selected
	}
}

// nearbyRegions lists non-unhealthy regions within the latency threshold,
// closest first. includeLocal controls whether the local region competes on
// latency like any other.
func (g *Manager) nearbyRegions(includeLocal bool) []*Partition {
	threshold := float64(g.geoCfg.LatencyThreshold.Milliseconds())
	var nearby []*Partition
	for id, p := range g.partitions {
		if !includeLocal && id == g.localRegion {
			continue
		}
		status, latency := p.health()
		if status == core.StatusUnhealthy || latency > threshold {
			continue
		}
		nearby = append(nearby, p)
	}
	sortByLatency(nearby)
	return nearby
}

func sortByLatency(partitions []*Partition) {
	sort.SliceStable(partitions, func(i, j int) bool {
		_, li := partitions[i].health()
		_, lj := partitions[j].health()
		if li == lj {
			return partitions[i].ID < partitions[j].ID
		}
		return li < lj
	})
}

// pickRegion chooses the placement target for a new registration; caller
// holds the manager read lock and guarantees at least one partition exists.
func (g *Manager) pickRegion(record *core.AgentRecord) *Partition {
	switch g.geoCfg.PlacementStrategy {
	case "hash":
		ids := make([]string, 0, len(g.partitions))
		for id := range g.partitions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		target := ids[xxhash.Sum64String(record.ID)%uint64(len(ids))]
		return g.partitions[target]

	case "capacity":
		var best *Partition
		for _, p := range g.partitions {
			if best == nil || p.Available() > best.Available() {
				best = p
			}
		}
		return best

	case "latency":
		var best *Partition
		var bestLatency float64
		for _, p := range g.partitions {
			status, latency := p.health()
			if status == core.StatusUnhealthy {
				continue
			}
			if best == nil || latency < bestLatency {
				best, bestLatency = p, latency
			}
		}
		if best == nil {
			best = g.partitions[g.localRegion]
		}
		return best

	default: // "geographic": closest to the local region with capacity
		local := g.partitions[g.localRegion]
		if local != nil && local.Available() > 0 {
			return local
		}
		var best *Partition
		var bestDist float64
		for _, p := range g.partitions {
			if p == local || p.Available() == 0 {
				continue
			}
			d := regionDistance(local, p)
			if best == nil || d < bestDist {
				best, bestDist = p, d
			}
		}
		if best == nil {
			return local
		}
		return best
	}
}

// regionDistance is the haversine distance in kilometers between two
// regions' declared coordinates.
func regionDistance(a, b *Partition) float64 {
	if a == nil || b == nil {
		return math.MaxFloat64
	}
	const earthRadiusKm = 6371.0
	lat1 := a.opts.Latitude * math.Pi / 180
	lat2 := b.opts.Latitude * math.Pi / 180
	dLat := (b.opts.Latitude - a.opts.Latitude) * math.Pi / 180
	dLon := (b.opts.Longitude - a.opts.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
