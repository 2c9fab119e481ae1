package fragment

import (
	"fmt"
	"sort"

	"github.com/maxpert/flowmeta/cluster"
)

// PlacementError explains why an actor could not be placed
type PlacementError struct {
	JobID      uint64
	FragmentID uint64
	ActorID    uint64
	Reason     string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("fragment: cannot place actor %d of fragment %d (job %d): %s", e.ActorID, e.FragmentID, e.JobID, e.Reason)
}

func (e *PlacementError) Is(target error) bool { return target == ErrSchedulingFailed }

// placer assigns actors to nodes one at a time, tracking load as it goes
type placer struct {
	config  Config
	nodes   []cluster.Node
	load    map[uint64]int
	exclude map[uint64]bool
}

func newPlacer(config Config, nodes []cluster.Node, load map[uint64]int, exclude map[uint64]bool) *placer {
	sorted := append([]cluster.Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	if load == nil {
		load = make(map[uint64]int)
	}
	return &placer{config: config, nodes: sorted, load: load, exclude: exclude}
}

// place picks a node for actor and records it. Preference order: the node
// of a no-shuffle partner, then the node hosting most upstream actors, then
// the least loaded node. Preferences only win while the resulting skew stays
// within tolerance.
func (p *placer) place(job *Job, f *Fragment, actor *Actor) error {
	taken := make(map[uint64]bool)
	if f.Exclusive {
		for _, other := range f.ActorIDs {
			if other == actor.ID {
				continue
			}
			if a := job.Actors[other]; a != nil && a.NodeID != 0 {
				taken[a.NodeID] = true
			}
		}
	}

	var candidates []uint64
	for _, n := range p.nodes {
		if p.exclude[n.ID] || taken[n.ID] {
			continue
		}
		if p.config.MaxActorsPerNode > 0 && p.load[n.ID] >= p.config.MaxActorsPerNode {
			continue
		}
		candidates = append(candidates, n.ID)
	}
	if len(candidates) == 0 {
		reason := "no schedulable compute node"
		switch {
		case len(p.nodes) > 0 && f.Exclusive && len(taken) > 0:
			reason = "exclusive fragment has more actors than eligible nodes"
		case len(p.nodes) > 0 && p.config.MaxActorsPerNode > 0:
			reason = "every node is at max_actors_per_node"
		}
		return &PlacementError{JobID: job.ID, FragmentID: f.ID, ActorID: actor.ID, Reason: reason}
	}

	least := candidates[0]
	for _, c := range candidates[1:] {
		if p.load[c] < p.load[least] {
			least = c
		}
	}

	chosen := least
	for _, pref := range p.preferences(job, f, actor) {
		if !contains(candidates, pref) {
			continue
		}
		if p.load[pref] == p.load[least] || p.load[pref]+1-p.load[least] <= p.config.SkewTolerance {
			chosen = pref
			break
		}
	}

	actor.NodeID = chosen
	p.load[chosen]++
	return nil
}

// preferences lists locality candidates, best first
func (p *placer) preferences(job *Job, f *Fragment, actor *Actor) []uint64 {
	var out []uint64
	idx := indexOf(f.ActorIDs, actor.ID)

	// No-shuffle partners share the index on both sides of the edge
	for _, e := range f.Upstreams {
		if e.Exchange != ExchangeNoShuffle {
			continue
		}
		if up, ok := job.Fragment(e.Upstream); ok && idx >= 0 && idx < len(up.ActorIDs) {
			if a := job.Actors[up.ActorIDs[idx]]; a != nil && a.NodeID != 0 {
				out = append(out, a.NodeID)
			}
		}
	}
	for i := range job.Fragments {
		down := &job.Fragments[i]
		for _, e := range down.Upstreams {
			if e.Upstream != f.ID || e.Exchange != ExchangeNoShuffle || idx < 0 || idx >= len(down.ActorIDs) {
				continue
			}
			if a := job.Actors[down.ActorIDs[idx]]; a != nil && a.NodeID != 0 {
				out = append(out, a.NodeID)
			}
		}
	}

	counts := make(map[uint64]int)
	for _, upID := range actor.Upstreams {
		if a := job.Actors[upID]; a != nil && a.NodeID != 0 {
			counts[a.NodeID]++
		}
	}
	hosts := make([]uint64, 0, len(counts))
	for n := range counts {
		hosts = append(hosts, n)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if counts[hosts[i]] != counts[hosts[j]] {
			return counts[hosts[i]] > counts[hosts[j]]
		}
		return hosts[i] < hosts[j]
	})
	return append(out, hosts...)
}

func indexOf(ids []uint64, v uint64) int {
	for i, x := range ids {
		if x == v {
			return i
		}
	}
	return -1
}

func contains(ids []uint64, v uint64) bool {
	return indexOf(ids, v) >= 0
}
