// Package fragment turns logical streaming plans into fragments and actors
// and places the actors on compute nodes.
package fragment

import (
	"errors"
	"fmt"
	"sort"
)

// Type is what a fragment does in the job
type Type string

const (
	TypeSource      Type = "source"
	TypeCompute     Type = "compute"
	TypeMaterialize Type = "materialize"
	TypeSink        Type = "sink"
)

// Exchange is how rows move along an edge
type Exchange string

const (
	// ExchangeHash partitions rows by key over the downstream vnodes
	ExchangeHash Exchange = "hash"
	// ExchangeNoShuffle connects actor i upstream to actor i downstream
	ExchangeNoShuffle Exchange = "no_shuffle"
	// ExchangeBroadcast sends every row to every downstream actor
	ExchangeBroadcast Exchange = "broadcast"
	// ExchangeSimple gathers everything into a single downstream actor
	ExchangeSimple Exchange = "simple"
)

// Distribution is how a fragment's state is partitioned
type Distribution string

const (
	DistributionHash   Distribution = "hash"
	DistributionSingle Distribution = "single"
)

var (
	ErrInvalidGraph     = errors.New("fragment: invalid graph")
	ErrSchedulingFailed = errors.New("fragment: scheduling failed")
	ErrJobNotFound      = errors.New("fragment: job not found")
	ErrFragmentNotFound = errors.New("fragment: fragment not found")
)

// LogicalEdge is an input of a logical node
type LogicalEdge struct {
	From     string   `json:"from"`
	Exchange Exchange `json:"exchange"`
	// Feedback edges close a loop and are ignored by cycle checks
	Feedback bool `json:"feedback,omitempty"`
}

// LogicalNode is one stage of a planner-produced streaming plan
type LogicalNode struct {
	Name        string        `json:"name"`
	Type        Type          `json:"type"`
	Parallelism int           `json:"parallelism,omitempty"`
	Exclusive   bool          `json:"exclusive,omitempty"`
	Singleton   bool          `json:"singleton,omitempty"`
	Inputs      []LogicalEdge `json:"inputs,omitempty"`
}

// LogicalGraph is the plan of one streaming job
type LogicalGraph struct {
	Nodes []LogicalNode `json:"nodes"`
}

// Edge links a fragment to one of its upstream fragments
type Edge struct {
	Upstream uint64   `msgpack:"upstream" json:"upstream"`
	Exchange Exchange `msgpack:"exchange" json:"exchange"`
	Feedback bool     `msgpack:"feedback,omitempty" json:"feedback,omitempty"`
}

// Fragment is a logical stage with one actor per degree of parallelism
type Fragment struct {
	ID           uint64       `msgpack:"id" json:"id"`
	JobID        uint64       `msgpack:"job_id" json:"job_id"`
	Name         string       `msgpack:"name" json:"name"`
	Type         Type         `msgpack:"type" json:"type"`
	Distribution Distribution `msgpack:"distribution" json:"distribution"`
	Exclusive    bool         `msgpack:"exclusive,omitempty" json:"exclusive,omitempty"`
	Upstreams    []Edge       `msgpack:"upstreams,omitempty" json:"upstreams,omitempty"`
	ActorIDs     []uint64     `msgpack:"actor_ids" json:"actor_ids"`
}

// Parallelism is the number of actors of the fragment
func (f *Fragment) Parallelism() int { return len(f.ActorIDs) }

// Actor is one parallel instance of a fragment placed on a node
type Actor struct {
	ID         uint64   `msgpack:"id" json:"id"`
	FragmentID uint64   `msgpack:"fragment_id" json:"fragment_id"`
	NodeID     uint64   `msgpack:"node_id" json:"node_id"`
	VNodes     *Bitmap  `msgpack:"vnodes,omitempty" json:"vnodes,omitempty"`
	Upstreams  []uint64 `msgpack:"upstreams,omitempty" json:"upstreams,omitempty"`
}

// Job is the fragment graph of one streaming job, keyed by the id of the
// catalog object it backs.
type Job struct {
	ID        uint64            `msgpack:"id" json:"id"`
	Fragments []Fragment        `msgpack:"fragments" json:"fragments"`
	Actors    map[uint64]*Actor `msgpack:"actors" json:"actors"`
	index     map[uint64]*Fragment
}

// Fragment returns a fragment by id
func (j *Job) Fragment(fragmentID uint64) (*Fragment, bool) {
	if j.index == nil {
		j.reindex()
	}
	f, ok := j.index[fragmentID]
	return f, ok
}

func (j *Job) reindex() {
	j.index = make(map[uint64]*Fragment, len(j.Fragments))
	for i := range j.Fragments {
		j.index[j.Fragments[i].ID] = &j.Fragments[i]
	}
}

// SourceActors returns the actors of source fragments
func (j *Job) SourceActors() []*Actor {
	var out []*Actor
	for i := range j.Fragments {
		if j.Fragments[i].Type != TypeSource {
			continue
		}
		for _, actorID := range j.Fragments[i].ActorIDs {
			out = append(out, j.Actors[actorID])
		}
	}
	return out
}

// ActorList returns every actor ordered by id
func (j *Job) ActorList() []Actor {
	out := make([]Actor, 0, len(j.Actors))
	for _, a := range j.Actors {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Clone deep-copies the job
func (j *Job) Clone() *Job {
	out := &Job{ID: j.ID, Fragments: make([]Fragment, len(j.Fragments)), Actors: make(map[uint64]*Actor, len(j.Actors))}
	for i, f := range j.Fragments {
		f.Upstreams = append([]Edge(nil), f.Upstreams...)
		f.ActorIDs = append([]uint64(nil), f.ActorIDs...)
		out.Fragments[i] = f
	}
	for actorID, a := range j.Actors {
		c := *a
		c.Upstreams = append([]uint64(nil), a.Upstreams...)
		if a.VNodes != nil {
			v := *a.VNodes
			c.VNodes = &v
		}
		out.Actors[actorID] = &c
	}
	out.reindex()
	return out
}

// topoOrder returns fragment indexes so that every non-feedback upstream
// comes before its downstream
func topoOrder(fragments []Fragment) ([]int, error) {
	pos := make(map[uint64]int, len(fragments))
	for i, f := range fragments {
		pos[f.ID] = i
	}

	indegree := make([]int, len(fragments))
	downstream := make([][]int, len(fragments))
	for i, f := range fragments {
		for _, e := range f.Upstreams {
			if e.Feedback {
				continue
			}
			up, ok := pos[e.Upstream]
			if !ok {
				return nil, fmt.Errorf("%w: fragment %q reads unknown fragment %d", ErrInvalidGraph, f.Name, e.Upstream)
			}
			indegree[i]++
			downstream[up] = append(downstream[up], i)
		}
	}

	var queue, order []int
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, d := range downstream[i] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(fragments) {
		return nil, fmt.Errorf("%w: cycle without a feedback edge", ErrInvalidGraph)
	}
	return order, nil
}

// validateConnectivity checks that every fragment is fed by a source and
// feeds a materialize or sink fragment
func validateConnectivity(fragments []Fragment) error {
	pos := make(map[uint64]int, len(fragments))
	for i, f := range fragments {
		pos[f.ID] = i
	}
	down := make([][]int, len(fragments))
	up := make([][]int, len(fragments))
	for i, f := range fragments {
		for _, e := range f.Upstreams {
			u := pos[e.Upstream]
			down[u] = append(down[u], i)
			up[i] = append(up[i], u)
		}
	}

	reach := func(starts func(f *Fragment) bool, next [][]int) []bool {
		seen := make([]bool, len(fragments))
		var stack []int
		for i := range fragments {
			if starts(&fragments[i]) {
				seen[i] = true
				stack = append(stack, i)
			}
		}
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, n := range next[i] {
				if !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
		return seen
	}

	fromSource := reach(func(f *Fragment) bool { return f.Type == TypeSource }, down)
	toSink := reach(func(f *Fragment) bool { return f.Type == TypeMaterialize || f.Type == TypeSink }, up)
	for i, f := range fragments {
		if !fromSource[i] {
			return fmt.Errorf("%w: fragment %q is not reachable from a source", ErrInvalidGraph, f.Name)
		}
		if !toSink[i] {
			return fmt.Errorf("%w: fragment %q does not reach a sink", ErrInvalidGraph, f.Name)
		}
	}
	return nil
}
