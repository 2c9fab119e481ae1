package fragment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

// Config controls placement
type Config struct {
	SkewTolerance      int
	MaxActorsPerNode   int
	DefaultParallelism int
}

// NodeSource lists the nodes new actors may be placed on
type NodeSource interface {
	Schedulable() []cluster.Node
}

// TriggerKind says why a reschedule happens
type TriggerKind string

const (
	TriggerNodeLoss TriggerKind = "node_loss"
	TriggerDrain    TriggerKind = "drain"
	TriggerScale    TriggerKind = "scale"
)

// Trigger describes a reschedule request. NodeIDs is used by node loss and
// drain, FragmentID and Parallelism by scale.
type Trigger struct {
	Kind        TriggerKind
	NodeIDs     []uint64
	FragmentID  uint64
	Parallelism int
}

// Diff is an incremental placement change. Jobs holds the complete new
// graphs; the actor lists tell workers what to build and tear down.
type Diff struct {
	Jobs    []*Job  `msgpack:"jobs"`
	Created []Actor `msgpack:"created"`
	Updated []Actor `msgpack:"updated"`
	Dropped []Actor `msgpack:"dropped"`
}

// Empty reports whether the diff changes nothing
func (d *Diff) Empty() bool {
	return d == nil || len(d.Jobs) == 0
}

type jobEntry struct {
	job *Job
	rev int64
}

// Scheduler owns fragment graphs and actor placement
type Scheduler struct {
	store  metastore.Store
	ids    id.Generator
	nodes  NodeSource
	config Config

	mu      sync.RWMutex
	jobs    map[uint64]*jobEntry
	pending map[uint64]*Job
}

// NewScheduler creates a scheduler. Call Load before use.
func NewScheduler(store metastore.Store, ids id.Generator, nodes NodeSource, config Config) *Scheduler {
	return &Scheduler{
		store:   store,
		ids:     ids,
		nodes:   nodes,
		config:  config,
		jobs:    make(map[uint64]*jobEntry),
		pending: make(map[uint64]*Job),
	}
}

// Load reads every job graph from the store
func (s *Scheduler) Load(ctx context.Context) error {
	kvs, err := s.store.List(ctx, metastore.FragmentJobsPrefix)
	if err != nil {
		return fmt.Errorf("fragment: load: %w", err)
	}
	jobs := make(map[uint64]*jobEntry, len(kvs))
	for _, kv := range kvs {
		job := &Job{}
		if err := encoding.Unmarshal(kv.Value, job); err != nil {
			return fmt.Errorf("fragment: decode %s: %w", kv.Key, err)
		}
		job.reindex()
		jobs[job.ID] = &jobEntry{job: job, rev: kv.Version}
	}

	s.mu.Lock()
	s.jobs = jobs
	s.pending = make(map[uint64]*Job)
	s.mu.Unlock()

	s.updateMetrics()
	log.Info().Int("jobs", len(jobs)).Msg("Loaded fragment graphs")
	return nil
}

// Plan turns a logical graph into fragments and unplaced actors
func (s *Scheduler) Plan(ctx context.Context, jobID uint64, graph LogicalGraph) (*Job, error) {
	if len(graph.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty graph", ErrInvalidGraph)
	}

	byName := make(map[string]int, len(graph.Nodes))
	for i, n := range graph.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("%w: fragment %d has no name", ErrInvalidGraph, i)
		}
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate fragment %q", ErrInvalidGraph, n.Name)
		}
		switch n.Type {
		case TypeSource, TypeCompute, TypeMaterialize, TypeSink:
		default:
			return nil, fmt.Errorf("%w: fragment %q has unknown type %q", ErrInvalidGraph, n.Name, n.Type)
		}
		byName[n.Name] = i
	}

	firstFragment, err := s.ids.NextN(ctx, id.Fragment, uint64(len(graph.Nodes)))
	if err != nil {
		return nil, err
	}

	job := &Job{ID: jobID, Fragments: make([]Fragment, len(graph.Nodes)), Actors: make(map[uint64]*Actor)}
	for i, n := range graph.Nodes {
		f := Fragment{ID: firstFragment + uint64(i), JobID: jobID, Name: n.Name, Type: n.Type, Exclusive: n.Exclusive}
		for _, in := range n.Inputs {
			up, ok := byName[in.From]
			if !ok {
				return nil, fmt.Errorf("%w: fragment %q reads unknown fragment %q", ErrInvalidGraph, n.Name, in.From)
			}
			switch in.Exchange {
			case ExchangeHash, ExchangeNoShuffle, ExchangeBroadcast, ExchangeSimple:
			default:
				return nil, fmt.Errorf("%w: unknown exchange %q into %q", ErrInvalidGraph, in.Exchange, n.Name)
			}
			f.Upstreams = append(f.Upstreams, Edge{Upstream: firstFragment + uint64(up), Exchange: in.Exchange, Feedback: in.Feedback})
		}
		job.Fragments[i] = f
	}
	job.reindex()

	order, err := topoOrder(job.Fragments)
	if err != nil {
		return nil, err
	}
	if err := validateConnectivity(job.Fragments); err != nil {
		return nil, err
	}

	parallelism, err := s.parallelism(job, graph, order)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, p := range parallelism {
		total += p
	}
	firstActor, err := s.ids.NextN(ctx, id.Actor, uint64(total))
	if err != nil {
		return nil, err
	}

	next := firstActor
	for i := range job.Fragments {
		f := &job.Fragments[i]
		for k := 0; k < parallelism[i]; k++ {
			job.Actors[next] = &Actor{ID: next, FragmentID: f.ID}
			f.ActorIDs = append(f.ActorIDs, next)
			next++
		}
		assignVNodes(job, f)
	}
	linkActors(job)

	log.Debug().Uint64("job", jobID).Int("fragments", len(job.Fragments)).Int("actors", total).Msg("Planned streaming job")
	return job, nil
}

// parallelism resolves the actor count of every fragment. No-shuffle edges
// force equal counts; simple exchanges and singletons force one.
func (s *Scheduler) parallelism(job *Job, graph LogicalGraph, order []int) ([]int, error) {
	def := s.config.DefaultParallelism
	if def <= 0 {
		def = len(s.nodes.Schedulable())
	}
	if def <= 0 {
		def = 1
	}

	pos := make(map[uint64]int, len(job.Fragments))
	for i, f := range job.Fragments {
		pos[f.ID] = i
	}

	out := make([]int, len(job.Fragments))
	for _, i := range order {
		n := graph.Nodes[i]
		p := n.Parallelism
		if p <= 0 {
			p = def
		}
		if n.Singleton {
			p = 1
		}
		forced := 0
		for _, e := range job.Fragments[i].Upstreams {
			switch e.Exchange {
			case ExchangeSimple:
				p = 1
			case ExchangeNoShuffle:
				if e.Feedback {
					continue
				}
				up := out[pos[e.Upstream]]
				if forced != 0 && forced != up {
					return nil, fmt.Errorf("%w: no-shuffle inputs of %q differ in parallelism", ErrInvalidGraph, n.Name)
				}
				forced = up
			}
		}
		if forced != 0 {
			p = forced
		}
		out[i] = p
	}

	for i, f := range job.Fragments {
		for _, e := range f.Upstreams {
			if e.Exchange == ExchangeNoShuffle && out[pos[e.Upstream]] != out[i] {
				return nil, fmt.Errorf("%w: no-shuffle edge into %q joins different parallelism", ErrInvalidGraph, f.Name)
			}
			if e.Exchange == ExchangeSimple && out[i] != 1 {
				return nil, fmt.Errorf("%w: simple exchange into %q needs a singleton", ErrInvalidGraph, f.Name)
			}
		}
	}
	return out, nil
}

func assignVNodes(job *Job, f *Fragment) {
	if len(f.ActorIDs) > 1 {
		f.Distribution = DistributionHash
		for i, bm := range splitVNodes(len(f.ActorIDs)) {
			job.Actors[f.ActorIDs[i]].VNodes = bm
		}
		return
	}
	f.Distribution = DistributionSingle
	for _, actorID := range f.ActorIDs {
		job.Actors[actorID].VNodes = nil
	}
}

// linkActors recomputes actor-level upstreams from fragment edges
func linkActors(job *Job) {
	for i := range job.Fragments {
		f := &job.Fragments[i]
		for k, actorID := range f.ActorIDs {
			a := job.Actors[actorID]
			a.Upstreams = a.Upstreams[:0]
			for _, e := range f.Upstreams {
				up, ok := job.Fragment(e.Upstream)
				if !ok {
					continue
				}
				if e.Exchange == ExchangeNoShuffle {
					if k < len(up.ActorIDs) {
						a.Upstreams = append(a.Upstreams, up.ActorIDs[k])
					}
					continue
				}
				a.Upstreams = append(a.Upstreams, up.ActorIDs...)
			}
		}
	}
}

// Schedule places every actor of a planned job. The job counts towards
// node load until it is committed or discarded. Nothing is written.
func (s *Scheduler) Schedule(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %d already exists", ErrInvalidGraph, job.ID)
	}

	p := newPlacer(s.config, s.nodes.Schedulable(), s.loadLocked(), nil)
	order, err := topoOrder(job.Fragments)
	if err != nil {
		return err
	}
	placed := job.Clone()
	for _, i := range order {
		f := &placed.Fragments[i]
		for _, actorID := range f.ActorIDs {
			if err := p.place(placed, f, placed.Actors[actorID]); err != nil {
				telemetry.SchedulingTotal.With("create", "failed").Inc()
				log.Warn().Err(err).Uint64("job", job.ID).Msg("Scheduling failed")
				return err
			}
		}
	}

	for actorID, a := range placed.Actors {
		job.Actors[actorID].NodeID = a.NodeID
	}
	s.pending[job.ID] = job
	telemetry.SchedulingTotal.With("create", "ok").Inc()
	return nil
}

// Discard forgets a scheduled job that will not be committed
func (s *Scheduler) Discard(jobID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, jobID)
}

// StageCreate returns the ops that persist a scheduled job
func (s *Scheduler) StageCreate(job *Job) (*metastore.Staged, error) {
	data, err := encoding.Marshal(job)
	if err != nil {
		return nil, err
	}
	return &metastore.Staged{
		Ops: []metastore.Op{metastore.Put(metastore.FragmentJobKey(job.ID), data, metastore.NotExists)},
		OnCommit: func(rev int64) {
			s.mu.Lock()
			s.jobs[job.ID] = &jobEntry{job: job, rev: rev}
			delete(s.pending, job.ID)
			s.mu.Unlock()
			s.updateMetrics()
		},
	}, nil
}

// StageDrop returns the ops that delete a job and the job being dropped
func (s *Scheduler) StageDrop(jobID uint64) (*metastore.Staged, *Job, error) {
	s.mu.RLock()
	e, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	return &metastore.Staged{
		Ops: []metastore.Op{metastore.Delete(metastore.FragmentJobKey(jobID), e.rev)},
		OnCommit: func(int64) {
			s.mu.Lock()
			delete(s.jobs, jobID)
			s.mu.Unlock()
			s.updateMetrics()
		},
	}, e.job.Clone(), nil
}

// StageApply returns the ops that persist a reschedule diff
func (s *Scheduler) StageApply(diff *Diff) (*metastore.Staged, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := make([]metastore.Op, 0, len(diff.Jobs))
	for _, job := range diff.Jobs {
		e, ok := s.jobs[job.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, job.ID)
		}
		data, err := encoding.Marshal(job)
		if err != nil {
			return nil, err
		}
		ops = append(ops, metastore.Put(metastore.FragmentJobKey(job.ID), data, e.rev))
	}
	return &metastore.Staged{
		Ops: ops,
		OnCommit: func(rev int64) {
			s.mu.Lock()
			for _, job := range diff.Jobs {
				s.jobs[job.ID] = &jobEntry{job: job, rev: rev}
			}
			s.mu.Unlock()
			s.updateMetrics()
			log.Info().Int("jobs", len(diff.Jobs)).Int("moved", len(diff.Created)).Int("dropped", len(diff.Dropped)).Msg("Applied reschedule")
		},
	}, nil
}

// Reschedule computes a placement diff for a trigger without applying it
func (s *Scheduler) Reschedule(ctx context.Context, trigger Trigger) (*Diff, error) {
	var diff *Diff
	var err error
	switch trigger.Kind {
	case TriggerNodeLoss, TriggerDrain:
		diff, err = s.migrate(trigger.NodeIDs)
	case TriggerScale:
		diff, err = s.scale(ctx, trigger.FragmentID, trigger.Parallelism)
	default:
		return nil, fmt.Errorf("fragment: unknown reschedule trigger %q", trigger.Kind)
	}
	if err != nil {
		telemetry.SchedulingTotal.With(string(trigger.Kind), "failed").Inc()
		return nil, err
	}
	telemetry.SchedulingTotal.With(string(trigger.Kind), "ok").Inc()
	return diff, nil
}

// migrate moves every actor off the given nodes
func (s *Scheduler) migrate(nodeIDs []uint64) (*Diff, error) {
	exclude := make(map[uint64]bool, len(nodeIDs))
	for _, n := range nodeIDs {
		exclude[n] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	load := s.loadLocked()
	for n := range exclude {
		delete(load, n)
	}
	p := newPlacer(s.config, s.nodes.Schedulable(), load, exclude)

	diff := &Diff{}
	for _, jobID := range s.sortedJobIDsLocked() {
		job := s.jobs[jobID].job.Clone()
		order, err := topoOrder(job.Fragments)
		if err != nil {
			return nil, err
		}

		// Clear the lost placements first so partners are not pulled back
		var moving []*Actor
		for _, i := range order {
			for _, actorID := range job.Fragments[i].ActorIDs {
				a := job.Actors[actorID]
				if exclude[a.NodeID] {
					diff.Dropped = append(diff.Dropped, *a)
					a.NodeID = 0
					moving = append(moving, a)
				}
			}
		}
		if len(moving) == 0 {
			continue
		}
		for _, a := range moving {
			f, _ := job.Fragment(a.FragmentID)
			if err := p.place(job, f, a); err != nil {
				return nil, err
			}
			diff.Created = append(diff.Created, *a)
		}
		diff.Jobs = append(diff.Jobs, job)
	}
	return diff, nil
}

// scale changes the parallelism of a fragment and of every fragment joined
// to it by no-shuffle edges
func (s *Scheduler) scale(ctx context.Context, fragmentID uint64, parallelism int) (*Diff, error) {
	if parallelism <= 0 {
		return nil, fmt.Errorf("%w: parallelism must be positive", ErrInvalidGraph)
	}

	s.mu.RLock()
	var job *Job
	for _, e := range s.jobs {
		if _, ok := e.job.Fragment(fragmentID); ok {
			job = e.job.Clone()
			break
		}
	}
	s.mu.RUnlock()
	if job == nil {
		return nil, fmt.Errorf("%w: %d", ErrFragmentNotFound, fragmentID)
	}

	group := noShuffleGroup(job, fragmentID)
	for fid := range group {
		f, _ := job.Fragment(fid)
		for _, e := range f.Upstreams {
			if e.Exchange == ExchangeSimple && parallelism != 1 {
				return nil, fmt.Errorf("%w: fragment %q is a singleton", ErrInvalidGraph, f.Name)
			}
		}
	}

	grow := 0
	for fid := range group {
		f, _ := job.Fragment(fid)
		if parallelism > len(f.ActorIDs) {
			grow += parallelism - len(f.ActorIDs)
		}
	}
	var next uint64
	if grow > 0 {
		first, err := s.ids.NextN(ctx, id.Actor, uint64(grow))
		if err != nil {
			return nil, err
		}
		next = first
	}

	diff := &Diff{}
	var created []*Actor
	fids := make([]uint64, 0, len(group))
	for fid := range group {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	for _, fid := range fids {
		f, _ := job.Fragment(fid)
		for len(f.ActorIDs) > parallelism {
			last := f.ActorIDs[len(f.ActorIDs)-1]
			diff.Dropped = append(diff.Dropped, *job.Actors[last])
			delete(job.Actors, last)
			f.ActorIDs = f.ActorIDs[:len(f.ActorIDs)-1]
		}
		for len(f.ActorIDs) < parallelism {
			a := &Actor{ID: next, FragmentID: f.ID}
			next++
			job.Actors[a.ID] = a
			f.ActorIDs = append(f.ActorIDs, a.ID)
			created = append(created, a)
		}
		assignVNodes(job, f)
	}
	linkActors(job)

	s.mu.RLock()
	p := newPlacer(s.config, s.nodes.Schedulable(), s.loadLocked(), nil)
	s.mu.RUnlock()
	for _, d := range diff.Dropped {
		p.load[d.NodeID]--
	}

	order, err := topoOrder(job.Fragments)
	if err != nil {
		return nil, err
	}
	isNew := make(map[uint64]bool, len(created))
	for _, a := range created {
		isNew[a.ID] = true
	}
	for _, i := range order {
		f := &job.Fragments[i]
		for _, actorID := range f.ActorIDs {
			if !isNew[actorID] {
				continue
			}
			if err := p.place(job, f, job.Actors[actorID]); err != nil {
				return nil, err
			}
			diff.Created = append(diff.Created, *job.Actors[actorID])
		}
	}

	// Survivors get new vnodes or upstream sets
	for _, a := range job.ActorList() {
		if !isNew[a.ID] {
			diff.Updated = append(diff.Updated, a)
		}
	}
	diff.Jobs = []*Job{job}
	log.Info().Uint64("fragment", fragmentID).Int("parallelism", parallelism).Int("fragments", len(group)).Msg("Planned scale")
	return diff, nil
}

// noShuffleGroup returns fragmentID and every fragment transitively joined
// to it by no-shuffle edges
func noShuffleGroup(job *Job, fragmentID uint64) map[uint64]bool {
	group := map[uint64]bool{fragmentID: true}
	for changed := true; changed; {
		changed = false
		for i := range job.Fragments {
			f := &job.Fragments[i]
			for _, e := range f.Upstreams {
				if e.Exchange != ExchangeNoShuffle || group[f.ID] == group[e.Upstream] {
					continue
				}
				group[f.ID] = true
				group[e.Upstream] = true
				changed = true
			}
		}
	}
	return group
}

func (s *Scheduler) loadLocked() map[uint64]int {
	load := make(map[uint64]int)
	for _, e := range s.jobs {
		for _, a := range e.job.Actors {
			load[a.NodeID]++
		}
	}
	for _, job := range s.pending {
		for _, a := range job.Actors {
			if a.NodeID != 0 {
				load[a.NodeID]++
			}
		}
	}
	return load
}

func (s *Scheduler) sortedJobIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(s.jobs))
	for jobID := range s.jobs {
		ids = append(ids, jobID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Job returns a copy of a committed job
func (s *Scheduler) Job(jobID uint64) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	return e.job.Clone(), nil
}

// Jobs returns copies of every committed job ordered by id
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, jobID := range s.sortedJobIDsLocked() {
		out = append(out, s.jobs[jobID].job.Clone())
	}
	return out
}

// Actors returns every committed actor ordered by id
func (s *Scheduler) Actors() []Actor {
	var out []Actor
	for _, job := range s.Jobs() {
		out = append(out, job.ActorList()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SourceNodes returns the nodes hosting source actors, with those actors
func (s *Scheduler) SourceNodes() map[uint64][]uint64 {
	out := make(map[uint64][]uint64)
	for _, job := range s.Jobs() {
		for _, a := range job.SourceActors() {
			out[a.NodeID] = append(out[a.NodeID], a.ID)
		}
	}
	return out
}

// ActorsOn returns committed actors placed on any of nodeIDs
func (s *Scheduler) ActorsOn(nodeIDs ...uint64) []Actor {
	want := make(map[uint64]bool, len(nodeIDs))
	for _, n := range nodeIDs {
		want[n] = true
	}
	var out []Actor
	for _, a := range s.Actors() {
		if want[a.NodeID] {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns every job for the admin surface
func (s *Scheduler) Snapshot() []*Job {
	return s.Jobs()
}

func (s *Scheduler) updateMetrics() {
	s.mu.RLock()
	load := make(map[uint64]int)
	for _, e := range s.jobs {
		for _, a := range e.job.Actors {
			load[a.NodeID]++
		}
	}
	s.mu.RUnlock()
	for nodeID, n := range load {
		telemetry.ScheduledActors.With(strconv.FormatUint(nodeID, 10)).Set(float64(n))
	}
}

// IsSchedulingFailure reports whether err means no placement was possible
func IsSchedulingFailure(err error) bool {
	return errors.Is(err, ErrSchedulingFailed)
}
