// Package barrier drives checkpoints. Each epoch is injected at source
// actors, collected from every actor, and committed together with the
// storage version and any attached catalog or placement mutation.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/maxpert/flowmeta/user"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBarrierTimeout   = errors.New("barrier: collect timed out")
	ErrClusterUnhealthy = errors.New("barrier: cluster unhealthy")
	ErrStopped          = errors.New("barrier: manager stopped")
	ErrLeadershipLost   = errors.New("barrier: leadership lost")
)

// State is the phase of the in-flight checkpoint
type State string

const (
	StateIdle       State = "idle"
	StateRecovering State = "recovering"
	StateInjecting  State = "injecting"
	StateCollecting State = "collecting"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

// EpochFailedError reports an epoch that was abandoned. Nothing of it was
// applied.
type EpochFailedError struct {
	Epoch  epoch.Epoch
	Reason string
	Err    error
}

func (e *EpochFailedError) Error() string {
	return fmt.Sprintf("barrier: epoch %d failed (%s): %v", e.Epoch, e.Reason, e.Err)
}

func (e *EpochFailedError) Unwrap() error { return e.Err }

// InjectRequest is sent to every node hosting source actors
type InjectRequest struct {
	Barrier         Barrier  `msgpack:"barrier"`
	SourceActorIDs  []uint64 `msgpack:"source_actor_ids"`
	ActorsToCollect []uint64 `msgpack:"actors_to_collect"`
}

// WorkerClient is the control surface of compute nodes. Every call must be
// idempotent.
type WorkerClient interface {
	InjectBarrier(ctx context.Context, nodeID uint64, req InjectRequest) error
	CreateActors(ctx context.Context, nodeID uint64, actors []fragment.Actor) error
	DropActors(ctx context.Context, nodeID uint64, actorIDs []uint64) error
}

// Config controls the checkpoint loop
type Config struct {
	Interval       time.Duration
	CollectTimeout time.Duration
	InjectTimeout  time.Duration
	// MaxConsecutiveFailures stops Run with ErrClusterUnhealthy once exceeded; 0 retries forever
	MaxConsecutiveFailures int
}

// Dependencies are the managers whose changes commit with an epoch
type Dependencies struct {
	Store     metastore.Store
	Epochs    epoch.Generator
	Workers   WorkerClient
	Cluster   *cluster.Manager
	Scheduler *fragment.Scheduler
	Catalog   *catalog.Manager
	Hummock   *hummock.Manager
	Users     *user.Manager
	Events    notify.Publisher
}

// Status is a point-in-time view of the checkpoint loop
type Status struct {
	State               State       `json:"state"`
	LastCommitted       epoch.Epoch `json:"last_committed"`
	MaxInjected         epoch.Epoch `json:"max_injected"`
	InFlight            epoch.Epoch `json:"in_flight,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	PendingActors       int         `json:"pending_actors"`
	QueuedMutations     int         `json:"queued_mutations"`
	Recovering          bool        `json:"recovering"`
}

// Checkpoint is published on the epoch topic for every committed epoch
type Checkpoint struct {
	Epoch     epoch.Epoch  `msgpack:"epoch" json:"epoch"`
	PrevEpoch epoch.Epoch  `msgpack:"prev_epoch" json:"prev_epoch"`
	VersionID uint64       `msgpack:"version_id" json:"version_id"`
	Mutation  MutationKind `msgpack:"mutation,omitempty" json:"mutation,omitempty"`
}

type request struct {
	mutation Mutation
	promise  *future.Promise[epoch.Epoch]
}

// Manager runs one checkpoint at a time
type Manager struct {
	deps   Dependencies
	config Config
	kick   chan struct{}

	// stepMu serializes checkpoints
	stepMu sync.Mutex

	mu               sync.Mutex
	state            State
	lastCommitted    epoch.Epoch
	lastCommittedRev int64
	maxInjected      epoch.Epoch
	maxInjectedRev   int64
	inFlight         epoch.Epoch
	failures         int
	recovering       bool
	deaths           uint64
	lost             map[uint64]bool
	queue            []*request
	collector        *collector
	fence            *metastore.Op
}

// NewManager creates a barrier manager and subscribes it to node deaths.
// Call Load before Run.
func NewManager(deps Dependencies, config Config) *Manager {
	if config.CollectTimeout <= 0 {
		config.CollectTimeout = 10 * time.Second
	}
	if config.InjectTimeout <= 0 {
		config.InjectTimeout = 5 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	m := &Manager{
		deps:   deps,
		config: config,
		kick:   make(chan struct{}, 1),
		state:  StateIdle,
		lost:   make(map[uint64]bool),
	}
	if deps.Cluster != nil {
		deps.Cluster.AddListener(m)
	}
	return m
}

// Load reads the last committed and max injected epochs. The first
// checkpoint after Load runs recovery, since anything past the last
// committed epoch is treated as failed.
func (m *Manager) Load(ctx context.Context) error {
	last, lastRev, err := m.readEpoch(ctx, metastore.LastCommittedEpochKey)
	if err != nil {
		return err
	}
	injected, injectedRev, err := m.readEpoch(ctx, metastore.MaxInjectedEpochKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastCommitted, m.lastCommittedRev = last, lastRev
	m.maxInjected, m.maxInjectedRev = injected, injectedRev
	m.recovering = true
	m.state = StateIdle
	m.mu.Unlock()

	telemetry.CommittedEpoch.Set(float64(last))
	log.Info().Uint64("last_committed", uint64(last)).Uint64("max_injected", uint64(injected)).Msg("Loaded barrier state")
	return nil
}

func (m *Manager) readEpoch(ctx context.Context, key string) (epoch.Epoch, int64, error) {
	kv, err := m.deps.Store.Get(ctx, key)
	if errors.Is(err, metastore.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("barrier: read %s: %w", key, err)
	}
	v, err := metastore.DecodeUint64(kv.Value)
	if err != nil {
		return 0, 0, err
	}
	return epoch.Epoch(v), kv.Version, nil
}

// SetFence makes every write of the manager conditional on op
func (m *Manager) SetFence(op metastore.Op) {
	m.mu.Lock()
	m.fence = &op
	m.mu.Unlock()
}

func (m *Manager) fenced(ops ...metastore.Op) []metastore.Op {
	m.mu.Lock()
	fence := m.fence
	m.mu.Unlock()
	if fence == nil {
		return ops
	}
	return append([]metastore.Op{*fence}, ops...)
}

// Submit queues a mutation for the next epoch and asks for an immediate
// checkpoint. The future resolves with the epoch the mutation committed in,
// or with the *EpochFailedError of the epoch that carried it.
func (m *Manager) Submit(mu Mutation) *future.Future[epoch.Epoch] {
	p := future.NewPromise[epoch.Epoch]()
	m.mu.Lock()
	m.queue = append(m.queue, &request{mutation: mu, promise: p})
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
	return p.Future()
}

func (m *Manager) takeRequest() *request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	req := m.queue[0]
	m.queue = m.queue[1:]
	return req
}

func (m *Manager) failQueued(err error) {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, req := range queued {
		req.promise.Set(0, err)
	}
}

// Run injects checkpoints until ctx ends or leadership is lost. Store
// failures and too many consecutive failed epochs end the loop with an error.
func (m *Manager) Run(ctx context.Context, lead metastore.Leadership) error {
	var lost <-chan struct{}
	if lead != nil {
		m.SetFence(lead.Fence())
		lost = lead.Done()
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	defer m.failQueued(ErrStopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return ErrLeadershipLost
		case <-ticker.C:
		case <-m.kick:
		}

		_, err := m.Checkpoint(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var failed *EpochFailedError
		if !errors.As(err, &failed) {
			return err
		}
		if limit := m.config.MaxConsecutiveFailures; limit > 0 {
			if n := m.Status().ConsecutiveFailures; n > limit {
				return fmt.Errorf("%w: %d consecutive failed epochs, last: %v", ErrClusterUnhealthy, n, err)
			}
		}
	}
}

// Checkpoint runs one epoch to commit or failure. A failed epoch returns an
// *EpochFailedError; any other error comes from the store and is fatal to
// this leadership term.
func (m *Manager) Checkpoint(ctx context.Context) (epoch.Epoch, error) {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()

	start := time.Now()
	m.mu.Lock()
	prev := m.lastCommitted
	base := epoch.Max(m.lastCommitted, m.maxInjected)
	recovering := m.recovering
	deaths := m.deaths
	handled := make([]uint64, 0, len(m.lost))
	for n := range m.lost {
		handled = append(handled, n)
	}
	m.mu.Unlock()

	m.setState(StateInjecting)
	next := m.deps.Epochs.Next(base)
	if err := m.persistMaxInjected(ctx, next); err != nil {
		m.setState(StateFailed)
		return 0, fmt.Errorf("barrier: persist max injected epoch %d: %w", next, err)
	}
	m.mu.Lock()
	m.inFlight = next
	m.mu.Unlock()

	var recovery *plan
	if recovering {
		m.setState(StateRecovering)
		diff, err := m.recover(ctx)
		if err != nil {
			return 0, m.fail(next, "recovery", err, nil, nil)
		}
		if !diff.Empty() {
			recovery = m.planDiff(diff)
			recovery.diff = diff
		}
		m.setState(StateInjecting)
	}

	// Mutations wait until the topology has been rebuilt
	var req *request
	var mp *plan
	if !recovering {
		if req = m.takeRequest(); req != nil {
			var err error
			if mp, err = m.planMutation(req.mutation); err != nil {
				req.promise.Set(0, err)
				req, mp = nil, nil
			}
		}
	}

	expected, sources := m.topology(recovery, mp)
	if mp != nil && len(mp.create) > 0 {
		if err := m.createActors(ctx, mp.create); err != nil {
			return 0, m.fail(next, "create_actors", err, req, mp)
		}
	}

	c := newCollector(next, expected)
	m.mu.Lock()
	m.collector = c
	for _, node := range expected {
		if m.lost[node] {
			c.fail(&EpochFailedError{Epoch: next, Reason: "node_lost", Err: fmt.Errorf("%w: node %d", cluster.ErrNodeDead, node)})
			break
		}
	}
	m.mu.Unlock()
	telemetry.InFlightActors.Set(float64(len(expected)))

	b := Barrier{Epoch: next, PrevEpoch: prev}
	if mp != nil {
		b.Mutation = mp.info
	} else if recovery != nil {
		b.Mutation = recovery.info
	}
	injectStart := time.Now()
	if err := m.inject(ctx, b, expected, sources); err != nil {
		return 0, m.fail(next, "inject", err, req, mp)
	}
	telemetry.BarrierPhaseSeconds.With("inject").Observe(time.Since(injectStart).Seconds())

	m.setState(StateCollecting)
	collectStart := time.Now()
	ssts, err := c.wait(ctx, m.config.CollectTimeout)
	if err != nil {
		reason := "collect"
		var failed *EpochFailedError
		switch {
		case errors.As(err, &failed):
			reason = failed.Reason
		case errors.Is(err, ErrBarrierTimeout):
			reason = "timeout"
		}
		return 0, m.fail(next, reason, err, req, mp)
	}
	telemetry.BarrierPhaseSeconds.With("collect").Observe(time.Since(collectStart).Seconds())

	m.setState(StateCommitting)
	commitStart := time.Now()
	staged, err := m.stage(next, ssts, recovery, req)
	if err != nil {
		return 0, m.fail(next, "stage", err, req, mp)
	}
	rev, err := metastore.Commit(ctx, m.deps.Store, staged...)
	if err != nil {
		m.mu.Lock()
		m.recovering = true
		m.collector = nil
		m.state = StateFailed
		m.mu.Unlock()
		m.resolve(req, 0, err)
		return 0, fmt.Errorf("barrier: commit epoch %d: %w", next, err)
	}
	telemetry.BarrierPhaseSeconds.With("commit").Observe(time.Since(commitStart).Seconds())

	m.mu.Lock()
	m.lastCommitted = next
	m.lastCommittedRev = rev
	m.failures = 0
	m.collector = nil
	m.inFlight = 0
	m.state = StateCommitted
	if recovering && m.deaths == deaths {
		m.recovering = false
	}
	if recovering {
		for _, n := range handled {
			delete(m.lost, n)
		}
	}
	m.mu.Unlock()

	m.resolve(req, next, nil)
	m.dropActors(recovery, mp)
	m.publish(prev, next, req)

	telemetry.CommittedEpoch.Set(float64(next))
	telemetry.BarriersTotal.With("committed").Inc()
	telemetry.BarrierLatencySeconds.Observe(time.Since(start).Seconds())
	telemetry.ConsecutiveBarrierFailures.Set(0)
	telemetry.InFlightActors.Set(0)

	ev := log.Debug().Uint64("epoch", uint64(next)).Int("actors", len(expected)).Int("ssts", len(ssts))
	if req != nil {
		ev = ev.Str("mutation", string(req.mutation.Kind()))
	}
	ev.Bool("recovery", recovering).Msg("Epoch committed")
	return next, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) persistMaxInjected(ctx context.Context, e epoch.Epoch) error {
	m.mu.Lock()
	expected := m.maxInjectedRev
	m.mu.Unlock()
	if expected == 0 {
		expected = metastore.NotExists
	}

	rev, err := m.deps.Store.Txn(ctx, m.fenced(metastore.Put(metastore.MaxInjectedEpochKey, metastore.EncodeUint64(uint64(e)), expected)))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.maxInjected = e
	m.maxInjectedRev = rev
	m.mu.Unlock()
	return nil
}

// recover moves actors off lost and draining nodes and recreates every actor
// on the node it lives on afterwards
func (m *Manager) recover(ctx context.Context) (*fragment.Diff, error) {
	m.mu.Lock()
	lost := make(map[uint64]bool, len(m.lost))
	for n := range m.lost {
		lost[n] = true
	}
	m.mu.Unlock()

	moving := make(map[uint64]bool)
	allDraining := true
	for _, a := range m.deps.Scheduler.Actors() {
		if moving[a.NodeID] {
			continue
		}
		if lost[a.NodeID] {
			moving[a.NodeID] = true
			allDraining = false
			continue
		}
		n, err := m.deps.Cluster.GetNode(a.NodeID)
		switch {
		case err != nil || n.State == cluster.StateDead:
			moving[a.NodeID] = true
			allDraining = false
		case n.State == cluster.StateDraining:
			moving[a.NodeID] = true
		}
	}

	var diff *fragment.Diff
	if len(moving) > 0 {
		nodes := make([]uint64, 0, len(moving))
		for n := range moving {
			nodes = append(nodes, n)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

		kind := fragment.TriggerNodeLoss
		if allDraining {
			kind = fragment.TriggerDrain
		}
		var err error
		diff, err = m.deps.Scheduler.Reschedule(ctx, fragment.Trigger{Kind: kind, NodeIDs: nodes})
		if err != nil {
			return nil, err
		}
		log.Info().Uints64("nodes", nodes).Int("moved", len(diff.Created)).Msg("Rescheduled actors for recovery")
	}

	jobs := m.deps.Scheduler.Jobs()
	if diff != nil {
		jobs = overlay(jobs, diff.Jobs)
	}
	var actors []fragment.Actor
	for _, job := range jobs {
		actors = append(actors, job.ActorList()...)
	}
	if err := m.createActors(ctx, actors); err != nil {
		return nil, err
	}
	return diff, nil
}

func overlay(committed []*fragment.Job, replaced []*fragment.Job) []*fragment.Job {
	byID := make(map[uint64]*fragment.Job, len(committed)+len(replaced))
	for _, j := range committed {
		byID[j.ID] = j
	}
	for _, j := range replaced {
		byID[j.ID] = j
	}
	out := make([]*fragment.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// topology returns the actors expected to report this epoch and the source
// actors per node
func (m *Manager) topology(recovery, mp *plan) (map[uint64]uint64, map[uint64][]uint64) {
	jobs := m.deps.Scheduler.Jobs()
	for _, p := range []*plan{recovery, mp} {
		if p != nil {
			jobs = overlay(jobs, p.overlay)
		}
	}

	expected := make(map[uint64]uint64)
	sources := make(map[uint64][]uint64)
	for _, job := range jobs {
		for _, a := range job.Actors {
			expected[a.ID] = a.NodeID
		}
		for _, a := range job.SourceActors() {
			sources[a.NodeID] = append(sources[a.NodeID], a.ID)
		}
	}
	// Actors being torn down still run this epoch if their node is alive
	if mp != nil {
		for _, a := range mp.drop {
			if _, ok := expected[a.ID]; !ok && m.deps.Cluster.Alive(a.NodeID) {
				expected[a.ID] = a.NodeID
			}
		}
	}
	for n := range sources {
		sort.Slice(sources[n], func(i, j int) bool { return sources[n][i] < sources[n][j] })
	}
	return expected, sources
}

func byNode(actors []fragment.Actor) map[uint64][]fragment.Actor {
	out := make(map[uint64][]fragment.Actor)
	for _, a := range actors {
		out[a.NodeID] = append(out[a.NodeID], a)
	}
	return out
}

func (m *Manager) createActors(ctx context.Context, actors []fragment.Actor) error {
	if len(actors) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, m.config.InjectTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(cctx)
	for node, list := range byNode(actors) {
		g.Go(func() error {
			if err := m.deps.Workers.CreateActors(gctx, node, list); err != nil {
				return fmt.Errorf("create %d actors on node %d: %w", len(list), node, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) inject(ctx context.Context, b Barrier, expected map[uint64]uint64, sources map[uint64][]uint64) error {
	collect := make([]uint64, 0, len(expected))
	for actorID := range expected {
		collect = append(collect, actorID)
	}
	sort.Slice(collect, func(i, j int) bool { return collect[i] < collect[j] })

	ictx, cancel := context.WithTimeout(ctx, m.config.InjectTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ictx)
	for node, actorIDs := range sources {
		g.Go(func() error {
			req := InjectRequest{Barrier: b, SourceActorIDs: actorIDs, ActorsToCollect: collect}
			if err := m.deps.Workers.InjectBarrier(gctx, node, req); err != nil {
				return fmt.Errorf("inject epoch %d on node %d: %w", b.Epoch, node, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// stage collects every write of the epoch. On error nothing stays staged.
func (m *Manager) stage(next epoch.Epoch, ssts []hummock.SstableInfo, recovery *plan, req *request) ([]*metastore.Staged, error) {
	m.mu.Lock()
	lastRev := m.lastCommittedRev
	m.mu.Unlock()
	if lastRev == 0 {
		lastRev = metastore.NotExists
	}

	staged := []*metastore.Staged{{
		Ops: m.fenced(metastore.Put(metastore.LastCommittedEpochKey, metastore.EncodeUint64(uint64(next)), lastRev)),
	}}

	versionStaged, err := m.deps.Hummock.StageCommitEpoch(uint64(next), ssts)
	if err != nil {
		return nil, err
	}
	staged = append(staged, versionStaged)

	if recovery != nil {
		st, err := m.deps.Scheduler.StageApply(recovery.diff)
		if err != nil {
			metastore.Abort(staged...)
			return nil, err
		}
		staged = append(staged, st)
	}

	if req != nil {
		more, err := m.stageMutation(req.mutation)
		if err != nil {
			metastore.Abort(staged...)
			return nil, err
		}
		staged = append(staged, more...)
	}
	return staged, nil
}

// fail abandons an epoch. Actors created for it are dropped and the next
// epoch starts with recovery.
func (m *Manager) fail(e epoch.Epoch, reason string, err error, req *request, mp *plan) error {
	var failed *EpochFailedError
	if !errors.As(err, &failed) || failed.Epoch != e {
		failed = &EpochFailedError{Epoch: e, Reason: reason, Err: err}
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.recovering = true
	m.collector = nil
	m.inFlight = 0
	m.state = StateFailed
	m.mu.Unlock()

	if mp != nil && len(mp.create) > 0 {
		m.dropOnWorkers(mp.create)
	}
	m.resolve(req, 0, failed)

	telemetry.BarriersTotal.With("failed").Inc()
	telemetry.BarrierFailuresTotal.With(failed.Reason).Inc()
	telemetry.ConsecutiveBarrierFailures.Set(float64(failures))
	telemetry.InFlightActors.Set(0)
	log.Warn().
		Err(failed.Err).
		Uint64("epoch", uint64(e)).
		Str("reason", failed.Reason).
		Int("consecutive_failures", failures).
		Msg("Epoch failed")
	return failed
}

func (m *Manager) resolve(req *request, e epoch.Epoch, err error) {
	if req != nil {
		req.promise.Set(e, err)
	}
}

func (m *Manager) dropActors(plans ...*plan) {
	var actors []fragment.Actor
	for _, p := range plans {
		if p != nil {
			actors = append(actors, p.drop...)
		}
	}
	m.dropOnWorkers(actors)
}

// dropOnWorkers tears actors down on live nodes. Failures are logged only;
// recovery recreates the topology from scratch anyway.
func (m *Manager) dropOnWorkers(actors []fragment.Actor) {
	if len(actors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.InjectTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for node, list := range byNode(actors) {
		if !m.deps.Cluster.Alive(node) {
			continue
		}
		ids := make([]uint64, len(list))
		for i, a := range list {
			ids[i] = a.ID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.deps.Workers.DropActors(ctx, node, ids); err != nil {
				log.Warn().Err(err).Uint64("node", node).Int("actors", len(ids)).Msg("Failed to drop actors")
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) publish(prev, next epoch.Epoch, req *request) {
	if m.deps.Events == nil {
		return
	}
	cp := Checkpoint{Epoch: next, PrevEpoch: prev, VersionID: m.deps.Hummock.CurrentVersion().ID}
	if req != nil {
		cp.Mutation = req.mutation.Kind()
	}
	if _, err := m.deps.Events.Publish(notify.TopicEpoch, notify.OpUpdate, "checkpoint", strconv.FormatUint(uint64(next), 10), cp); err != nil {
		log.Warn().Err(err).Uint64("epoch", uint64(next)).Msg("Failed to publish checkpoint")
	}
}

// Collect records an actor's report. Reports for other epochs and repeated
// reports are ignored. It returns whether the report counted.
func (m *Manager) Collect(r Report) bool {
	m.mu.Lock()
	c := m.collector
	m.mu.Unlock()

	result := reportStale
	if c != nil && c.epoch == r.Epoch {
		result = c.report(r)
	}
	telemetry.CollectReportsTotal.With(result).Inc()
	return result == reportAccepted
}

// OnNodeDead fails the in-flight epoch when the node still owes reports
// and schedules recovery for its actors
func (m *Manager) OnNodeDead(node cluster.Node) {
	hosts := len(m.deps.Scheduler.ActorsOn(node.ID)) > 0

	m.mu.Lock()
	m.lost[node.ID] = true
	if hosts {
		m.recovering = true
		m.deaths++
	}
	c := m.collector
	inFlight := m.inFlight
	m.mu.Unlock()

	if c != nil && c.waitingOn(node.ID) {
		c.fail(&EpochFailedError{
			Epoch:  inFlight,
			Reason: "node_lost",
			Err:    fmt.Errorf("%w: node %d", cluster.ErrNodeDead, node.ID),
		})
	}
}

// Status returns the current checkpoint state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:               m.state,
		LastCommitted:       m.lastCommitted,
		MaxInjected:         m.maxInjected,
		InFlight:            m.inFlight,
		ConsecutiveFailures: m.failures,
		QueuedMutations:     len(m.queue),
		Recovering:          m.recovering,
	}
	if m.collector != nil {
		s.PendingActors = len(m.collector.pending())
	}
	return s
}

// Pending returns the actors of the in-flight epoch that have not reported,
// with their nodes
func (m *Manager) Pending() map[uint64]uint64 {
	m.mu.Lock()
	c := m.collector
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.pending()
}

// LastCommitted returns the last committed epoch
func (m *Manager) LastCommitted() epoch.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommitted
}
