package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeWorkers acknowledges every injected barrier from a goroutine, except
// for actors on silent nodes
type fakeWorkers struct {
	m  *Manager
	wg sync.WaitGroup

	mu       sync.Mutex
	silent   map[uint64]bool
	ssts     map[epoch.Epoch][]hummock.SstableInfo
	created  map[uint64][]uint64
	dropped  map[uint64][]uint64
	injected []InjectRequest
	onInject func(nodeID uint64, req InjectRequest)
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		silent:  make(map[uint64]bool),
		ssts:    make(map[epoch.Epoch][]hummock.SstableInfo),
		created: make(map[uint64][]uint64),
		dropped: make(map[uint64][]uint64),
	}
}

func (w *fakeWorkers) InjectBarrier(ctx context.Context, nodeID uint64, req InjectRequest) error {
	w.mu.Lock()
	w.injected = append(w.injected, req)
	hook := w.onInject
	w.mu.Unlock()
	if hook != nil {
		hook(nodeID, req)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.mu.Lock()
		silent := make(map[uint64]bool, len(w.silent))
		for n := range w.silent {
			silent[n] = true
		}
		ssts := w.ssts[req.Barrier.Epoch]
		w.mu.Unlock()

		for actorID, node := range w.m.Pending() {
			if silent[node] {
				continue
			}
			w.m.Collect(Report{Epoch: req.Barrier.Epoch, ActorID: actorID, NodeID: node, SSTs: ssts})
		}
	}()
	return nil
}

func (w *fakeWorkers) CreateActors(ctx context.Context, nodeID uint64, actors []fragment.Actor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range actors {
		w.created[nodeID] = append(w.created[nodeID], a.ID)
	}
	return nil
}

func (w *fakeWorkers) DropActors(ctx context.Context, nodeID uint64, actorIDs []uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped[nodeID] = append(w.dropped[nodeID], actorIDs...)
	return nil
}

func (w *fakeWorkers) silence(nodeID uint64) {
	w.mu.Lock()
	w.silent[nodeID] = true
	w.mu.Unlock()
}

func (w *fakeWorkers) setHook(fn func(nodeID uint64, req InjectRequest)) {
	w.mu.Lock()
	w.onInject = fn
	w.mu.Unlock()
}

func (w *fakeWorkers) droppedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ids := range w.dropped {
		n += len(ids)
	}
	return n
}

// verifyNoLeaks runs after every other cleanup of the test
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
}

type harness struct {
	ctx       context.Context
	store     *metastore.MemoryStore
	hub       *notify.Hub
	cluster   *cluster.Manager
	scheduler *fragment.Scheduler
	catalog   *catalog.Manager
	hummock   *hummock.Manager
	users     *user.Manager
	workers   *fakeWorkers
	m         *Manager
	nodes     []cluster.Node
	schema    catalog.Object
}

func testConfig() Config {
	return Config{Interval: time.Hour, CollectTimeout: 2 * time.Second, InjectTimeout: time.Second}
}

func newHarness(t *testing.T, lastCommitted uint64, nodes int, config Config) *harness {
	t.Helper()
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	hub := notify.NewHub(64, 64)
	t.Cleanup(hub.Close)
	ids := id.NewAllocator(store, 16)

	if lastCommitted > 0 {
		_, err := store.Put(ctx, metastore.LastCommittedEpochKey, metastore.EncodeUint64(lastCommitted), metastore.NotExists)
		require.NoError(t, err)
	}

	h := &harness{ctx: ctx, store: store, hub: hub, workers: newFakeWorkers()}
	h.cluster = cluster.NewManager(store, ids, hub, cluster.Config{LeaseTimeout: time.Minute})
	require.NoError(t, h.cluster.Load(ctx))
	for i := 1; i <= nodes; i++ {
		n, err := h.cluster.Register(ctx, cluster.RegisterRequest{
			Address:     fmt.Sprintf("10.0.0.%d:5690", i),
			Role:        cluster.RoleCompute,
			Parallelism: 4,
		})
		require.NoError(t, err)
		n, err = h.cluster.Activate(ctx, n.ID)
		require.NoError(t, err)
		h.nodes = append(h.nodes, n)
	}

	h.scheduler = fragment.NewScheduler(store, ids, h.cluster, fragment.Config{})
	require.NoError(t, h.scheduler.Load(ctx))
	h.catalog = catalog.NewManager(store, ids, hub)
	require.NoError(t, h.catalog.Load(ctx))
	h.hummock = hummock.NewManager(store, ids, hub, hummock.DefaultConfig())
	require.NoError(t, h.hummock.Load(ctx))
	h.users = user.NewManager(store, ids, hub)
	require.NoError(t, h.users.Load(ctx))

	db, err := h.catalog.Create(ctx, catalog.Object{Name: "dev", Kind: catalog.KindDatabase})
	require.NoError(t, err)
	h.schema, err = h.catalog.Create(ctx, catalog.Object{Name: "public", Kind: catalog.KindSchema, ParentID: db.ID})
	require.NoError(t, err)

	h.m = NewManager(Dependencies{
		Store:     store,
		Epochs:    epoch.SequentialGenerator{},
		Workers:   h.workers,
		Cluster:   h.cluster,
		Scheduler: h.scheduler,
		Catalog:   h.catalog,
		Hummock:   h.hummock,
		Users:     h.users,
		Events:    hub,
	}, config)
	h.workers.m = h.m
	require.NoError(t, h.m.Load(ctx))
	t.Cleanup(h.workers.wg.Wait)
	return h
}

// prepareJob reserves a table in the catalog and places its actors
func (h *harness) prepareJob(t *testing.T, name string, parallelism int) (*catalog.Pending, *fragment.Job) {
	t.Helper()
	p, err := h.catalog.PrepareCreate(h.ctx, catalog.Object{Name: name, Kind: catalog.KindTable, ParentID: h.schema.ID})
	require.NoError(t, err)
	job, err := h.scheduler.Plan(h.ctx, p.Object().ID, fragment.LogicalGraph{Nodes: []fragment.LogicalNode{
		{Name: "source", Type: fragment.TypeSource, Parallelism: parallelism},
		{Name: "mview", Type: fragment.TypeMaterialize, Parallelism: parallelism, Inputs: []fragment.LogicalEdge{{From: "source", Exchange: fragment.ExchangeHash}}},
	}})
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Schedule(job))
	return p, job
}

// commitJob creates a job through a checkpoint and returns it
func (h *harness) commitJob(t *testing.T, name string, parallelism int) *fragment.Job {
	t.Helper()
	p, job := h.prepareJob(t, name, parallelism)
	fut := h.m.Submit(CreateJob{Object: p, Job: job})
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	_, err = fut.Get()
	require.NoError(t, err)
	return job
}

func storedEpoch(t *testing.T, store metastore.Store, key string) uint64 {
	t.Helper()
	kv, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	v, err := metastore.DecodeUint64(kv.Value)
	require.NoError(t, err)
	return v
}

func TestCheckpoint_FirstEpochRecovers(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 8, 2, testConfig())

	assert.True(t, h.m.Status().Recovering)
	p, job := h.prepareJob(t, "t1", 2)
	fut := h.m.Submit(CreateJob{Object: p, Job: job})

	e, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(9), e)
	assert.False(t, h.m.Status().Recovering)
	assert.Equal(t, 1, h.m.Status().QueuedMutations)

	// Mutations wait for the epoch after recovery
	_, err = h.catalog.Get(p.Object().ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	e, err = h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	got, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.Equal(t, epoch.Epoch(10), got)
}

func TestCheckpoint_CreateJobCommitsWithEpoch(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 8, 3, testConfig())
	sub, err := h.hub.Subscribe(notify.SubscribeOptions{Topics: []notify.Topic{notify.TopicEpoch}})
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.m.Checkpoint(h.ctx)
	require.NoError(t, err)

	h.workers.mu.Lock()
	h.workers.ssts[10] = []hummock.SstableInfo{
		{ID: 100, KeyRange: hummock.KeyRange{Left: []byte("a"), Right: []byte("m")}, FileSize: 64, MinEpoch: 10, MaxEpoch: 10},
		{ID: 101, KeyRange: hummock.KeyRange{Left: []byte("n"), Right: []byte("z")}, FileSize: 64, MinEpoch: 10, MaxEpoch: 10},
	}
	h.workers.mu.Unlock()
	p, job := h.prepareJob(t, "mv1", 3)
	fut := h.m.Submit(CreateJob{Object: p, Job: job})

	e, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(10), e)
	got, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(10), got)

	obj, err := h.catalog.Get(p.Object().ID)
	require.NoError(t, err)
	assert.Equal(t, "mv1", obj.Name)
	_, err = h.scheduler.Job(job.ID)
	require.NoError(t, err)

	v := h.hummock.CurrentVersion()
	assert.Equal(t, uint64(10), v.MaxCommittedEpoch)
	assert.Len(t, v.Levels[0].Files, 2)

	assert.Equal(t, uint64(10), storedEpoch(t, h.store, metastore.LastCommittedEpochKey))
	assert.Equal(t, uint64(10), storedEpoch(t, h.store, metastore.MaxInjectedEpochKey))

	created := 0
	h.workers.mu.Lock()
	for _, ids := range h.workers.created {
		created += len(ids)
	}
	h.workers.mu.Unlock()
	assert.Equal(t, len(job.Actors), created)

	st := h.m.Status()
	assert.Equal(t, StateCommitted, st.State)
	assert.Equal(t, epoch.Epoch(10), st.LastCommitted)
	assert.Zero(t, st.ConsecutiveFailures)

	var checkpoints []Checkpoint
	timeout := time.After(time.Second)
	for len(checkpoints) < 2 {
		select {
		case ev := <-sub.C():
			if ev.Op != notify.OpUpdate {
				continue
			}
			var cp Checkpoint
			require.NoError(t, ev.Decode(&cp))
			checkpoints = append(checkpoints, cp)
		case <-timeout:
			t.Fatal("missing checkpoint events")
		}
	}
	assert.Equal(t, epoch.Epoch(10), checkpoints[1].Epoch)
	assert.Equal(t, epoch.Epoch(9), checkpoints[1].PrevEpoch)
	assert.Equal(t, KindCreateJob, checkpoints[1].Mutation)
	assert.Equal(t, v.ID, checkpoints[1].VersionID)
}

func TestCheckpoint_MutationInvisibleUntilCommit(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 18, 2, testConfig())
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var seenDuringInject []error
	h.workers.setHook(func(nodeID uint64, req InjectRequest) {
		_, err := h.catalog.GetByName(h.schema.ID, "mv1")
		mu.Lock()
		seenDuringInject = append(seenDuringInject, err)
		mu.Unlock()
	})

	p, job := h.prepareJob(t, "mv1", 2)
	fut := h.m.Submit(CreateJob{Object: p, Job: job})
	_, err = h.m.Checkpoint(h.ctx)
	require.NoError(t, err)

	got, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(20), got)

	mu.Lock()
	require.NotEmpty(t, seenDuringInject)
	for _, err := range seenDuringInject {
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	}
	mu.Unlock()

	obj, err := h.catalog.GetByName(h.schema.ID, "mv1")
	require.NoError(t, err)
	assert.Equal(t, p.Object().ID, obj.ID)

	h.workers.mu.Lock()
	last := h.workers.injected[len(h.workers.injected)-1]
	h.workers.mu.Unlock()
	require.NotNil(t, last.Barrier.Mutation)
	assert.Equal(t, KindCreateJob, last.Barrier.Mutation.Kind)
	assert.Len(t, last.Barrier.Mutation.Added, len(job.Actors))
	assert.Len(t, last.ActorsToCollect, len(job.Actors))
}

func TestCheckpoint_NodeLossRecovers(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 8, 3, testConfig())
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	job := h.commitJob(t, "mv1", 3)

	var victim uint64
	for _, a := range job.Actors {
		victim = a.NodeID
		break
	}
	h.workers.silence(victim)

	var once sync.Once
	h.workers.setHook(func(uint64, InjectRequest) {
		once.Do(func() {
			h.workers.wg.Add(1)
			go func() {
				defer h.workers.wg.Done()
				for h.m.Status().State != StateCollecting {
					time.Sleep(time.Millisecond)
				}
				assert.NoError(t, h.cluster.Deregister(context.Background(), victim))
			}()
		})
	})

	_, err = h.m.Checkpoint(h.ctx)
	var failed *EpochFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, epoch.Epoch(11), failed.Epoch)
	assert.Equal(t, "node_lost", failed.Reason)
	assert.ErrorIs(t, err, cluster.ErrNodeDead)

	st := h.m.Status()
	assert.True(t, st.Recovering)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, epoch.Epoch(10), st.LastCommitted)
	assert.Equal(t, uint64(10), h.hummock.CurrentVersion().MaxCommittedEpoch)

	h.workers.setHook(nil)
	e, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(12), e)

	actors := h.scheduler.Actors()
	assert.Len(t, actors, len(job.Actors))
	for _, a := range actors {
		assert.NotEqual(t, victim, a.NodeID)
	}
	st = h.m.Status()
	assert.False(t, st.Recovering)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, uint64(12), storedEpoch(t, h.store, metastore.LastCommittedEpochKey))
}

func TestCheckpoint_Timeout(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testConfig()
	cfg.CollectTimeout = 50 * time.Millisecond
	h := newHarness(t, 0, 2, cfg)
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	job := h.commitJob(t, "t1", 2)

	for _, a := range job.Actors {
		h.workers.silence(a.NodeID)
		break
	}

	p, next := h.prepareJob(t, "t2", 1)
	fut := h.m.Submit(CreateJob{Object: p, Job: next})
	_, err = h.m.Checkpoint(h.ctx)
	var failed *EpochFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "timeout", failed.Reason)
	assert.ErrorIs(t, err, ErrBarrierTimeout)

	_, err = fut.Get()
	assert.ErrorAs(t, err, &failed)
	_, err = h.catalog.Get(p.Object().ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = h.scheduler.Job(next.ID)
	assert.ErrorIs(t, err, fragment.ErrJobNotFound)
	// Actors created for the failed epoch are torn down
	assert.Equal(t, len(next.Actors), h.workers.droppedCount())
}

func TestCollect_IgnoresStaleAndDuplicateReports(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 0, 1, testConfig())
	assert.False(t, h.m.Collect(Report{Epoch: 1, ActorID: 1, NodeID: 1}))

	c := newCollector(5, map[uint64]uint64{1: 10, 2: 20})
	assert.Equal(t, reportAccepted, c.report(Report{Epoch: 5, ActorID: 1, NodeID: 10, SSTs: []hummock.SstableInfo{{ID: 7}, {ID: 3}}}))
	assert.Equal(t, reportDuplicate, c.report(Report{Epoch: 5, ActorID: 1, NodeID: 10}))
	assert.Equal(t, reportUnexpected, c.report(Report{Epoch: 5, ActorID: 2, NodeID: 10}))
	assert.Equal(t, reportUnexpected, c.report(Report{Epoch: 5, ActorID: 9, NodeID: 10}))
	assert.True(t, c.waitingOn(20))
	assert.False(t, c.waitingOn(10))
	assert.Equal(t, map[uint64]uint64{2: 20}, c.pending())

	assert.Equal(t, reportAccepted, c.report(Report{Epoch: 5, ActorID: 2, NodeID: 20, SSTs: []hummock.SstableInfo{{ID: 3}}}))
	ssts, err := c.wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, ssts, 2)
	assert.Equal(t, uint64(3), ssts[0].ID)
	assert.Equal(t, uint64(7), ssts[1].ID)
	assert.False(t, c.fail(errors.New("late")))
}

func TestCollector_WaitTimeout(t *testing.T) {
	verifyNoLeaks(t)
	c := newCollector(5, map[uint64]uint64{1: 10})
	_, err := c.wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrBarrierTimeout)
	assert.Equal(t, reportStale, c.report(Report{Epoch: 5, ActorID: 1, NodeID: 10}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c = newCollector(6, map[uint64]uint64{1: 10})
	_, err = c.wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	empty := newCollector(7, nil)
	ssts, err := empty.wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, ssts)
}

func TestRun_StopsWhenClusterUnhealthy(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.CollectTimeout = 30 * time.Millisecond
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(t, 0, 2, cfg)
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	job := h.commitJob(t, "t1", 2)
	for _, a := range job.Actors {
		h.workers.silence(a.NodeID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = h.m.Run(ctx, nil)
	assert.ErrorIs(t, err, ErrClusterUnhealthy)
	assert.Equal(t, 2, h.m.Status().ConsecutiveFailures)
}

type fakeLeadership struct {
	done  chan struct{}
	fence metastore.Op
}

func (l *fakeLeadership) Done() <-chan struct{}            { return l.done }
func (l *fakeLeadership) Fence() metastore.Op              { return l.fence }
func (l *fakeLeadership) Resign(ctx context.Context) error { return nil }

func TestRun_FailsQueuedOnExit(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 0, 1, testConfig())

	// A fence that never matches: no write of this term may land
	lead := &fakeLeadership{done: make(chan struct{}), fence: metastore.Check(metastore.LeaderTermKey, 42)}
	close(lead.done)

	p, job := h.prepareJob(t, "t1", 1)
	fut := h.m.Submit(CreateJob{Object: p, Job: job})

	err := h.m.Run(context.Background(), lead)
	require.Error(t, err)
	if !errors.Is(err, ErrLeadershipLost) {
		assert.ErrorIs(t, err, metastore.ErrVersionConflict)
	}

	_, err = fut.Get()
	assert.ErrorIs(t, err, ErrStopped)
	_, err = h.store.Get(h.ctx, metastore.MaxInjectedEpochKey)
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func placements(s *fragment.Scheduler) map[uint64]uint64 {
	out := make(map[uint64]uint64)
	for _, a := range s.Actors() {
		out[a.ID] = a.NodeID
	}
	return out
}

func TestCheckpoint_DropJobReleasesGrantsAtCommit(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 8, 2, testConfig())
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	job := h.commitJob(t, "mv1", 2)

	obj, err := h.catalog.Get(job.ID)
	require.NoError(t, err)
	target := user.Target{Kind: string(obj.Kind), ID: obj.ID}
	other := user.Target{Kind: string(catalog.KindSchema), ID: h.schema.ID}
	_, err = h.users.CreateUser(h.ctx, user.User{Name: "alice", CanLogin: true}, "secret")
	require.NoError(t, err)
	require.NoError(t, h.users.Grant(h.ctx, "alice", []user.Grant{
		{Target: target, Privileges: []user.Privilege{{Action: user.ActionSelect}}},
		{Target: other, Privileges: []user.Privilege{{Action: user.ActionCreate}}},
	}))

	var mu sync.Mutex
	var visible []error
	dropsDuringInject := -1
	h.workers.setHook(func(uint64, InjectRequest) {
		_, err := h.catalog.Get(obj.ID)
		mu.Lock()
		visible = append(visible, err)
		dropsDuringInject = h.workers.droppedCount()
		mu.Unlock()
	})

	p, err := h.catalog.PrepareDrop(obj.ID)
	require.NoError(t, err)
	fut := h.m.Submit(DropJob{Object: p, JobID: job.ID})
	e, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	got, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, e, got)

	mu.Lock()
	require.NotEmpty(t, visible)
	for _, err := range visible {
		assert.NoError(t, err)
	}
	assert.Zero(t, dropsDuringInject)
	mu.Unlock()

	_, err = h.catalog.Get(obj.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = h.scheduler.Job(job.ID)
	assert.ErrorIs(t, err, fragment.ErrJobNotFound)
	assert.Equal(t, len(job.Actors), h.workers.droppedCount())

	alice, err := h.users.GetUser("alice")
	require.NoError(t, err)
	require.Len(t, alice.Grants, 1)
	assert.Equal(t, other, alice.Grants[0].Target)

	// The release was written by the epoch commit itself
	reloaded := user.NewManager(h.store, id.NewAllocator(h.store, 16), nil)
	require.NoError(t, reloaded.Load(h.ctx))
	alice, err = reloaded.GetUser("alice")
	require.NoError(t, err)
	require.Len(t, alice.Grants, 1)
	assert.Equal(t, other, alice.Grants[0].Target)
	assert.Equal(t, uint64(e), storedEpoch(t, h.store, metastore.LastCommittedEpochKey))
}

func TestCheckpoint_ReconfigureMovesActors(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 8, 3, testConfig())
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	job := h.commitJob(t, "mv1", 2)

	var victim uint64
	for _, a := range job.Actors {
		victim = a.NodeID
		break
	}
	diff, err := h.scheduler.Reschedule(h.ctx, fragment.Trigger{Kind: fragment.TriggerDrain, NodeIDs: []uint64{victim}})
	require.NoError(t, err)
	require.NotEmpty(t, diff.Dropped)

	// Placements stay put until the epoch commits
	var mu sync.Mutex
	var during []map[uint64]uint64
	h.workers.setHook(func(uint64, InjectRequest) {
		snap := placements(h.scheduler)
		mu.Lock()
		during = append(during, snap)
		mu.Unlock()
	})
	before := placements(h.scheduler)

	fut := h.m.Submit(Reconfigure{Diff: diff})
	e, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	got, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, e, got)

	mu.Lock()
	require.NotEmpty(t, during)
	for _, snap := range during {
		assert.Equal(t, before, snap)
	}
	mu.Unlock()

	after := placements(h.scheduler)
	assert.Len(t, after, len(job.Actors))
	for actorID, node := range after {
		assert.NotEqual(t, victim, node, "actor %d", actorID)
	}

	h.workers.mu.Lock()
	last := h.workers.injected[len(h.workers.injected)-1]
	dropped := append([]uint64(nil), h.workers.dropped[victim]...)
	h.workers.mu.Unlock()
	require.NotNil(t, last.Barrier.Mutation)
	assert.Equal(t, KindReconfigure, last.Barrier.Mutation.Kind)
	assert.Len(t, last.Barrier.Mutation.Stopped, len(diff.Dropped))
	assert.Len(t, dropped, len(diff.Dropped))

	// The move is durable
	reloaded := fragment.NewScheduler(h.store, id.NewAllocator(h.store, 16), h.cluster, fragment.Config{})
	require.NoError(t, reloaded.Load(h.ctx))
	assert.Equal(t, after, placements(reloaded))
}

func TestCheckpoint_StaleReconfigureRejected(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, 8, 3, testConfig())
	_, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	job := h.commitJob(t, "mv1", 2)

	var victim uint64
	for _, a := range job.Actors {
		victim = a.NodeID
		break
	}
	trigger := fragment.Trigger{Kind: fragment.TriggerDrain, NodeIDs: []uint64{victim}}
	first, err := h.scheduler.Reschedule(h.ctx, trigger)
	require.NoError(t, err)
	second, err := h.scheduler.Reschedule(h.ctx, trigger)
	require.NoError(t, err)

	fut := h.m.Submit(Reconfigure{Diff: first})
	_, err = h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	_, err = fut.Get()
	require.NoError(t, err)

	moved := placements(h.scheduler)
	drops := h.workers.droppedCount()
	committed := h.m.LastCommitted()

	fut = h.m.Submit(Reconfigure{Diff: second})
	e, err := h.m.Checkpoint(h.ctx)
	require.NoError(t, err)
	_, err = fut.Get()
	assert.ErrorIs(t, err, ErrStaleDiff)

	assert.Greater(t, e, committed)
	assert.Equal(t, moved, placements(h.scheduler))
	assert.Equal(t, drops, h.workers.droppedCount())

	h.workers.mu.Lock()
	last := h.workers.injected[len(h.workers.injected)-1]
	h.workers.mu.Unlock()
	assert.Nil(t, last.Barrier.Mutation)
}
