package meta

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cfg"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/fragment"
	flowgrpc "github.com/maxpert/flowmeta/grpc"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const waitFor = 5 * time.Second

// fakeWorker acknowledges every barrier it receives and can attach one new
// sstable per epoch
type fakeWorker struct {
	node     atomic.Pointer[Node]
	id       atomic.Uint64
	withSsts bool

	mu    sync.Mutex
	tasks []hummock.CompactionTask
}

func (w *fakeWorker) InjectBarrier(ctx context.Context, req *barrier.InjectRequest) (*flowgrpc.Empty, error) {
	t, err := w.node.Load().Current()
	if err != nil {
		return nil, err
	}

	var ssts []hummock.SstableInfo
	if w.withSsts {
		sstID, err := t.Hummock.GetNewSstIDs(ctx, 1)
		if err != nil {
			return nil, err
		}
		e := uint64(req.Barrier.Epoch)
		ssts = []hummock.SstableInfo{{
			ID:       sstID,
			KeyRange: hummock.KeyRange{Left: []byte("a"), Right: []byte("z")},
			FileSize: 1 << 20,
			MinEpoch: e,
			MaxEpoch: e,
		}}
	}

	for actorID, nodeID := range t.Barrier.Pending() {
		t.Barrier.Collect(barrier.Report{Epoch: req.Barrier.Epoch, ActorID: actorID, NodeID: nodeID, SSTs: ssts})
		ssts = nil
	}
	return &flowgrpc.Empty{}, nil
}

func (w *fakeWorker) CreateActors(context.Context, *flowgrpc.CreateActorsRequest) (*flowgrpc.Empty, error) {
	return &flowgrpc.Empty{}, nil
}

func (w *fakeWorker) DropActors(context.Context, *flowgrpc.DropActorsRequest) (*flowgrpc.Empty, error) {
	return &flowgrpc.Empty{}, nil
}

func (w *fakeWorker) AssignCompactionTask(_ context.Context, req *flowgrpc.AssignCompactionTaskRequest) (*flowgrpc.Empty, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks = append(w.tasks, req.Task)
	return &flowgrpc.Empty{}, nil
}

func (w *fakeWorker) ReportCompactionResult(context.Context, *flowgrpc.CompactionResultRequest) (*flowgrpc.Empty, error) {
	return &flowgrpc.Empty{}, nil
}

func (w *fakeWorker) taskCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// fleet serves fake workers over in-memory listeners keyed by address
type fleet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newFleet() *fleet {
	return &fleet{listeners: map[string]*bufconn.Listener{}}
}

func (f *fleet) dial(ctx context.Context, address string) (net.Conn, error) {
	f.mu.Lock()
	l, ok := f.listeners[address]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no worker at %s", address)
	}
	return l.DialContext(ctx)
}

func (f *fleet) serve(t *testing.T, address string, w *fakeWorker) {
	t.Helper()
	l := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	flowgrpc.RegisterWorkerServiceServer(server, w)
	go func() {
		_ = server.Serve(l)
	}()
	t.Cleanup(server.Stop)

	f.mu.Lock()
	f.listeners[address] = l
	f.mu.Unlock()
}

func testConfig() *cfg.Configuration {
	c := cfg.Default()
	c.Cluster.LeaseTimeoutMS = 60000
	c.Cluster.SweepIntervalMS = 50
	c.Barrier.IntervalMS = 10
	c.Barrier.CollectTimeoutMS = 2000
	c.Barrier.InjectTimeoutMS = 1000
	c.Barrier.MaxConsecutiveFailures = 0
	c.Barrier.EpochMode = cfg.EpochSequential
	c.Barrier.DDLTimeoutMS = 5000
	c.Hummock.DispatchIntervalMS = 20
	return c
}

type testNode struct {
	*Node
	cancel context.CancelFunc
	done   chan struct{}
}

// stop ends Run and waits for the term to be released
func (n *testNode) stop() {
	n.cancel()
	<-n.done
}

func startNode(t *testing.T, name string, config *cfg.Configuration, store metastore.Store, f *fleet) *testNode {
	t.Helper()
	hub := notify.NewHub(64, 64)
	t.Cleanup(hub.Close)

	elector := metastore.NewLeaseElector(store, name, 300*time.Millisecond)
	node := NewNode(config, store, elector, hub, flowgrpc.WorkerClientConfig{
		RequestTimeout: time.Second,
		Dialer:         f.dial,
	})

	ctx, cancel := context.WithCancel(context.Background())
	tn := &testNode{Node: node, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(tn.done)
		assert.NoError(t, node.Run(ctx))
	}()
	t.Cleanup(tn.stop)
	return tn
}

func waitLeader(t *testing.T, n *testNode) *Term {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := n.Current()
		return err == nil
	}, waitFor, 10*time.Millisecond)
	term, err := n.Current()
	require.NoError(t, err)
	return term
}

// addWorkers serves and registers running compute nodes
func addWorkers(t *testing.T, n *testNode, f *fleet, count int, withSsts bool) []*fakeWorker {
	t.Helper()
	term := waitLeader(t, n)
	ctx := context.Background()

	var out []*fakeWorker
	for i := 1; i <= count; i++ {
		address := fmt.Sprintf("10.0.2.%d:5691", i)
		w := &fakeWorker{withSsts: withSsts}
		w.node.Store(n.Node)
		f.serve(t, address, w)

		registered, err := term.Cluster.Register(ctx, cluster.RegisterRequest{Address: address, Role: cluster.RoleCompute, Parallelism: 4})
		require.NoError(t, err)
		_, err = term.Cluster.Activate(ctx, registered.ID)
		require.NoError(t, err)
		w.id.Store(registered.ID)
		out = append(out, w)
	}
	return out
}

func testGraph(parallelism int) fragment.LogicalGraph {
	return fragment.LogicalGraph{Nodes: []fragment.LogicalNode{
		{Name: "source", Type: fragment.TypeSource, Parallelism: parallelism},
		{Name: "mview", Type: fragment.TypeMaterialize, Parallelism: parallelism, Inputs: []fragment.LogicalEdge{{From: "source", Exchange: fragment.ExchangeHash}}},
	}}
}

func createSchema(t *testing.T, term *Term) catalog.Object {
	t.Helper()
	ctx := context.Background()
	db, err := term.DDL.Create(ctx, catalog.Object{Name: "dev", Kind: catalog.KindDatabase})
	require.NoError(t, err)
	schema, err := term.DDL.Create(ctx, catalog.Object{Name: "public", Kind: catalog.KindSchema, ParentID: db.ID})
	require.NoError(t, err)
	return schema
}

func TestNode_LeadsAndCommitsEpochs(t *testing.T) {
	f := newFleet()
	n := startNode(t, "meta-1", testConfig(), metastore.NewMemoryStore(), f)

	addWorkers(t, n, f, 2, false)
	term := waitLeader(t, n)
	schema := createSchema(t, term)

	res, err := term.DDL.CreateStreamingJob(context.Background(), catalog.Object{Name: "orders", Kind: catalog.KindTable, ParentID: schema.ID}, testGraph(2))
	require.NoError(t, err)
	assert.NotZero(t, res.Epoch)

	job, err := term.Scheduler.Job(res.Object.ID)
	require.NoError(t, err)
	assert.Len(t, job.Actors, 4)

	require.Eventually(t, func() bool {
		return term.Barrier.LastCommitted() > res.Epoch
	}, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, term.Hummock.CurrentVersion().MaxCommittedEpoch, uint64(res.Epoch))

	svc, err := n.Services()
	require.NoError(t, err)
	assert.Same(t, term.Cluster, svc.Cluster)
	assert.Equal(t, term.Done(), svc.Done)
}

func TestNode_FollowerIsNotLeader(t *testing.T) {
	store := metastore.NewMemoryStore()
	f := newFleet()
	leader := startNode(t, "meta-1", testConfig(), store, f)
	waitLeader(t, leader)

	follower := startNode(t, "meta-2", testConfig(), store, f)
	time.Sleep(100 * time.Millisecond)

	_, err := follower.Current()
	assert.ErrorIs(t, err, ErrNotLeader)
	_, err = follower.Services()
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestNode_Failover(t *testing.T) {
	store := metastore.NewMemoryStore()
	f := newFleet()
	first := startNode(t, "meta-1", testConfig(), store, f)

	var lost atomic.Bool
	first.OnLeadership(func(leader bool) {
		if !leader {
			lost.Store(true)
		}
	})

	workers := addWorkers(t, first, f, 2, true)
	term := waitLeader(t, first)
	schema := createSchema(t, term)
	res, err := term.DDL.CreateStreamingJob(context.Background(), catalog.Object{Name: "orders", Kind: catalog.KindTable, ParentID: schema.ID}, testGraph(2))
	require.NoError(t, err)
	committed := term.Barrier.LastCommitted()

	second := startNode(t, "meta-2", testConfig(), store, f)
	first.stop()
	assert.True(t, lost.Load())
	select {
	case <-term.Done():
	default:
		t.Fatal("term of the stopped leader is still open")
	}

	// Workers now answer to the new leader
	for _, w := range workers {
		w.node.Store(second.Node)
	}
	next := waitLeader(t, second)

	obj, err := next.Catalog.Get(res.Object.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", obj.Name)
	_, err = next.Scheduler.Job(res.Object.ID)
	require.NoError(t, err)
	assert.Len(t, next.Cluster.ListNodes(cluster.RoleCompute), 2)
	assert.GreaterOrEqual(t, next.Barrier.LastCommitted(), committed)

	// Recovery rebuilds the actors and checkpoints resume
	require.Eventually(t, func() bool {
		return next.Barrier.LastCommitted() > committed
	}, waitFor, 10*time.Millisecond)
}

func TestNode_DispatchesCompaction(t *testing.T) {
	config := testConfig()
	config.Hummock.L0CompactionTrigger = 2
	f := newFleet()
	n := startNode(t, "meta-1", config, metastore.NewMemoryStore(), f)

	workers := addWorkers(t, n, f, 2, true)
	term := waitLeader(t, n)
	schema := createSchema(t, term)
	_, err := term.DDL.CreateStreamingJob(context.Background(), catalog.Object{Name: "orders", Kind: catalog.KindTable, ParentID: schema.ID}, testGraph(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return workers[0].taskCount()+workers[1].taskCount() > 0
	}, waitFor, 20*time.Millisecond)

	var assigned int
	for _, task := range term.Hummock.Tasks() {
		if task.State == hummock.TaskAssigned {
			assigned++
		}
	}
	assert.Positive(t, assigned)
}

func TestNode_ReleasesPinsOfLostNode(t *testing.T) {
	f := newFleet()
	n := startNode(t, "meta-1", testConfig(), metastore.NewMemoryStore(), f)
	workers := addWorkers(t, n, f, 1, false)
	term := waitLeader(t, n)
	ctx := context.Background()

	nodeID := workers[0].id.Load()
	_, err := term.Hummock.Pin(ctx, nodeID, 0)
	require.NoError(t, err)
	require.Len(t, term.Hummock.Pins(), 1)

	require.NoError(t, term.Cluster.Deregister(ctx, nodeID))
	assert.Empty(t, term.Hummock.Pins())
}
