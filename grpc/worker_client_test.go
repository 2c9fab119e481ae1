package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/cfg"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeWorker struct {
	mu       sync.Mutex
	injected []barrier.InjectRequest
	created  []fragment.Actor
	dropped  []uint64
	tasks    []hummock.CompactionTask
	results  []CompactionResultRequest
	fail     error
}

func (w *fakeWorker) InjectBarrier(_ context.Context, req *barrier.InjectRequest) (*Empty, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return nil, w.fail
	}
	w.injected = append(w.injected, *req)
	return &Empty{}, nil
}

func (w *fakeWorker) CreateActors(_ context.Context, req *CreateActorsRequest) (*Empty, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created = append(w.created, req.Actors...)
	return &Empty{}, nil
}

func (w *fakeWorker) DropActors(_ context.Context, req *DropActorsRequest) (*Empty, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped = append(w.dropped, req.ActorIDs...)
	return &Empty{}, nil
}

func (w *fakeWorker) AssignCompactionTask(_ context.Context, req *AssignCompactionTaskRequest) (*Empty, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks = append(w.tasks, req.Task)
	return &Empty{}, nil
}

func (w *fakeWorker) ReportCompactionResult(_ context.Context, req *CompactionResultRequest) (*Empty, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, *req)
	return &Empty{}, nil
}

type workerFixture struct {
	cluster  *cluster.Manager
	worker   *fakeWorker
	server   *grpc.Server
	listener *bufconn.Listener
	client   *WorkerClient
	node     cluster.Node
}

func createTestWorker(t *testing.T) *workerFixture {
	t.Helper()
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	hub := notify.NewHub(16, 16)
	t.Cleanup(hub.Close)

	f := &workerFixture{
		cluster:  cluster.NewManager(store, id.NewAllocator(store, 16), hub, cluster.Config{LeaseTimeout: time.Minute}),
		worker:   &fakeWorker{},
		listener: bufconn.Listen(bufSize),
	}
	require.NoError(t, f.cluster.Load(ctx))

	var err error
	f.node, err = f.cluster.Register(ctx, cluster.RegisterRequest{Address: "worker-1:5691", Role: cluster.RoleCompute})
	require.NoError(t, err)

	f.server = grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryServerInterceptor()))
	RegisterWorkerServiceServer(f.server, f.worker)
	go func() {
		_ = f.server.Serve(f.listener)
	}()

	f.client, err = NewWorkerClient(f.cluster, WorkerClientConfig{
		CacheSize:      4,
		RequestTimeout: time.Second,
		Dialer: func(ctx context.Context, _ string) (net.Conn, error) {
			return f.listener.DialContext(ctx)
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		f.client.Close()
		f.server.Stop()
	})
	return f
}

func TestWorkerClient_Calls(t *testing.T) {
	f := createTestWorker(t)
	ctx := context.Background()

	req := barrier.InjectRequest{
		Barrier:         barrier.Barrier{Epoch: 11, PrevEpoch: 10},
		SourceActorIDs:  []uint64{1},
		ActorsToCollect: []uint64{1, 2},
	}
	require.NoError(t, f.client.InjectBarrier(ctx, f.node.ID, req))

	bitmap := &fragment.Bitmap{}
	bitmap.Set(3)
	require.NoError(t, f.client.CreateActors(ctx, f.node.ID, []fragment.Actor{{ID: 1, FragmentID: 1, NodeID: f.node.ID, VNodes: bitmap}}))
	require.NoError(t, f.client.DropActors(ctx, f.node.ID, []uint64{1, 2}))

	task := hummock.CompactionTask{ID: 5, InputLevel: 0, TargetLevel: 1, Worker: f.node.ID, State: hummock.TaskAssigned}
	require.NoError(t, f.client.AssignCompactionTask(ctx, task))
	require.NoError(t, f.client.ReportCompactionResult(ctx, f.node.ID, 5, hummock.TaskCancelled, "timeout"))

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	require.Len(t, f.worker.injected, 1)
	assert.Equal(t, req, f.worker.injected[0])
	require.Len(t, f.worker.created, 1)
	assert.True(t, f.worker.created[0].VNodes.Has(3))
	assert.Equal(t, []uint64{1, 2}, f.worker.dropped)
	require.Len(t, f.worker.tasks, 1)
	assert.Equal(t, uint64(5), f.worker.tasks[0].ID)
	assert.Equal(t, []CompactionResultRequest{{TaskID: 5, State: hummock.TaskCancelled, Reason: "timeout"}}, f.worker.results)
}

func TestWorkerClient_Errors(t *testing.T) {
	f := createTestWorker(t)
	ctx := context.Background()

	err := f.client.InjectBarrier(ctx, 777, barrier.InjectRequest{})
	assert.ErrorIs(t, err, cluster.ErrUnknownNode)

	f.worker.mu.Lock()
	f.worker.fail = status.Error(codes.Internal, "actor missing")
	f.worker.mu.Unlock()
	err = f.client.InjectBarrier(ctx, f.node.ID, barrier.InjectRequest{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, cluster.ErrNodeUnreachable)
	assert.Contains(t, err.Error(), "actor missing")

	f.server.Stop()
	err = f.client.InjectBarrier(ctx, f.node.ID, barrier.InjectRequest{})
	assert.ErrorIs(t, err, cluster.ErrNodeUnreachable)
}

func TestWorkerClient_ClusterSecret(t *testing.T) {
	prev := cfg.Config.GRPC.ClusterSecret
	cfg.Config.GRPC.ClusterSecret = "s3cret"
	t.Cleanup(func() { cfg.Config.GRPC.ClusterSecret = prev })

	f := createTestWorker(t)
	ctx := context.Background()

	// The shared dial options attach the secret
	require.NoError(t, f.client.DropActors(ctx, f.node.ID, []uint64{1}))

	// A bare connection does not
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return f.listener.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewWorkerServiceClient(conn).DropActors(ctx, &DropActorsRequest{ActorIDs: []uint64{2}})
	requireCode(t, err, codes.Unauthenticated)

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	assert.Equal(t, []uint64{1}, f.worker.dropped)
}
