package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/cfg"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// NodeResolver finds the address of a worker
type NodeResolver interface {
	GetNode(nodeID uint64) (cluster.Node, error)
}

// WorkerClientConfig controls worker connections
type WorkerClientConfig struct {
	CacheSize      int
	RequestTimeout time.Duration
	// Dialer replaces the TCP dialer, used by tests
	Dialer func(ctx context.Context, address string) (net.Conn, error)
}

// WorkerClientConfigFromGlobal reads the settings from cfg.Config
func WorkerClientConfigFromGlobal() WorkerClientConfig {
	return WorkerClientConfig{
		CacheSize:      cfg.Config.GRPC.ConnectionCacheSize,
		RequestTimeout: time.Duration(cfg.Config.GRPC.RequestTimeoutMS) * time.Millisecond,
	}
}

// WorkerClient calls workers by node id. Connections are cached per address
// and closed when evicted.
type WorkerClient struct {
	nodes   NodeResolver
	config  WorkerClientConfig
	mu      sync.Mutex
	conns   *lru.Cache[string, *grpc.ClientConn]
	dialOps []grpc.DialOption
}

// NewWorkerClient creates a worker client
func NewWorkerClient(nodes NodeResolver, config WorkerClientConfig) (*WorkerClient, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = 256
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}

	conns, err := lru.NewWithEvict[string, *grpc.ClientConn](config.CacheSize, func(address string, conn *grpc.ClientConn) {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("address", address).Msg("Closing evicted worker connection")
		}
	})
	if err != nil {
		return nil, err
	}

	opts := createDialOptions()
	if config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(config.Dialer))
	}
	return &WorkerClient{nodes: nodes, config: config, conns: conns, dialOps: opts}, nil
}

// createDialOptions returns the dial options shared by every connection
func createDialOptions() []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	if cfg.Config != nil && cfg.Config.GRPC.KeepaliveTimeSeconds > 0 {
		keepaliveTime = time.Duration(cfg.Config.GRPC.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.GRPC.KeepaliveTimeoutSeconds) * time.Second
	}

	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(64 * 1024 * 1024),
		grpc.MaxCallSendMsgSize(64 * 1024 * 1024),
	}
	if name := CompressionName(); name != "" {
		callOpts = append(callOpts, grpc.UseCompressor(name))
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(StreamClientInterceptor()),
	}
}

// Dial opens a client connection with the shared options
func Dial(address string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.NewClient(address, append(createDialOptions(), extra...)...)
}

func (c *WorkerClient) conn(nodeID uint64) (*WorkerServiceClient, error) {
	n, err := c.nodes.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if n.State == cluster.StateDead {
		return nil, fmt.Errorf("%w: %d", cluster.ErrNodeDead, nodeID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns.Get(n.Address); ok {
		return NewWorkerServiceClient(cc), nil
	}

	// Worker addresses are host:port; passthrough skips the DNS resolver
	cc, err := grpc.NewClient("passthrough:///"+n.Address, c.dialOps...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", cluster.ErrNodeUnreachable, n.Address, err)
	}
	c.conns.Add(n.Address, cc)
	log.Debug().Uint64("node_id", nodeID).Str("address", n.Address).Msg("Opened worker connection")
	return NewWorkerServiceClient(cc), nil
}

func (c *WorkerClient) call(ctx context.Context, nodeID uint64, method string, fn func(context.Context, *WorkerServiceClient) error) error {
	client, err := c.conn(nodeID)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	return fromWorkerStatus(nodeID, method, fn(ctx, client))
}

func (c *WorkerClient) InjectBarrier(ctx context.Context, nodeID uint64, req barrier.InjectRequest) error {
	return c.call(ctx, nodeID, "InjectBarrier", func(ctx context.Context, w *WorkerServiceClient) error {
		_, err := w.InjectBarrier(ctx, &req)
		return err
	})
}

func (c *WorkerClient) CreateActors(ctx context.Context, nodeID uint64, actors []fragment.Actor) error {
	return c.call(ctx, nodeID, "CreateActors", func(ctx context.Context, w *WorkerServiceClient) error {
		_, err := w.CreateActors(ctx, &CreateActorsRequest{Actors: actors})
		return err
	})
}

func (c *WorkerClient) DropActors(ctx context.Context, nodeID uint64, actorIDs []uint64) error {
	return c.call(ctx, nodeID, "DropActors", func(ctx context.Context, w *WorkerServiceClient) error {
		_, err := w.DropActors(ctx, &DropActorsRequest{ActorIDs: actorIDs})
		return err
	})
}

// AssignCompactionTask sends a task to the worker it was assigned to
func (c *WorkerClient) AssignCompactionTask(ctx context.Context, task hummock.CompactionTask) error {
	return c.call(ctx, task.Worker, "AssignCompactionTask", func(ctx context.Context, w *WorkerServiceClient) error {
		_, err := w.AssignCompactionTask(ctx, &AssignCompactionTaskRequest{Task: task})
		return err
	})
}

// ReportCompactionResult tells a worker that meta settled one of its tasks
// without it, for example after a timeout
func (c *WorkerClient) ReportCompactionResult(ctx context.Context, nodeID, taskID uint64, state hummock.TaskState, reason string) error {
	return c.call(ctx, nodeID, "ReportCompactionResult", func(ctx context.Context, w *WorkerServiceClient) error {
		_, err := w.ReportCompactionResult(ctx, &CompactionResultRequest{TaskID: taskID, State: state, Reason: reason})
		return err
	})
}

// Forget closes the connection to a node, for example after it died
func (c *WorkerClient) Forget(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns.Remove(address)
}

// Close closes every cached connection
func (c *WorkerClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns.Purge()
}
