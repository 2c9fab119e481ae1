// Package meta runs the leader side of flowmeta. A Node campaigns for
// leadership and, while it holds it, owns one Term: every manager rebuilt
// from the store plus the loops that drive them.
package meta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cfg"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/ddl"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/grpc"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/maxpert/flowmeta/user"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNotLeader is returned while this node does not lead
var ErrNotLeader = grpc.ErrNotLeader

const idStep = 64

// Term is one leadership term. Its managers are only valid until Done is
// closed.
type Term struct {
	Cluster   *cluster.Manager
	Catalog   *catalog.Manager
	Scheduler *fragment.Scheduler
	Barrier   *barrier.Manager
	Hummock   *hummock.Manager
	Users     *user.Manager
	DDL       *ddl.Controller
	Workers   *grpc.WorkerClient
	StartedAt time.Time

	done chan struct{}
}

// Done is closed when the term ends
func (t *Term) Done() <-chan struct{} {
	return t.done
}

// Node is a meta node. Any number may run against the same store; one leads.
type Node struct {
	config  *cfg.Configuration
	store   metastore.Store
	elector metastore.Elector
	hub     *notify.Hub
	workers grpc.WorkerClientConfig

	mu        sync.RWMutex
	term      *Term
	listeners []func(leader bool)
}

// NewNode creates a meta node
func NewNode(config *cfg.Configuration, store metastore.Store, elector metastore.Elector, hub *notify.Hub, workers grpc.WorkerClientConfig) *Node {
	return &Node{
		config:  config,
		store:   store,
		elector: elector,
		hub:     hub,
		workers: workers,
	}
}

// OnLeadership registers fn to run whenever this node gains or loses
// leadership
func (n *Node) OnLeadership(fn func(leader bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Current returns the running term or ErrNotLeader
func (n *Node) Current() (*Term, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.term == nil {
		return nil, ErrNotLeader
	}
	return n.term, nil
}

// Services implements grpc.ServiceProvider
func (n *Node) Services() (*grpc.Services, error) {
	t, err := n.Current()
	if err != nil {
		return nil, err
	}
	return &grpc.Services{
		Cluster: t.Cluster,
		Catalog: t.Catalog,
		Barrier: t.Barrier,
		Hummock: t.Hummock,
		Done:    t.done,
	}, nil
}

// Hub returns the notification hub
func (n *Node) Hub() *notify.Hub {
	return n.hub
}

// Run campaigns and leads until ctx ends. Losing a term starts a new
// campaign.
func (n *Node) Run(ctx context.Context) error {
	for {
		log.Info().Uint64("node_id", n.config.NodeID).Msg("Campaigning for leadership")
		lead, err := n.elector.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Campaign failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		err = n.lead(ctx, lead)

		resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := lead.Resign(resignCtx); rerr != nil {
			log.Debug().Err(rerr).Msg("Resigning leadership")
		}
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Msg("Leadership term ended")
	}
}

// lead runs one term until leadership is lost, a loop fails or ctx ends
func (n *Node) lead(ctx context.Context, lead metastore.Leadership) error {
	termCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lead.Done():
			cancel()
		case <-termCtx.Done():
		}
	}()

	t, err := n.newTerm(termCtx, lead)
	if err != nil {
		return fmt.Errorf("meta: load term: %w", err)
	}
	n.setTerm(t)
	defer n.clearTerm(t)

	g, gctx := errgroup.WithContext(termCtx)
	g.Go(func() error { return t.Cluster.Run(gctx) })
	g.Go(func() error { return t.Barrier.Run(gctx, lead) })
	g.Go(func() error { return n.compactionLoop(gctx, t) })
	g.Go(func() error { return n.gcLoop(gctx, t) })

	err = g.Wait()
	if err == nil {
		select {
		case <-lead.Done():
			err = barrier.ErrLeadershipLost
		default:
		}
	}
	return err
}

// newTerm rebuilds every manager from the store
func (n *Node) newTerm(ctx context.Context, lead metastore.Leadership) (*Term, error) {
	start := time.Now()

	// Topic versions must keep increasing across leaders
	n.hub.Rebase(uint64(epoch.FromPhysical(start, 0)))

	ids := id.NewAllocator(n.store, idStep)
	t := &Term{StartedAt: start, done: make(chan struct{})}

	t.Cluster = cluster.NewManager(n.store, ids, n.hub, clusterConfig(n.config))
	if err := t.Cluster.Load(ctx); err != nil {
		return nil, err
	}
	t.Scheduler = fragment.NewScheduler(n.store, ids, t.Cluster, schedulerConfig(n.config))
	if err := t.Scheduler.Load(ctx); err != nil {
		return nil, err
	}
	t.Catalog = catalog.NewManager(n.store, ids, n.hub)
	if err := t.Catalog.Load(ctx); err != nil {
		return nil, err
	}
	t.Hummock = hummock.NewManager(n.store, ids, n.hub, hummockConfig(n.config))
	if err := t.Hummock.Load(ctx); err != nil {
		return nil, err
	}
	t.Users = user.NewManager(n.store, ids, n.hub)
	if err := t.Users.Load(ctx); err != nil {
		return nil, err
	}

	workers, err := grpc.NewWorkerClient(t.Cluster, n.workers)
	if err != nil {
		return nil, err
	}
	t.Workers = workers

	t.Barrier = barrier.NewManager(barrier.Dependencies{
		Store:     n.store,
		Epochs:    epochGenerator(n.config),
		Workers:   workers,
		Cluster:   t.Cluster,
		Scheduler: t.Scheduler,
		Catalog:   t.Catalog,
		Hummock:   t.Hummock,
		Users:     t.Users,
		Events:    n.hub,
	}, barrierConfig(n.config))
	t.Barrier.SetFence(lead.Fence())
	if err := t.Barrier.Load(ctx); err != nil {
		workers.Close()
		return nil, err
	}

	t.DDL = ddl.NewController(t.Catalog, t.Scheduler, t.Barrier, t.Cluster, ddlConfig(n.config))
	t.Cluster.AddListener(cluster.ListenerFunc(func(node cluster.Node) {
		n.onNodeLost(t, node)
	}))

	n.hub.RegisterSnapshot(notify.TopicCluster, t.Cluster.Snapshot)
	n.hub.RegisterSnapshot(notify.TopicCatalog, t.Catalog.NotifySnapshot)
	n.hub.RegisterSnapshot(notify.TopicHummock, t.Hummock.NotifySnapshot)
	n.hub.RegisterSnapshot(notify.TopicUser, t.Users.Snapshot)
	n.hub.RegisterSnapshot(notify.TopicEpoch, func() (interface{}, error) {
		return t.Barrier.Status(), nil
	})

	log.Info().
		Uint64("last_committed_epoch", uint64(t.Barrier.LastCommitted())).
		Uint64("catalog_version", t.Catalog.Version()).
		Uint64("hummock_version", t.Hummock.CurrentVersion().ID).
		Dur("took", time.Since(start)).
		Msg("Leadership acquired, managers loaded")
	return t, nil
}

func (n *Node) setTerm(t *Term) {
	n.mu.Lock()
	n.term = t
	listeners := append([]func(bool){}, n.listeners...)
	n.mu.Unlock()

	telemetry.IsLeader.Set(1)
	telemetry.LeadershipChangesTotal.With("acquired").Inc()
	for _, fn := range listeners {
		fn(true)
	}
}

func (n *Node) clearTerm(t *Term) {
	n.mu.Lock()
	if n.term == t {
		n.term = nil
	}
	listeners := append([]func(bool){}, n.listeners...)
	n.mu.Unlock()

	close(t.done)
	t.Workers.Close()
	telemetry.IsLeader.Set(0)
	telemetry.LeadershipChangesTotal.With("lost").Inc()
	for _, fn := range listeners {
		fn(false)
	}
	log.Info().Dur("term", time.Since(t.StartedAt)).Msg("Leadership released")
}

// onNodeLost releases what a departed node held outside the barrier:
// snapshot pins and compaction tasks
func (n *Node) onNodeLost(t *Term, node cluster.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	released, err := t.Hummock.ReleaseNodePins(ctx, node.ID)
	if err != nil {
		log.Warn().Err(err).Uint64("node", node.ID).Msg("Failed to release pins of lost node")
	}
	requeued := t.Hummock.RequeueWorkerTasks(node.ID)
	t.Workers.Forget(node.Address)

	log.Info().
		Uint64("node", node.ID).
		Int("pins_released", released).
		Int("tasks_requeued", len(requeued)).
		Msg("Cleaned up after lost node")
}

// compactors are the running nodes that take compaction tasks
func compactors(cl *cluster.Manager) []uint64 {
	var out []uint64
	for _, node := range cl.ListNodes(cluster.RoleCompute, cluster.RoleStorage) {
		if node.State == cluster.StateRunning {
			out = append(out, node.ID)
		}
	}
	return out
}

func (n *Node) compactionLoop(ctx context.Context, t *Term) error {
	ticker := time.NewTicker(dispatchInterval(n.config))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.dispatchCompaction(ctx, t)
		}
	}
}

// dispatchCompaction settles timed out tasks, then hands new tasks to
// workers. A task that cannot be delivered goes back to the queue.
func (n *Node) dispatchCompaction(ctx context.Context, t *Term) {
	for _, task := range t.Hummock.SweepTimeouts() {
		if err := t.Workers.ReportCompactionResult(ctx, task.Worker, task.ID, task.State, "timeout"); err != nil {
			log.Debug().Err(err).Uint64("task", task.ID).Msg("Failed to tell worker about timed out task")
		}
	}

	tasks, err := t.Hummock.Dispatch(ctx, compactors(t.Cluster))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Compaction dispatch failed")
		}
		return
	}
	for _, task := range tasks {
		err := t.Workers.AssignCompactionTask(ctx, task)
		if err == nil {
			continue
		}
		log.Warn().Err(err).Uint64("task", task.ID).Uint64("worker", task.Worker).Msg("Failed to assign compaction task")
		if errors.Is(err, cluster.ErrNodeUnreachable) || errors.Is(err, cluster.ErrNodeDead) || errors.Is(err, cluster.ErrUnknownNode) {
			t.Hummock.RequeueWorkerTasks(task.Worker)
			continue
		}
		if rerr := t.Hummock.ReportCompaction(ctx, task.Worker, task.ID, hummock.TaskResult{Error: err.Error()}); rerr != nil {
			log.Debug().Err(rerr).Uint64("task", task.ID).Msg("Failed to fail undeliverable task")
		}
	}
}

func (n *Node) gcLoop(ctx context.Context, t *Term) error {
	ticker := time.NewTicker(gcInterval(n.config))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := t.Hummock.GC(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Msg("Hummock GC failed")
			} else if len(removed) > 0 {
				log.Info().Int("sstables", len(removed)).Msg("Hummock GC released sstables")
			}
			if cleaned := t.DDL.Locks().CleanupExpired(); cleaned > 0 {
				log.Warn().Int("locks", cleaned).Msg("Cleaned up expired DDL locks")
			}
		}
	}
}
