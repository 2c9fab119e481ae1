// Package ddl runs catalog changes. Streaming objects ride on a barrier so
// they become visible together with their actors; everything else commits
// directly.
package ddl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTimeout means the DDL did not finish in time. It may still commit
	// with a later epoch.
	ErrTimeout = errors.New("ddl: timed out waiting for checkpoint")

	// ErrNotStreaming is returned when a streaming operation targets a plain object
	ErrNotStreaming = errors.New("ddl: object is not a streaming job")
)

// Config controls retries and timeouts
type Config struct {
	// Retries is how many times a DDL is re-planned after its epoch failed
	Retries int
	Timeout time.Duration
	// LockLease bounds how long one DDL can hold its database
	LockLease time.Duration
}

// Result is a DDL that committed
type Result struct {
	Object catalog.Object `json:"object"`
	Epoch  epoch.Epoch    `json:"epoch,omitempty"`
}

// Controller runs DDL statements against the catalog, the scheduler and
// the barrier manager
type Controller struct {
	catalog   *catalog.Manager
	scheduler *fragment.Scheduler
	barrier   *barrier.Manager
	cluster   *cluster.Manager
	locks     *LockManager
	config    Config
}

// NewController creates a DDL controller
func NewController(cat *catalog.Manager, scheduler *fragment.Scheduler, b *barrier.Manager, cl *cluster.Manager, config Config) *Controller {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.LockLease <= 0 {
		config.LockLease = 2 * config.Timeout
	}
	return &Controller{
		catalog:   cat,
		scheduler: scheduler,
		barrier:   b,
		cluster:   cl,
		locks:     NewLockManager(config.LockLease),
		config:    config,
	}
}

// Locks exposes the lock table for the admin surface
func (c *Controller) Locks() *LockManager {
	return c.locks
}

func (c *Controller) observe(kind string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	telemetry.DDLOperationsTotal.With(kind, result).Inc()
	telemetry.DDLDurationSeconds.With(kind).Observe(time.Since(start).Seconds())
}

// databaseOf returns the database an object lives in, or the object itself
// for databases
func (c *Controller) databaseOf(obj catalog.Object) uint64 {
	for obj.Kind != catalog.KindDatabase && obj.ParentID != 0 {
		parent, err := c.catalog.Get(obj.ParentID)
		if err != nil {
			return obj.ParentID
		}
		obj = parent
	}
	return obj.ID
}

func (c *Controller) lock(ctx context.Context, key uint64, op string) (*Lock, error) {
	return c.locks.Acquire(ctx, key, fmt.Sprintf("%s/%s", op, uuid.NewString()))
}

// Create adds a plain object: a database, a schema or a view that is not
// materialized
func (c *Controller) Create(ctx context.Context, obj catalog.Object) (out catalog.Object, err error) {
	start := time.Now()
	defer func() { c.observe("create_"+string(obj.Kind), start, err) }()

	if obj.Streaming() {
		return catalog.Object{}, fmt.Errorf("%w: %s %q needs a streaming graph", catalog.ErrInvalidObject, obj.Kind, obj.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if obj.Kind != catalog.KindDatabase {
		l, err := c.lock(ctx, c.databaseOf(obj), "create")
		if err != nil {
			return catalog.Object{}, err
		}
		defer c.locks.Release(l)
	}
	return c.catalog.Create(ctx, obj)
}

// CreateStreamingJob plans and places graph, then creates obj in the same
// checkpoint that starts its actors. A failed epoch re-plans the job up to
// Config.Retries times.
func (c *Controller) CreateStreamingJob(ctx context.Context, obj catalog.Object, graph fragment.LogicalGraph) (res Result, err error) {
	start := time.Now()
	defer func() { c.observe("create_"+string(obj.Kind), start, err) }()

	if !obj.Streaming() {
		return Result{}, fmt.Errorf("%w: %s %q", ErrNotStreaming, obj.Kind, obj.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	l, err := c.lock(ctx, c.databaseOf(obj), "create")
	if err != nil {
		return Result{}, err
	}
	defer c.locks.Release(l)

	p, err := c.catalog.PrepareCreate(ctx, obj)
	if err != nil {
		return Result{}, err
	}
	objID := p.Object().ID

	for attempt := 0; ; attempt++ {
		job, err := c.scheduler.Plan(ctx, objID, graph)
		if err != nil {
			c.catalog.Abort(p)
			return Result{}, err
		}
		if err := c.scheduler.Schedule(job); err != nil {
			c.catalog.Abort(p)
			return Result{}, err
		}

		fut := c.barrier.Submit(barrier.CreateJob{Object: p, Job: job})
		e, err := c.await(ctx, fut, func() {
			c.scheduler.Discard(job.ID)
			c.catalog.Abort(p)
		})
		if err == nil {
			created, getErr := c.catalog.Get(objID)
			if getErr != nil {
				return Result{}, getErr
			}
			log.Info().Str("name", created.Name).Uint64("id", objID).Uint64("epoch", uint64(e)).Int("actors", len(job.Actors)).Msg("Streaming job created")
			return Result{Object: created, Epoch: e}, nil
		}
		if errors.Is(err, ErrTimeout) {
			return Result{}, err
		}

		c.scheduler.Discard(job.ID)
		if !retryable(err) || attempt >= c.config.Retries {
			c.catalog.Abort(p)
			return Result{}, err
		}
		log.Warn().Err(err).Uint64("id", objID).Int("attempt", attempt+1).Msg("Retrying streaming job creation")
	}
}

// Drop removes an object. Streaming objects are dropped with their actors
// through a checkpoint.
func (c *Controller) Drop(ctx context.Context, objID uint64) (res Result, err error) {
	obj, err := c.catalog.Get(objID)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	defer func() { c.observe("drop_"+string(obj.Kind), start, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	l, err := c.lock(ctx, c.databaseOf(obj), "drop")
	if err != nil {
		return Result{}, err
	}
	defer c.locks.Release(l)

	if _, jobErr := c.scheduler.Job(objID); !obj.Streaming() || jobErr != nil {
		if err := c.catalog.Drop(ctx, objID); err != nil {
			return Result{}, err
		}
		return Result{Object: obj}, nil
	}

	p, err := c.catalog.PrepareDrop(objID)
	if err != nil {
		return Result{}, err
	}
	for attempt := 0; ; attempt++ {
		fut := c.barrier.Submit(barrier.DropJob{Object: p, JobID: objID})
		e, err := c.await(ctx, fut, func() { c.catalog.Abort(p) })
		if err == nil {
			log.Info().Str("name", obj.Name).Uint64("id", objID).Uint64("epoch", uint64(e)).Msg("Streaming job dropped")
			return Result{Object: obj, Epoch: e}, nil
		}
		if errors.Is(err, ErrTimeout) {
			return Result{}, err
		}
		if !retryable(err) || attempt >= c.config.Retries {
			c.catalog.Abort(p)
			return Result{}, err
		}
		log.Warn().Err(err).Uint64("id", objID).Int("attempt", attempt+1).Msg("Retrying streaming job drop")
	}
}

// Scale changes the parallelism of a fragment and its no-shuffle partners
func (c *Controller) Scale(ctx context.Context, fragmentID uint64, parallelism int) (e epoch.Epoch, err error) {
	start := time.Now()
	defer func() { c.observe("scale", start, err) }()

	return c.reconfigure(ctx, "scale", fragment.Trigger{Kind: fragment.TriggerScale, FragmentID: fragmentID, Parallelism: parallelism})
}

// Drain stops placing actors on a node and moves its actors away
func (c *Controller) Drain(ctx context.Context, nodeID uint64) (n cluster.Node, err error) {
	start := time.Now()
	defer func() { c.observe("drain", start, err) }()

	n, err = c.cluster.Drain(ctx, nodeID)
	if err != nil {
		return cluster.Node{}, err
	}
	if len(c.scheduler.ActorsOn(nodeID)) == 0 {
		return n, nil
	}
	if _, err := c.reconfigure(ctx, "drain", fragment.Trigger{Kind: fragment.TriggerDrain, NodeIDs: []uint64{nodeID}}); err != nil {
		return n, err
	}
	return n, nil
}

// reconfigure computes a placement diff from committed state and commits it
// with a checkpoint. Stale or failed attempts are recomputed.
func (c *Controller) reconfigure(ctx context.Context, op string, trigger fragment.Trigger) (epoch.Epoch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	l, err := c.lock(ctx, ClusterLockKey, op)
	if err != nil {
		return 0, err
	}
	defer c.locks.Release(l)

	for attempt := 0; ; attempt++ {
		diff, err := c.scheduler.Reschedule(ctx, trigger)
		if err != nil {
			return 0, err
		}
		if diff.Empty() {
			// Recovery already moved everything
			return c.barrier.LastCommitted(), nil
		}

		fut := c.barrier.Submit(barrier.Reconfigure{Diff: diff})
		e, err := c.await(ctx, fut, nil)
		if err == nil {
			return e, nil
		}
		if errors.Is(err, ErrTimeout) || !retryable(err) || attempt >= c.config.Retries {
			return 0, err
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Retrying reconfiguration")
	}
}

// await waits for a submitted mutation. On timeout the mutation stays queued;
// cleanup runs if it later fails.
func (c *Controller) await(ctx context.Context, fut *future.Future[epoch.Epoch], cleanup func()) (epoch.Epoch, error) {
	type result struct {
		e   epoch.Epoch
		err error
	}
	ch := make(chan result, 1)
	go func() {
		e, err := fut.Get()
		ch <- result{e, err}
	}()

	select {
	case r := <-ch:
		return r.e, r.err
	case <-ctx.Done():
		if cleanup != nil {
			go func() {
				if r := <-ch; r.err != nil {
					cleanup()
				}
			}()
		}
		return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// retryable reports whether a fresh attempt could succeed
func retryable(err error) bool {
	var failed *barrier.EpochFailedError
	return errors.As(err, &failed) || errors.Is(err, barrier.ErrStaleDiff)
}
