package barrier

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/hummock"
)

// Report is one actor's acknowledgement that it processed a barrier
type Report struct {
	Epoch   epoch.Epoch           `msgpack:"epoch" json:"epoch"`
	ActorID uint64                `msgpack:"actor_id" json:"actor_id"`
	NodeID  uint64                `msgpack:"node_id" json:"node_id"`
	SSTs    []hummock.SstableInfo `msgpack:"ssts,omitempty" json:"ssts,omitempty"`
}

const (
	reportAccepted   = "accepted"
	reportDuplicate  = "duplicate"
	reportStale      = "stale"
	reportUnexpected = "unexpected"
)

// collector counts reports for one epoch and resolves its promise once
// every expected actor reported, or with the first failure
type collector struct {
	epoch epoch.Epoch

	mu       sync.Mutex
	expected map[uint64]uint64 // actor -> node
	reported map[uint64]bool
	ssts     []hummock.SstableInfo
	seenSST  map[uint64]bool
	done     bool
	promise  *future.Promise[[]hummock.SstableInfo]
}

func newCollector(e epoch.Epoch, expected map[uint64]uint64) *collector {
	c := &collector{
		epoch:    e,
		expected: expected,
		reported: make(map[uint64]bool, len(expected)),
		seenSST:  make(map[uint64]bool),
		promise:  future.NewPromise[[]hummock.SstableInfo](),
	}
	if len(expected) == 0 {
		c.done = true
		c.promise.Set(nil, nil)
	}
	return c
}

func (c *collector) report(r Report) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.expected[r.ActorID]
	switch {
	case !ok || node != r.NodeID:
		return reportUnexpected
	case c.reported[r.ActorID]:
		return reportDuplicate
	case c.done:
		return reportStale
	}

	c.reported[r.ActorID] = true
	for _, s := range r.SSTs {
		if !c.seenSST[s.ID] {
			c.seenSST[s.ID] = true
			c.ssts = append(c.ssts, s)
		}
	}
	if len(c.reported) == len(c.expected) {
		c.done = true
		sort.Slice(c.ssts, func(i, j int) bool { return c.ssts[i].ID < c.ssts[j].ID })
		c.promise.Set(c.ssts, nil)
	}
	return reportAccepted
}

// fail resolves the promise with err unless it already resolved
func (c *collector) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	c.promise.Set(nil, err)
	return true
}

// waitingOn reports whether any actor on node has not reported
func (c *collector) waitingOn(node uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for actorID, n := range c.expected {
		if n == node && !c.reported[actorID] {
			return true
		}
	}
	return false
}

func (c *collector) pending() map[uint64]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]uint64)
	for actorID, n := range c.expected {
		if !c.reported[actorID] {
			out[actorID] = n
		}
	}
	return out
}

type collectResult struct {
	ssts []hummock.SstableInfo
	err  error
}

// wait blocks until the promise resolves. A timeout or a cancelled ctx
// fails the collector, so the waiting goroutine always finishes.
func (c *collector) wait(ctx context.Context, timeout time.Duration) ([]hummock.SstableInfo, error) {
	ch := make(chan collectResult, 1)
	fut := c.promise.Future()
	go func() {
		ssts, err := fut.Get()
		ch <- collectResult{ssts: ssts, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.ssts, r.err
	case <-timer.C:
		c.fail(ErrBarrierTimeout)
	case <-ctx.Done():
		c.fail(ctx.Err())
	}
	r := <-ch
	return r.ssts, r.err
}
