package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const storeRetries = 8

// Config controls lease handling
type Config struct {
	LeaseTimeout  time.Duration
	SweepInterval time.Duration
}

// RegisterRequest describes a node asking to join
type RegisterRequest struct {
	Address     string
	Role        Role
	Parallelism int
	Resources   Resources
}

type record struct {
	node    Node
	version int64
}

// liveness is the hot heartbeat state of one node. It never touches the
// store so heartbeats are not blocked by slow writes or checkpoints.
type liveness struct {
	mu        sync.Mutex
	last      time.Time
	resources Resources
}

// Manager owns the worker roster
type Manager struct {
	store  metastore.Store
	ids    id.Generator
	events notify.Publisher
	config Config
	now    func() time.Time

	// writeMu serializes roster writes; mu guards the in-memory copy
	writeMu sync.Mutex
	mu      sync.RWMutex
	nodes   map[uint64]*record

	live *xsync.MapOf[uint64, *liveness]

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewManager creates a cluster manager
func NewManager(store metastore.Store, ids id.Generator, events notify.Publisher, config Config) *Manager {
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 10 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.LeaseTimeout / 10
	}
	return &Manager{
		store:  store,
		ids:    ids,
		events: events,
		config: config,
		now:    time.Now,
		nodes:  make(map[uint64]*record),
		live:   xsync.NewMapOf[uint64, *liveness](),
	}
}

// AddListener registers l for node departures
func (m *Manager) AddListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Load rebuilds the roster from the store. Every node gets a fresh lease so
// workers have a full timeout to reconnect to a new leader.
func (m *Manager) Load(ctx context.Context) error {
	kvs, err := m.store.List(ctx, metastore.ClusterNodesPrefix)
	if err != nil {
		return fmt.Errorf("cluster: load roster: %w", err)
	}

	nodes := make(map[uint64]*record, len(kvs))
	live := xsync.NewMapOf[uint64, *liveness]()
	now := m.now()
	for _, kv := range kvs {
		var n Node
		if err := encoding.Unmarshal(kv.Value, &n); err != nil {
			return fmt.Errorf("cluster: decode %s: %w", kv.Key, err)
		}
		nodes[n.ID] = &record{node: n, version: kv.Version}
		live.Store(n.ID, &liveness{last: now})
	}

	m.mu.Lock()
	m.nodes = nodes
	m.live = live
	m.mu.Unlock()

	m.updateMetrics()
	log.Info().Int("nodes", len(nodes)).Msg("Loaded cluster roster")
	return nil
}

// Register adds a node, or returns the existing live node registered at
// the same address.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (Node, error) {
	if req.Address == "" {
		return Node{}, fmt.Errorf("cluster: node address is required")
	}
	if !req.Role.Valid() {
		return Node{}, fmt.Errorf("cluster: invalid role %q", req.Role)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if existing, ok := m.byAddress(req.Address); ok {
		m.touch(existing.ID, req.Resources)
		log.Debug().Uint64("node", existing.ID).Str("address", req.Address).Msg("Node re-registered")
		return m.withLiveness(existing), nil
	}

	nodeID, err := m.ids.Next(ctx, id.Node)
	if err != nil {
		return Node{}, err
	}

	n := Node{
		ID:           nodeID,
		Address:      req.Address,
		Role:         req.Role,
		State:        StateStarting,
		Parallelism:  req.Parallelism,
		RegisteredAt: m.now().UTC(),
	}
	if n.Parallelism <= 0 {
		n.Parallelism = 1
	}

	data, err := encoding.Marshal(&n)
	if err != nil {
		return Node{}, err
	}
	version, err := m.store.Put(ctx, metastore.NodeKey(n.ID), data, metastore.NotExists)
	if err != nil {
		return Node{}, fmt.Errorf("cluster: persist node %d: %w", n.ID, err)
	}

	m.live.Store(n.ID, &liveness{last: m.now(), resources: req.Resources})
	m.mu.Lock()
	m.nodes[n.ID] = &record{node: n, version: version}
	m.mu.Unlock()

	log.Info().Uint64("node", n.ID).Str("address", n.Address).Str("role", string(n.Role)).Msg("Node registered")
	m.publish(notify.OpAdd, n)
	m.updateMetrics()
	return m.withLiveness(n), nil
}

// Activate moves a starting node to running
func (m *Manager) Activate(ctx context.Context, nodeID uint64) (Node, error) {
	return m.transition(ctx, nodeID, StateRunning, "activated")
}

// Drain stops placing actors on a node. Existing actors are moved by the
// scheduler.
func (m *Manager) Drain(ctx context.Context, nodeID uint64) (Node, error) {
	return m.transition(ctx, nodeID, StateDraining, "drain requested")
}

func (m *Manager) transition(ctx context.Context, nodeID uint64, to State, reason string) (Node, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var out Node
	err := metastore.RetryOnConflict(ctx, storeRetries, func(ctx context.Context) error {
		rec, err := m.reload(ctx, nodeID)
		if err != nil {
			return err
		}
		if rec.node.State == to {
			out = rec.node
			return nil
		}
		if !canTransition(rec.node.State, to) {
			return &TransitionError{NodeID: nodeID, From: rec.node.State, To: to}
		}

		n := rec.node
		n.State = to
		data, err := encoding.Marshal(&n)
		if err != nil {
			return err
		}
		version, err := m.store.Put(ctx, metastore.NodeKey(nodeID), data, rec.version)
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.nodes[nodeID] = &record{node: n, version: version}
		m.mu.Unlock()

		telemetry.NodeStateTransitionsTotal.With(string(rec.node.State), string(to)).Inc()
		log.Info().Uint64("node", nodeID).Str("from", string(rec.node.State)).Str("to", string(to)).Str("reason", reason).Msg("Node state transition")
		m.publish(notify.OpUpdate, n)
		out = n
		return nil
	})
	if err != nil {
		return Node{}, err
	}
	m.updateMetrics()
	return m.withLiveness(out), nil
}

// reload refreshes one record from the store after a conflict
func (m *Manager) reload(ctx context.Context, nodeID uint64) (*record, error) {
	kv, err := m.store.Get(ctx, metastore.NodeKey(nodeID))
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, ErrUnknownNode
	}
	if err != nil {
		return nil, err
	}
	var n Node
	if err := encoding.Unmarshal(kv.Value, &n); err != nil {
		return nil, err
	}
	return &record{node: n, version: kv.Version}, nil
}

// Heartbeat renews a node's lease
func (m *Manager) Heartbeat(nodeID uint64, resources Resources) error {
	if !m.touch(nodeID, resources) {
		telemetry.HeartbeatsTotal.With("unknown").Inc()
		return ErrUnknownNode
	}
	telemetry.HeartbeatsTotal.With("ok").Inc()
	return nil
}

func (m *Manager) touch(nodeID uint64, resources Resources) bool {
	m.mu.RLock()
	live := m.live
	m.mu.RUnlock()

	l, ok := live.Load(nodeID)
	if !ok {
		return false
	}
	l.mu.Lock()
	l.last = m.now()
	l.resources = resources
	l.mu.Unlock()
	return true
}

// Deregister removes a node that is leaving on purpose. Listeners treat
// it like a dead node.
func (m *Manager) Deregister(ctx context.Context, nodeID uint64) error {
	n, err := m.remove(ctx, nodeID, "deregistered")
	if err != nil {
		return err
	}
	m.notifyDead(n)
	return nil
}

// remove deletes a node from the store and memory
func (m *Manager) remove(ctx context.Context, nodeID uint64, reason string) (Node, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var removed Node
	err := metastore.RetryOnConflict(ctx, storeRetries, func(ctx context.Context) error {
		rec, err := m.reload(ctx, nodeID)
		if err != nil {
			return err
		}
		if err := m.store.Delete(ctx, metastore.NodeKey(nodeID), rec.version); err != nil {
			return err
		}
		removed = rec.node
		return nil
	})
	if errors.Is(err, ErrUnknownNode) {
		m.forget(nodeID)
		return Node{}, err
	}
	if err != nil {
		return Node{}, err
	}

	m.forget(nodeID)
	prev := removed.State
	removed.State = StateDead
	telemetry.NodeStateTransitionsTotal.With(string(prev), string(StateDead)).Inc()
	log.Warn().Uint64("node", nodeID).Str("address", removed.Address).Str("reason", reason).Msg("Node removed from cluster")
	m.publish(notify.OpDelete, removed)
	m.updateMetrics()
	return removed, nil
}

func (m *Manager) forget(nodeID uint64) {
	m.mu.Lock()
	delete(m.nodes, nodeID)
	live := m.live
	m.mu.Unlock()
	live.Delete(nodeID)
}

// Sweep declares every node whose lease expired dead, tells listeners and
// removes it. It returns the removed nodes.
func (m *Manager) Sweep(ctx context.Context) ([]Node, error) {
	now := m.now()
	var expired []uint64

	m.mu.RLock()
	live := m.live
	for nodeID := range m.nodes {
		l, ok := live.Load(nodeID)
		if !ok {
			continue
		}
		l.mu.Lock()
		age := now.Sub(l.last)
		l.mu.Unlock()
		if age > m.config.LeaseTimeout {
			expired = append(expired, nodeID)
		}
	}
	m.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	var dead []Node
	for _, nodeID := range expired {
		// Drop liveness first so late heartbeats get ErrUnknownNode
		live.Delete(nodeID)

		n, err := m.remove(ctx, nodeID, "lease expired")
		if errors.Is(err, ErrUnknownNode) {
			continue
		}
		if err != nil {
			return dead, err
		}
		telemetry.LeaseExpiriesTotal.Inc()
		m.notifyDead(n)
		dead = append(dead, n)
	}
	return dead, nil
}

// Run sweeps leases until ctx ends. Store failures end the loop.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("cluster: lease sweep: %w", err)
			}
		}
	}
}

func (m *Manager) notifyDead(n Node) {
	m.listenerMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		l.OnNodeDead(n)
	}
}

// GetNode returns one node
func (m *Manager) GetNode(nodeID uint64) (Node, error) {
	m.mu.RLock()
	rec, ok := m.nodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		return Node{}, ErrUnknownNode
	}
	return m.withLiveness(rec.node), nil
}

// ListNodes returns a snapshot of the roster ordered by id, filtered by
// roles when given.
func (m *Manager) ListNodes(roles ...Role) []Node {
	m.mu.RLock()
	out := make([]Node, 0, len(m.nodes))
	for _, rec := range m.nodes {
		if len(roles) > 0 && !hasRole(roles, rec.node.Role) {
			continue
		}
		out = append(out, rec.node)
	}
	m.mu.RUnlock()

	for i := range out {
		out[i] = m.withLiveness(out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Schedulable returns running compute nodes
func (m *Manager) Schedulable() []Node {
	var out []Node
	for _, n := range m.ListNodes(RoleCompute) {
		if n.Schedulable() {
			out = append(out, n)
		}
	}
	return out
}

// Alive reports whether nodeID currently holds a lease
func (m *Manager) Alive(nodeID uint64) bool {
	m.mu.RLock()
	live := m.live
	m.mu.RUnlock()
	_, ok := live.Load(nodeID)
	return ok
}

// Snapshot is the notification snapshot of the cluster topic
func (m *Manager) Snapshot() (interface{}, error) {
	return m.ListNodes(), nil
}

// Counts returns node counts by role and state
func (m *Manager) Counts() map[Role]map[State]int {
	out := make(map[Role]map[State]int)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.nodes {
		if out[rec.node.Role] == nil {
			out[rec.node.Role] = make(map[State]int)
		}
		out[rec.node.Role][rec.node.State]++
	}
	return out
}

func (m *Manager) byAddress(address string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.nodes {
		if rec.node.Address == address && rec.node.Alive() {
			return rec.node, true
		}
	}
	return Node{}, false
}

func (m *Manager) withLiveness(n Node) Node {
	m.mu.RLock()
	live := m.live
	m.mu.RUnlock()
	if l, ok := live.Load(n.ID); ok {
		l.mu.Lock()
		n.LastHeartbeat = l.last
		n.Resources = l.resources
		l.mu.Unlock()
	}
	return n
}

func (m *Manager) publish(op notify.Operation, n Node) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Publish(notify.TopicCluster, op, string(n.Role), strconv.FormatUint(n.ID, 10), n); err != nil {
		log.Warn().Err(err).Uint64("node", n.ID).Msg("Failed to publish cluster event")
	}
}

func (m *Manager) updateMetrics() {
	for role, states := range m.Counts() {
		for _, state := range []State{StateStarting, StateRunning, StateDraining} {
			telemetry.ClusterNodes.With(string(role), string(state)).Set(float64(states[state]))
		}
	}
}

func hasRole(roles []Role, r Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}
