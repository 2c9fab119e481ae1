// Package cluster tracks worker membership through registration, heartbeats
// and lease expiry.
package cluster

import (
	"errors"
	"fmt"
	"time"
)

// Role is what a worker node does
type Role string

const (
	RoleCompute   Role = "compute"
	RoleStorage   Role = "storage"
	RoleConnector Role = "connector"
	RoleFrontend  Role = "frontend"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleCompute, RoleStorage, RoleConnector, RoleFrontend:
		return true
	}
	return false
}

// State is the lifecycle state of a node
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

var (
	// ErrUnknownNode is returned for ids that are not registered
	ErrUnknownNode = errors.New("cluster: unknown node")

	// ErrNodeDead is returned for operations on a node whose lease expired
	ErrNodeDead = errors.New("cluster: node is dead")

	// ErrNodeUnreachable is returned by RPC adapters when a node cannot be contacted
	ErrNodeUnreachable = errors.New("cluster: node unreachable")
)

// TransitionError reports an invalid state change
type TransitionError struct {
	NodeID uint64
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cluster: node %d cannot move from %s to %s", e.NodeID, e.From, e.To)
}

// Resources is the resource usage reported with a heartbeat
type Resources struct {
	CPUPercent  float64 `msgpack:"cpu" json:"cpu_percent"`
	MemoryBytes uint64  `msgpack:"mem" json:"memory_bytes"`
	DiskBytes   uint64  `msgpack:"disk" json:"disk_bytes"`
}

// Node is a registered worker. LastHeartbeat and Resources are kept in
// memory only.
type Node struct {
	ID            uint64    `msgpack:"id" json:"id"`
	Address       string    `msgpack:"address" json:"address"`
	Role          Role      `msgpack:"role" json:"role"`
	State         State     `msgpack:"state" json:"state"`
	Parallelism   int       `msgpack:"parallelism" json:"parallelism"`
	RegisteredAt  time.Time `msgpack:"registered_at" json:"registered_at"`
	LastHeartbeat time.Time `msgpack:"-" json:"last_heartbeat"`
	Resources     Resources `msgpack:"-" json:"resources"`
}

// Schedulable reports whether new actors may be placed on the node
func (n *Node) Schedulable() bool {
	return n.Role == RoleCompute && n.State == StateRunning
}

// Alive reports whether the node holds a lease
func (n *Node) Alive() bool {
	return n.State != StateDead
}

// Listener is told about nodes that left the cluster, either by lease
// expiry or by deregistration. Calls happen outside manager locks.
type Listener interface {
	OnNodeDead(node Node)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(node Node)

// OnNodeDead implements Listener
func (f ListenerFunc) OnNodeDead(node Node) { f(node) }

var validTransitions = map[State][]State{
	StateStarting: {StateRunning, StateDraining, StateDead},
	StateRunning:  {StateDraining, StateDead},
	StateDraining: {StateDead},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
