package grpc

import (
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/notify"
)

// Empty is the reply of calls that only report success
type Empty struct{}

// RegisterRequest adds a worker to the cluster
type RegisterRequest struct {
	Address     string            `msgpack:"address"`
	Role        cluster.Role      `msgpack:"role"`
	Parallelism int               `msgpack:"parallelism"`
	Resources   cluster.Resources `msgpack:"resources"`
}

// NodeRequest names a worker
type NodeRequest struct {
	NodeID uint64 `msgpack:"node_id"`
}

// NodeResponse carries the worker's record after the call
type NodeResponse struct {
	Node cluster.Node `msgpack:"node"`
}

// HeartbeatRequest renews a worker's lease
type HeartbeatRequest struct {
	NodeID    uint64            `msgpack:"node_id"`
	Resources cluster.Resources `msgpack:"resources"`
}

// CollectBarrierResponse reports whether the report counted towards its epoch
type CollectBarrierResponse struct {
	Accepted bool `msgpack:"accepted"`
}

// ReportCompactionRequest is a worker's outcome for a task
type ReportCompactionRequest struct {
	Worker uint64             `msgpack:"worker"`
	TaskID uint64             `msgpack:"task_id"`
	Result hummock.TaskResult `msgpack:"result"`
}

// PinRequest pins the version committed at Epoch, or the current one when
// Epoch is zero
type PinRequest struct {
	NodeID uint64 `msgpack:"node_id"`
	Epoch  uint64 `msgpack:"epoch"`
}

// PinResponse returns the pin and the version it protects
type PinResponse struct {
	Pin     hummock.Pin      `msgpack:"pin"`
	Version *hummock.Version `msgpack:"version"`
}

// UnpinRequest releases a pin
type UnpinRequest struct {
	Token string `msgpack:"token"`
}

// GetNewSstIDsRequest reserves Count file ids
type GetNewSstIDsRequest struct {
	Count uint64 `msgpack:"count"`
}

// GetNewSstIDsResponse holds the first reserved id; the range is
// [Start, Start+Count)
type GetNewSstIDsResponse struct {
	Start uint64 `msgpack:"start"`
	Count uint64 `msgpack:"count"`
}

// GetCatalogRequest looks up catalog objects. ID wins over ParentID/Name; a
// request with neither lists the children of ParentID.
type GetCatalogRequest struct {
	ID       uint64 `msgpack:"id,omitempty"`
	ParentID uint64 `msgpack:"parent_id,omitempty"`
	Name     string `msgpack:"name,omitempty"`
}

// GetCatalogResponse returns matching objects with the catalog version they
// were read at
type GetCatalogResponse struct {
	Version uint64           `msgpack:"version"`
	Objects []catalog.Object `msgpack:"objects"`
}

// SubscribeRequest opens a notification stream
type SubscribeRequest struct {
	Topics       []notify.Topic          `msgpack:"topics,omitempty"`
	Kinds        []string                `msgpack:"kinds,omitempty"`
	FromVersions map[notify.Topic]uint64 `msgpack:"from_versions,omitempty"`
}

// CreateActorsRequest asks a worker to build actors
type CreateActorsRequest struct {
	Actors []fragment.Actor `msgpack:"actors"`
}

// DropActorsRequest asks a worker to stop actors
type DropActorsRequest struct {
	ActorIDs []uint64 `msgpack:"actor_ids"`
}

// AssignCompactionTaskRequest hands a task to a compactor
type AssignCompactionTaskRequest struct {
	Task hummock.CompactionTask `msgpack:"task"`
}

// CompactionResultRequest tells a worker how meta settled one of its tasks
type CompactionResultRequest struct {
	TaskID uint64            `msgpack:"task_id"`
	State  hummock.TaskState `msgpack:"state"`
	Reason string            `msgpack:"reason,omitempty"`
}
