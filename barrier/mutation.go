package barrier

import (
	"errors"
	"fmt"

	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/user"
)

// ErrStaleDiff rejects a reconfiguration computed against placements that
// changed before it could be injected
var ErrStaleDiff = errors.New("barrier: reconfiguration is stale")

// MutationKind names a mutation on the wire
type MutationKind string

const (
	KindCreateJob   MutationKind = "create_job"
	KindDropJob     MutationKind = "drop_job"
	KindReconfigure MutationKind = "reconfigure"
)

// Mutation is a catalog or placement change that commits atomically with
// the epoch it is attached to. The set of mutations is closed: CreateJob,
// DropJob and Reconfigure.
type Mutation interface {
	Kind() MutationKind
	isMutation()
}

// CreateJob makes a streaming object visible together with its actors
type CreateJob struct {
	Object *catalog.Pending
	Job    *fragment.Job
}

// DropJob removes a streaming object, its actors and the grants on it
type DropJob struct {
	Object *catalog.Pending
	JobID  uint64
}

// Reconfigure moves or rescales actors of existing jobs
type Reconfigure struct {
	Diff *fragment.Diff
}

func (CreateJob) Kind() MutationKind   { return KindCreateJob }
func (DropJob) Kind() MutationKind     { return KindDropJob }
func (Reconfigure) Kind() MutationKind { return KindReconfigure }

func (CreateJob) isMutation()   {}
func (DropJob) isMutation()     {}
func (Reconfigure) isMutation() {}

// MutationInfo is the part of a mutation workers need to see
type MutationInfo struct {
	Kind    MutationKind     `msgpack:"kind" json:"kind"`
	Added   []fragment.Actor `msgpack:"added,omitempty" json:"added,omitempty"`
	Updated []fragment.Actor `msgpack:"updated,omitempty" json:"updated,omitempty"`
	Stopped []uint64         `msgpack:"stopped,omitempty" json:"stopped,omitempty"`
}

// Barrier is the checkpoint marker injected at source actors
type Barrier struct {
	Epoch     epoch.Epoch   `msgpack:"epoch" json:"epoch"`
	PrevEpoch epoch.Epoch   `msgpack:"prev_epoch" json:"prev_epoch"`
	Mutation  *MutationInfo `msgpack:"mutation,omitempty" json:"mutation,omitempty"`
}

// plan is what the manager derives from a mutation before injecting
type plan struct {
	info *MutationInfo
	// create lists actors that must exist on workers before injection
	create []fragment.Actor
	// drop lists actors torn down once the epoch commits
	drop []fragment.Actor
	// overlay replaces committed jobs in the topology of this epoch
	overlay []*fragment.Job
	// diff is set for reschedules the manager triggered itself
	diff *fragment.Diff
}

func (m *Manager) planMutation(mu Mutation) (*plan, error) {
	switch mu := mu.(type) {
	case CreateJob:
		actors := mu.Job.ActorList()
		return &plan{
			info:    &MutationInfo{Kind: KindCreateJob, Added: actors},
			create:  actors,
			overlay: []*fragment.Job{mu.Job},
		}, nil
	case DropJob:
		job, err := m.deps.Scheduler.Job(mu.JobID)
		if err != nil {
			return nil, err
		}
		actors := job.ActorList()
		stopped := make([]uint64, len(actors))
		for i, a := range actors {
			stopped[i] = a.ID
		}
		return &plan{
			info: &MutationInfo{Kind: KindDropJob, Stopped: stopped},
			drop: actors,
		}, nil
	case Reconfigure:
		if err := m.checkDiff(mu.Diff); err != nil {
			return nil, err
		}
		return m.planDiff(mu.Diff), nil
	default:
		return nil, fmt.Errorf("barrier: unknown mutation %T", mu)
	}
}

// checkDiff verifies that the actors a diff moves or removes are still where
// the diff expects them and that its new actors land on live nodes
func (m *Manager) checkDiff(diff *fragment.Diff) error {
	if diff.Empty() {
		return fmt.Errorf("%w: empty diff", ErrStaleDiff)
	}
	placed := make(map[uint64]uint64)
	for _, a := range m.deps.Scheduler.Actors() {
		placed[a.ID] = a.NodeID
	}
	for _, list := range [][]fragment.Actor{diff.Dropped, diff.Updated} {
		for _, a := range list {
			if node, ok := placed[a.ID]; !ok || node != a.NodeID {
				return fmt.Errorf("%w: actor %d moved", ErrStaleDiff, a.ID)
			}
		}
	}
	for _, a := range diff.Created {
		if !m.deps.Cluster.Alive(a.NodeID) {
			return fmt.Errorf("%w: node %d of actor %d is gone", ErrStaleDiff, a.NodeID, a.ID)
		}
	}
	return nil
}

// planDiff turns a placement diff into what workers see and do this epoch
func (m *Manager) planDiff(diff *fragment.Diff) *plan {
	stopped := make([]uint64, len(diff.Dropped))
	for i, a := range diff.Dropped {
		stopped[i] = a.ID
	}
	return &plan{
		info: &MutationInfo{
			Kind:    KindReconfigure,
			Added:   diff.Created,
			Updated: diff.Updated,
			Stopped: stopped,
		},
		create:  diff.Created,
		drop:    diff.Dropped,
		overlay: diff.Jobs,
		diff:    diff,
	}
}

// stageMutation returns the writes a mutation adds to the epoch commit. On
// error everything it staged is aborted.
func (m *Manager) stageMutation(mu Mutation) ([]*metastore.Staged, error) {
	var staged []*metastore.Staged
	add := func(st *metastore.Staged, err error) error {
		if err != nil {
			metastore.Abort(staged...)
			return err
		}
		staged = append(staged, st)
		return nil
	}

	switch mu := mu.(type) {
	case CreateJob:
		if err := add(m.deps.Scheduler.StageCreate(mu.Job)); err != nil {
			return nil, err
		}
		if err := add(m.deps.Catalog.StageCommit(mu.Object)); err != nil {
			return nil, err
		}
	case DropJob:
		st, _, err := m.deps.Scheduler.StageDrop(mu.JobID)
		if err := add(st, err); err != nil {
			return nil, err
		}
		if m.deps.Users != nil {
			obj := mu.Object.Object()
			target := user.Target{Kind: string(obj.Kind), ID: obj.ID}
			if err := add(m.deps.Users.StageReleasePrivileges(target)); err != nil {
				return nil, err
			}
		}
		if err := add(m.deps.Catalog.StageCommit(mu.Object)); err != nil {
			return nil, err
		}
	case Reconfigure:
		if err := m.checkDiff(mu.Diff); err != nil {
			return nil, err
		}
		if err := add(m.deps.Scheduler.StageApply(mu.Diff)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("barrier: unknown mutation %T", mu)
	}
	return staged, nil
}
