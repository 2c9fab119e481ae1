package hummock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

// TaskState is the lifecycle state of a compaction task
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskFinished  TaskState = "finished"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// AnyLevel asks RequestCompaction to pick the level with the highest score
const AnyLevel = -1

// CompactionTask merges input files of one level with the overlapping files
// of the next level
type CompactionTask struct {
	ID          uint64        `msgpack:"id" json:"id"`
	InputLevel  int           `msgpack:"input_level" json:"input_level"`
	TargetLevel int           `msgpack:"target_level" json:"target_level"`
	Inputs      []SstableInfo `msgpack:"inputs" json:"inputs"`
	Worker      uint64        `msgpack:"worker" json:"worker"`
	State       TaskState     `msgpack:"state" json:"state"`
	Attempts    int           `msgpack:"attempts" json:"attempts"`
	AssignedAt  time.Time     `msgpack:"assigned_at" json:"assigned_at"`

	inputKey   uint64
	committing bool
}

// TaskResult is what a worker reports for a task
type TaskResult struct {
	Success bool          `msgpack:"success" json:"success"`
	Outputs []SstableInfo `msgpack:"outputs,omitempty" json:"outputs,omitempty"`
	Error   string        `msgpack:"error,omitempty" json:"error,omitempty"`
}

// InputIDs returns the ids of the task's input files
func (t *CompactionTask) InputIDs() []uint64 {
	out := make([]uint64, len(t.Inputs))
	for i, f := range t.Inputs {
		out[i] = f.ID
	}
	return out
}

func (t *CompactionTask) copy() CompactionTask {
	c := *t
	c.Inputs = append([]SstableInfo(nil), t.Inputs...)
	return c
}

// inputSetKey identifies a set of files independent of order
func inputSetKey(ids []uint64) uint64 {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	d := xxhash.New()
	buf := make([]byte, 8)
	for _, v := range sorted {
		binary.LittleEndian.PutUint64(buf, v)
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}

// levelTarget is the size a level may reach before it scores 1.0
func (m *Manager) levelTarget(level int) float64 {
	return float64(m.config.BaseLevelBytes) * math.Pow(m.config.LevelMultiplier, float64(level-1))
}

// Scores returns the compaction score of every level. The last level never
// compacts and always scores zero.
func (m *Manager) Scores() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scoresLocked()
}

func (m *Manager) scoresLocked() []float64 {
	out := make([]float64, len(m.current.Levels))
	for i, l := range m.current.Levels {
		switch {
		case i == len(m.current.Levels)-1:
		case i == 0:
			out[i] = float64(len(l.Files)) / float64(m.config.L0CompactionTrigger)
		default:
			out[i] = float64(l.TotalBytes) / m.levelTarget(i)
		}
	}
	return out
}

func (m *Manager) eligibleLocked(f SstableInfo) bool {
	if _, taken := m.busy[f.ID]; taken {
		return false
	}
	return !m.isProtectedLocked(f.ID)
}

func (m *Manager) workerLoadLocked(worker uint64) int {
	n := 0
	for _, t := range m.tasks {
		if t.State == TaskAssigned && t.Worker == worker {
			n++
		}
	}
	return n
}

// RequestCompaction hands worker a task for level, or for the highest
// scoring level when level is AnyLevel. Requeued tasks go out before new
// ones. It returns nil when nothing can be compacted.
func (m *Manager) RequestCompaction(ctx context.Context, worker uint64, level int) (*CompactionTask, error) {
	if level != AnyLevel && (level < 0 || level >= m.config.MaxLevels-1) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}

	m.mu.Lock()
	if m.workerLoadLocked(worker) >= m.config.MaxTasksPerWorker {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrWorkerBusy, worker)
	}
	if t := m.requeuedLocked(level); t != nil {
		m.assignLocked(t, worker)
		out := t.copy()
		m.mu.Unlock()
		m.updateMetrics()
		return &out, nil
	}
	t := m.pickLocked(level)
	if t == nil {
		m.mu.Unlock()
		return nil, nil
	}
	// Reserve the inputs while the id is allocated
	for _, f := range t.Inputs {
		m.busy[f.ID] = 0
	}
	m.mu.Unlock()

	taskID, err := m.ids.Next(ctx, id.Compaction)

	m.mu.Lock()
	if err != nil {
		for _, f := range t.Inputs {
			delete(m.busy, f.ID)
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("hummock: allocate task id: %w", err)
	}
	t.ID = taskID
	for _, f := range t.Inputs {
		m.busy[f.ID] = taskID
	}
	m.tasks[taskID] = t
	m.assignLocked(t, worker)
	out := t.copy()
	m.mu.Unlock()

	m.updateMetrics()
	log.Info().
		Uint64("task", taskID).
		Uint64("worker", worker).
		Int("input_level", t.InputLevel).
		Int("target_level", t.TargetLevel).
		Int("inputs", len(t.Inputs)).
		Msg("Assigned compaction task")
	return &out, nil
}

func (m *Manager) assignLocked(t *CompactionTask, worker uint64) {
	t.Worker = worker
	t.State = TaskAssigned
	t.AssignedAt = m.now()
	telemetry.CompactionTasksTotal.With("assigned").Inc()
}

func (m *Manager) requeuedLocked(level int) *CompactionTask {
	var best *CompactionTask
	for _, t := range m.tasks {
		if t.State != TaskPending || (level != AnyLevel && t.InputLevel != level) {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	return best
}

func (m *Manager) pickLocked(level int) *CompactionTask {
	levels := []int{level}
	if level == AnyLevel {
		scores := m.scoresLocked()
		levels = levels[:0]
		for i, s := range scores {
			if s >= 1 {
				levels = append(levels, i)
			}
		}
		sort.SliceStable(levels, func(i, j int) bool { return scores[levels[i]] > scores[levels[j]] })
	}

	for _, l := range levels {
		var t *CompactionTask
		if l == 0 {
			t = m.pickL0Locked()
		} else {
			t = m.pickLevelLocked(l)
		}
		if t != nil {
			return t
		}
	}
	return nil
}

// pickL0Locked takes the oldest run of eligible L0 files together with every
// L1 file they overlap
func (m *Manager) pickL0Locked() *CompactionTask {
	files := m.current.Levels[0].Files
	var picked []SstableInfo
	for i := len(files) - 1; i >= 0; i-- {
		if !m.eligibleLocked(files[i]) {
			break
		}
		if m.config.MaxFilesPerTask > 0 && len(picked) >= m.config.MaxFilesPerTask {
			break
		}
		picked = append(picked, files[i])
	}
	if len(picked) == 0 {
		return nil
	}

	overlaps := m.indexes[1].overlapping(coverage(picked))
	for _, f := range overlaps {
		if !m.eligibleLocked(f) {
			return nil
		}
	}
	return m.newTaskLocked(0, append(picked, overlaps...))
}

// pickLevelLocked takes the first eligible file of level whose overlapping
// files in the next level are eligible too
func (m *Manager) pickLevelLocked(level int) *CompactionTask {
	for _, f := range m.current.Levels[level].Files {
		if !m.eligibleLocked(f) {
			continue
		}
		overlaps := m.indexes[level+1].overlapping(f.KeyRange)
		ok := true
		for _, o := range overlaps {
			if !m.eligibleLocked(o) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if t := m.newTaskLocked(level, append([]SstableInfo{f}, overlaps...)); t != nil {
			return t
		}
	}
	return nil
}

func (m *Manager) newTaskLocked(level int, inputs []SstableInfo) *CompactionTask {
	t := &CompactionTask{InputLevel: level, TargetLevel: level + 1, Inputs: inputs, State: TaskPending}
	t.inputKey = inputSetKey(t.InputIDs())
	if _, bad := m.quarantine[t.inputKey]; bad {
		return nil
	}
	return t
}

// ReportCompaction records the outcome of an assigned task. A success
// installs a new version without the inputs and with the outputs in the
// target level. A failure requeues the task, or cancels it once it failed
// MaxTaskAttempts times.
func (m *Manager) ReportCompaction(ctx context.Context, worker, taskID uint64, result TaskResult) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if t.State != TaskAssigned || t.Worker != worker || t.committing {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %d, node %d", ErrTaskNotAssigned, taskID, worker)
	}

	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = ErrCompactionTaskFailed.Error()
		}
		alert := m.failLocked(t, reason)
		m.mu.Unlock()
		m.afterFailure(alert)
		return nil
	}
	t.committing = true
	m.mu.Unlock()

	err := m.commitCompaction(ctx, t, result.Outputs)

	m.mu.Lock()
	t.committing = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.State = TaskFinished
	m.releaseLocked(t)
	m.mu.Unlock()

	telemetry.CompactionTasksTotal.With("finished").Inc()
	m.updateMetrics()
	log.Info().Uint64("task", taskID).Int("outputs", len(result.Outputs)).Msg("Compaction task finished")
	return nil
}

func (m *Manager) commitCompaction(ctx context.Context, t *CompactionTask, outputs []SstableInfo) error {
	m.commitMu.Lock()

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	inputs := make(map[uint64]struct{}, len(t.Inputs))
	for _, f := range t.Inputs {
		inputs[f.ID] = struct{}{}
	}
	existing := current.FileIDs()
	for _, f := range outputs {
		if _, dup := existing[f.ID]; dup {
			m.commitMu.Unlock()
			return fmt.Errorf("hummock: output sstable %d is already part of the version", f.ID)
		}
	}

	next := current.Clone()
	next.ID++
	next.applyCompaction(inputs, t.TargetLevel, outputs)

	staged, err := m.stageVersion(next, nil)
	if err != nil {
		return err
	}
	if _, err := metastore.Commit(ctx, m.store, staged); err != nil {
		return fmt.Errorf("hummock: commit compaction %d: %w", t.ID, err)
	}
	return nil
}

// failLocked counts a failed attempt and returns the task when it was
// cancelled and needs an alert
func (m *Manager) failLocked(t *CompactionTask, reason string) *CompactionTask {
	t.Attempts++
	telemetry.CompactionTasksTotal.With("failed").Inc()
	log.Warn().
		Uint64("task", t.ID).
		Uint64("worker", t.Worker).
		Int("attempts", t.Attempts).
		Str("reason", reason).
		Msg("Compaction task failed")

	if t.Attempts < m.config.MaxTaskAttempts {
		t.State = TaskPending
		t.Worker = 0
		return nil
	}

	t.State = TaskCancelled
	m.quarantine[t.inputKey] = t.InputIDs()
	m.releaseLocked(t)
	telemetry.CompactionTasksTotal.With("cancelled").Inc()
	c := t.copy()
	return &c
}

func (m *Manager) afterFailure(cancelled *CompactionTask) {
	if cancelled != nil {
		m.alert(cancelled)
	}
	m.updateMetrics()
}

// alert raises a cancelled task to operators
func (m *Manager) alert(t *CompactionTask) {
	telemetry.CompactionAlertsTotal.Inc()
	log.Error().
		Uint64("task", t.ID).
		Int("attempts", t.Attempts).
		Uints64("inputs", t.InputIDs()).
		Msg("Compaction task cancelled after repeated failures")
	if m.events != nil {
		if _, err := m.events.Publish(notify.TopicHummock, notify.OpAlert, "compaction", strconv.FormatUint(t.ID, 10), t); err != nil {
			log.Warn().Err(err).Uint64("task", t.ID).Msg("Failed to publish compaction alert")
		}
	}
}

func (m *Manager) releaseLocked(t *CompactionTask) {
	for _, f := range t.Inputs {
		if m.busy[f.ID] == t.ID {
			delete(m.busy, f.ID)
		}
	}
	delete(m.tasks, t.ID)
}

// pruneQuarantineLocked forgets cancelled input sets that no longer exist
func (m *Manager) pruneQuarantineLocked() {
	if len(m.quarantine) == 0 {
		return
	}
	live := m.current.FileIDs()
	for key, ids := range m.quarantine {
		for _, f := range ids {
			if _, ok := live[f]; !ok {
				delete(m.quarantine, key)
				break
			}
		}
	}
}

// SweepTimeouts fails assigned tasks older than the task timeout. The
// returned copies keep the worker they were assigned to and carry either
// TaskFailed or TaskCancelled.
func (m *Manager) SweepTimeouts() []CompactionTask {
	if m.config.TaskTimeout <= 0 {
		return nil
	}
	now := m.now()

	var expired []CompactionTask
	var alerts []*CompactionTask
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.State != TaskAssigned || t.committing || now.Sub(t.AssignedAt) <= m.config.TaskTimeout {
			continue
		}
		c := t.copy()
		c.State = TaskFailed
		telemetry.CompactionTasksTotal.With("timeout").Inc()
		if a := m.failLocked(t, "timed out"); a != nil {
			c.State = TaskCancelled
			alerts = append(alerts, a)
		}
		c.Attempts = t.Attempts
		expired = append(expired, c)
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.alert(a)
	}
	if len(expired) > 0 {
		m.updateMetrics()
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// RequeueWorkerTasks returns the tasks of a lost worker to the queue. It
// does not count as a failed attempt.
func (m *Manager) RequeueWorkerTasks(worker uint64) []uint64 {
	var out []uint64
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.State == TaskAssigned && t.Worker == worker && !t.committing {
			t.State = TaskPending
			t.Worker = 0
			out = append(out, t.ID)
		}
	}
	m.mu.Unlock()

	if len(out) > 0 {
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		log.Info().Uint64("worker", worker).Uints64("tasks", out).Msg("Requeued compaction tasks of lost worker")
		m.updateMetrics()
	}
	return out
}

// Dispatch fills every worker up to its task limit
func (m *Manager) Dispatch(ctx context.Context, workers []uint64) ([]CompactionTask, error) {
	var out []CompactionTask
	for _, w := range workers {
		for {
			t, err := m.RequestCompaction(ctx, w, AnyLevel)
			if errors.Is(err, ErrWorkerBusy) {
				break
			}
			if err != nil {
				return out, err
			}
			if t == nil {
				return out, nil
			}
			out = append(out, *t)
		}
	}
	return out, nil
}

// Tasks returns the live tasks ordered by id
func (m *Manager) Tasks() []CompactionTask {
	m.mu.RLock()
	out := make([]CompactionTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.copy())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
