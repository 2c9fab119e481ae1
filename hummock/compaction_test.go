package hummock

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/flowmeta/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskInputs(task *CompactionTask) []uint64 {
	return task.InputIDs()
}

func TestRequestCompaction_L0ToL1(t *testing.T) {
	m, _, _, _ := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10)})
	require.NoError(t, err)

	// one L0 file is below the trigger
	task, err := m.RequestCompaction(ctx, 9, AnyLevel)
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = m.CommitEpoch(ctx, 2, []SstableInfo{sst(2, "b", "d", 10)})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Scores()[0], 1e-9)

	task, err = m.RequestCompaction(ctx, 9, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 0, task.InputLevel)
	assert.Equal(t, 1, task.TargetLevel)
	assert.Equal(t, []uint64{1, 2}, taskInputs(task))
	assert.Equal(t, TaskAssigned, task.State)
	assert.Equal(t, uint64(9), task.Worker)

	// inputs are reserved, so a second worker gets nothing
	other, err := m.RequestCompaction(ctx, 10, 0)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, m.ReportCompaction(ctx, 9, task.ID, TaskResult{
		Success: true,
		Outputs: []SstableInfo{sst(3, "a", "d", 18)},
	}))

	v := m.CurrentVersion()
	assert.Empty(t, v.Levels[0].Files)
	assert.Equal(t, []uint64{3}, levelIDs(v, 1))
	assert.Equal(t, uint64(18), v.Levels[1].TotalBytes)
	assert.Equal(t, uint64(2), v.MaxCommittedEpoch)
	assert.Empty(t, m.Tasks())

	err = m.ReportCompaction(ctx, 9, task.ID, TaskResult{Success: true})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRequestCompaction_IncludesOverlappingTargetFiles(t *testing.T) {
	m, _, _, _ := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "m", "p", 10)})
	require.NoError(t, err)
	task, err := m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NoError(t, m.ReportCompaction(ctx, 1, task.ID, TaskResult{
		Success: true,
		Outputs: []SstableInfo{sst(3, "a", "c", 10), sst(4, "m", "p", 10)},
	}))

	_, err = m.CommitEpoch(ctx, 2, []SstableInfo{sst(5, "b", "d", 10), sst(6, "b", "b", 10)})
	require.NoError(t, err)
	task, err = m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.ElementsMatch(t, []uint64{5, 6, 3}, taskInputs(task))

	require.NoError(t, m.ReportCompaction(ctx, 1, task.ID, TaskResult{
		Success: true,
		Outputs: []SstableInfo{sst(7, "a", "d", 25)},
	}))
	v := m.CurrentVersion()
	assert.Equal(t, []uint64{7, 4}, levelIDs(v, 1))
	assert.Equal(t, uint64(35), v.Levels[1].TotalBytes)
}

func TestRequestCompaction_DeeperLevelByScore(t *testing.T) {
	cfg := testConfig()
	cfg.BaseLevelBytes = 100
	m, _, _, _ := createTestManager(t, cfg)
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 80), sst(2, "d", "f", 80)})
	require.NoError(t, err)
	task, err := m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NoError(t, m.ReportCompaction(ctx, 1, task.ID, TaskResult{
		Success: true,
		Outputs: []SstableInfo{sst(3, "a", "c", 80), sst(4, "d", "f", 80)},
	}))
	assert.InDelta(t, 1.6, m.Scores()[1], 1e-9)
	assert.Zero(t, m.Scores()[2])

	task, err = m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.InputLevel)
	assert.Equal(t, 2, task.TargetLevel)
	assert.Equal(t, []uint64{3}, taskInputs(task))

	_, err = m.RequestCompaction(ctx, 1, 2)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestRequestCompaction_ExcludesPinnedFiles(t *testing.T) {
	m, _, _, _ := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "d", "f", 10)})
	require.NoError(t, err)
	pin, err := m.Pin(ctx, 3, 0)
	require.NoError(t, err)

	task, err := m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	assert.Nil(t, task)

	require.NoError(t, m.Unpin(ctx, pin.Token))
	task, err = m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, []uint64{1, 2}, taskInputs(task))
}

func TestRequestCompaction_WorkerCap(t *testing.T) {
	m, _, _, _ := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "d", "f", 10)})
	require.NoError(t, err)
	task, err := m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, task)

	_, err = m.RequestCompaction(ctx, 1, AnyLevel)
	assert.ErrorIs(t, err, ErrWorkerBusy)

	assigned, err := m.Dispatch(ctx, []uint64{1})
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestReportCompaction_WrongWorker(t *testing.T) {
	m, _, _, _ := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "d", "f", 10)})
	require.NoError(t, err)
	task, err := m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)

	err = m.ReportCompaction(ctx, 2, task.ID, TaskResult{Success: true})
	assert.ErrorIs(t, err, ErrTaskNotAssigned)

	err = m.ReportCompaction(ctx, 1, task.ID, TaskResult{Success: true, Outputs: []SstableInfo{sst(1, "a", "c", 1)}})
	assert.Error(t, err)
	require.Len(t, m.Tasks(), 1)
	assert.Equal(t, TaskAssigned, m.Tasks()[0].State)
}

func TestReportCompaction_FailureRequeuesThenCancels(t *testing.T) {
	m, _, hub, _ := createTestManager(t, testConfig())
	ctx := context.Background()
	sub, err := hub.Subscribe(notify.SubscribeOptions{Topics: []notify.Topic{notify.TopicHummock}, Kinds: []string{"compaction"}})
	require.NoError(t, err)
	defer sub.Close()

	_, err = m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "d", "f", 10)})
	require.NoError(t, err)

	task, err := m.RequestCompaction(ctx, 1, AnyLevel)
	require.NoError(t, err)
	require.NoError(t, m.ReportCompaction(ctx, 1, task.ID, TaskResult{Error: "disk full"}))

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskPending, tasks[0].State)
	assert.Equal(t, 1, tasks[0].Attempts)

	again, err := m.RequestCompaction(ctx, 2, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, uint64(2), again.Worker)
	require.NoError(t, m.ReportCompaction(ctx, 2, again.ID, TaskResult{Error: "disk full"}))
	assert.Empty(t, m.Tasks())

	select {
	case ev := <-sub.C():
		assert.Equal(t, notify.OpAlert, ev.Op)
		var cancelled CompactionTask
		require.NoError(t, ev.Decode(&cancelled))
		assert.Equal(t, task.ID, cancelled.ID)
		assert.Equal(t, TaskCancelled, cancelled.State)
		assert.Equal(t, 2, cancelled.Attempts)
	case <-time.After(time.Second):
		t.Fatal("no compaction alert")
	}

	// the cancelled input set is not offered again
	none, err := m.RequestCompaction(ctx, 3, AnyLevel)
	require.NoError(t, err)
	assert.Nil(t, none)

	// new files change the input set
	_, err = m.CommitEpoch(ctx, 2, []SstableInfo{sst(3, "g", "h", 10)})
	require.NoError(t, err)
	fresh, err := m.RequestCompaction(ctx, 3, AnyLevel)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, []uint64{1, 2, 3}, taskInputs(fresh))
}

func TestSweepTimeouts(t *testing.T) {
	m, _, _, clock := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "d", "f", 10)})
	require.NoError(t, err)
	task, err := m.RequestCompaction(ctx, 4, AnyLevel)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Empty(t, m.SweepTimeouts())

	clock.Advance(time.Minute)
	expired := m.SweepTimeouts()
	require.Len(t, expired, 1)
	assert.Equal(t, task.ID, expired[0].ID)
	assert.Equal(t, uint64(4), expired[0].Worker)
	assert.Equal(t, TaskFailed, expired[0].State)
	assert.Equal(t, 1, expired[0].Attempts)

	err = m.ReportCompaction(ctx, 4, task.ID, TaskResult{Success: true})
	assert.ErrorIs(t, err, ErrTaskNotAssigned)

	// the second timeout exhausts the attempts
	_, err = m.RequestCompaction(ctx, 5, AnyLevel)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	expired = m.SweepTimeouts()
	require.Len(t, expired, 1)
	assert.Equal(t, TaskCancelled, expired[0].State)
	assert.Empty(t, m.Tasks())
}

func TestRequeueWorkerTasks(t *testing.T) {
	m, _, _, _ := createTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.CommitEpoch(ctx, 1, []SstableInfo{sst(1, "a", "c", 10), sst(2, "d", "f", 10)})
	require.NoError(t, err)
	task, err := m.RequestCompaction(ctx, 3, AnyLevel)
	require.NoError(t, err)

	assert.Empty(t, m.RequeueWorkerTasks(8))
	assert.Equal(t, []uint64{task.ID}, m.RequeueWorkerTasks(3))

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskPending, tasks[0].State)
	assert.Zero(t, tasks[0].Attempts)

	assigned, err := m.Dispatch(ctx, []uint64{4})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, task.ID, assigned[0].ID)
	assert.Equal(t, uint64(4), assigned[0].Worker)
}

func TestInputSetKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, inputSetKey([]uint64{3, 1, 2}), inputSetKey([]uint64{1, 2, 3}))
	assert.NotEqual(t, inputSetKey([]uint64{1, 2}), inputSetKey([]uint64{1, 2, 3}))
}
