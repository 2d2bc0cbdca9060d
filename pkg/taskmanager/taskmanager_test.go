package taskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/netlab/pkg/types"
)

func newConfig() types.ExperimentConfig {
	return types.ExperimentConfig{ExperimentType: "ping", OutputDir: "/tmp/out", Timeout: 30}
}

func TestManager_CreateAndSubmitTask(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 3, nil, nil)
	require.NotEmpty(t, taskID)

	status, ok := m.GetTaskStatus(taskID)
	require.True(t, ok)
	assert.Equal(t, types.TaskPending, status)

	assert.True(t, m.SubmitTask(taskID))
	assert.Equal(t, 1, m.QueueSize())
}

func TestManager_SubmitUnknownTaskFails(t *testing.T) {
	m := New(10)
	assert.False(t, m.SubmitTask("does-not-exist"))
}

func TestManager_SubmitRespectsDependencies(t *testing.T) {
	m := New(10)
	dep := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, []string{dep}, nil)

	assert.False(t, m.SubmitTask(taskID), "must not submit while its dependency is still pending")

	require.True(t, m.SubmitTask(dep))
	task := m.GetNextTask()
	require.NotNil(t, task)
	require.True(t, m.StartTask(task.TaskID, "host-a"))
	require.True(t, m.CompleteTask(task.TaskID, &types.ExperimentResult{ExperimentID: "exp", Status: types.ExperimentCompleted}))

	assert.True(t, m.SubmitTask(taskID), "dependency is now completed, submission should succeed")
}

func TestManager_SubmitFailsWhenQueueFull(t *testing.T) {
	m := New(1)
	a := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	b := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)

	require.True(t, m.SubmitTask(a))
	assert.False(t, m.SubmitTask(b))
	assert.True(t, m.IsQueueFull())
}

func TestManager_GetNextTaskPriorityOrder(t *testing.T) {
	m := New(10)
	low := m.CreateTask("ping", newConfig(), 1, 0, nil, nil)
	high := m.CreateTask("ping", newConfig(), 9, 0, nil, nil)
	require.True(t, m.SubmitTask(low))
	require.True(t, m.SubmitTask(high))

	first := m.GetNextTask()
	require.NotNil(t, first)
	assert.Equal(t, high, first.TaskID, "higher-priority task must be dequeued first")
}

func TestManager_GetNextTaskFIFOWithinSamePriority(t *testing.T) {
	m := New(10)
	a := m.CreateTask("ping", newConfig(), 5, 0, nil, nil)
	b := m.CreateTask("ping", newConfig(), 5, 0, nil, nil)
	require.True(t, m.SubmitTask(a))
	require.True(t, m.SubmitTask(b))

	first := m.GetNextTask()
	second := m.GetNextTask()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, a, first.TaskID)
	assert.Equal(t, b, second.TaskID)
}

func TestManager_GetNextTaskEmptyQueue(t *testing.T) {
	m := New(10)
	assert.Nil(t, m.GetNextTask())
}

func TestManager_StartTaskTransitions(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.NotNil(t, task)

	assert.True(t, m.StartTask(task.TaskID, "host-a"))
	status, _ := m.GetTaskStatus(task.TaskID)
	assert.Equal(t, types.TaskRunning, status)

	assert.False(t, m.StartTask(task.TaskID, "host-a"), "starting an already-running task must fail")
}

func TestManager_CompleteTaskInvokesCallback(t *testing.T) {
	m := New(10)
	called := make(chan *types.Task, 1)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, func(t *types.Task) { called <- t })
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.True(t, m.StartTask(task.TaskID, "host-a"))

	result := &types.ExperimentResult{ExperimentID: "exp_1", Status: types.ExperimentCompleted}
	assert.True(t, m.CompleteTask(task.TaskID, result))

	select {
	case got := <-called:
		assert.Equal(t, types.TaskCompleted, got.Status)
		assert.Equal(t, result, got.Result)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestManager_CompleteTaskNotRunningFails(t *testing.T) {
	m := New(10)
	assert.False(t, m.CompleteTask("nope", &types.ExperimentResult{}))
}

func TestManager_FailTaskRetriesUntilExhausted(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 2, nil, nil)
	require.True(t, m.SubmitTask(taskID))

	for i := 0; i < 2; i++ {
		task := m.GetNextTask()
		require.NotNil(t, task)
		require.True(t, m.StartTask(task.TaskID, "host-a"))
		assert.True(t, m.FailTask(task.TaskID, "boom"))

		status, _ := m.GetTaskStatus(taskID)
		assert.Equal(t, types.TaskPending, status, "task should be re-queued while retries remain")
	}

	task := m.GetNextTask()
	require.NotNil(t, task)
	require.True(t, m.StartTask(task.TaskID, "host-a"))
	assert.True(t, m.FailTask(task.TaskID, "boom again"))

	status, _ := m.GetTaskStatus(taskID)
	assert.Equal(t, types.TaskFailed, status, "task should fail permanently once retries are exhausted")
}

func TestManager_UpdateProgressClamps(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.True(t, m.StartTask(task.TaskID, "host-a"))

	assert.True(t, m.UpdateProgress(task.TaskID, 1.5))
	got := m.GetTask(task.TaskID)
	assert.Equal(t, 1.0, got.Progress)

	assert.True(t, m.UpdateProgress(task.TaskID, -0.5))
	got = m.GetTask(task.TaskID)
	assert.Equal(t, 0.0, got.Progress)
}

func TestManager_CancelTask(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	assert.True(t, m.CancelTask(taskID))

	status, _ := m.GetTaskStatus(taskID)
	assert.Equal(t, types.TaskCancelled, status)
	assert.False(t, m.CancelTask(taskID), "cannot cancel an already-terminal task")
}

func TestManager_CancelRunningTaskIsNotOverwrittenByLateCompletion(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.True(t, m.StartTask(task.TaskID, "host-a"))

	require.True(t, m.CancelTask(task.TaskID))
	status, _ := m.GetTaskStatus(task.TaskID)
	assert.Equal(t, types.TaskCancelled, status)

	assert.False(t, m.CompleteTask(task.TaskID, &types.ExperimentResult{Status: types.ExperimentCompleted}), "completing a cancelled task must fail, not resurrect it")
	assert.False(t, m.FailTask(task.TaskID, "late failure"), "failing a cancelled task must fail, not overwrite it")

	status, _ = m.GetTaskStatus(task.TaskID)
	assert.Equal(t, types.TaskCancelled, status, "status must remain cancelled")
	assert.Empty(t, m.TasksByHost("host-a"), "cancelled task must no longer be tracked as running")
}

func TestManager_AllTasksByStatus(t *testing.T) {
	m := New(10)
	pending := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	running := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(running))
	runningTask := m.GetNextTask()
	require.True(t, m.StartTask(runningTask.TaskID, "host-a"))

	grouped := m.AllTasksByStatus()
	assert.Contains(t, pendingIDs(grouped["pending"]), pending)
	assert.Contains(t, pendingIDs(grouped["running"]), running)
}

func pendingIDs(tasks []*types.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.TaskID)
	}
	return out
}

func TestManager_TasksByHost(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.True(t, m.StartTask(task.TaskID, "host-a"))

	onHost := m.TasksByHost("host-a")
	require.Len(t, onHost, 1)
	assert.Equal(t, taskID, onHost[0].TaskID)
	assert.Empty(t, m.TasksByHost("host-b"))
}

func TestManager_GetStats(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))

	stats := m.GetStats()
	assert.Equal(t, 1, stats.TotalCreated)
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 1, stats.TotalTasks)
}

func TestManager_ClearCompletedRespectsAge(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.True(t, m.StartTask(task.TaskID, "host-a"))
	require.True(t, m.CompleteTask(task.TaskID, &types.ExperimentResult{Status: types.ExperimentCompleted}))

	assert.Equal(t, 0, m.ClearCompleted(1), "recently completed tasks should not be cleared by a 1-hour cutoff")
	assert.Equal(t, 1, m.ClearCompleted(0), "a 0-hour cutoff should clear everything already completed")
}

func TestManager_WaitForTaskCompletionSignalsOnComplete(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))
	task := m.GetNextTask()
	require.True(t, m.StartTask(task.TaskID, "host-a"))

	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForTaskCompletion(taskID, 2*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, m.CompleteTask(task.TaskID, &types.ExperimentResult{Status: types.ExperimentCompleted}))

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTaskCompletion did not return")
	}
}

func TestManager_WaitForTaskCompletionTimesOut(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))

	ok := m.WaitForTaskCompletion(taskID, 20*time.Millisecond)
	assert.False(t, ok)
}

func TestManager_WaitForTaskCompletionAlreadyTerminal(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	assert.True(t, m.CancelTask(taskID))
	assert.True(t, m.WaitForTaskCompletion(taskID, time.Second))
}

func TestManager_Shutdown(t *testing.T) {
	m := New(10)
	taskID := m.CreateTask("ping", newConfig(), 0, 0, nil, nil)
	require.True(t, m.SubmitTask(taskID))

	m.Shutdown()
	assert.Equal(t, 0, m.QueueSize())
	assert.Nil(t, m.GetTask(taskID))
}
