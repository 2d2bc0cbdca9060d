// Package taskmanager queues, schedules, and state-tracks experiment tasks
// (SPEC_FULL.md §4.2): a container/heap priority queue plus a task state
// machine with dependency gating and retry.
package taskmanager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/metrics"
	"github.com/cuemby/netlab/pkg/types"
)

// Stats mirrors the original's counters dict.
type Stats struct {
	TotalCreated   int
	TotalCompleted int
	TotalFailed    int
	TotalRetried   int
	QueueSize      int
	RunningCount   int
	CompletedCount int
	FailedCount    int
	TotalTasks     int
}

// Manager queues and tracks tasks. All exported methods are safe for
// concurrent use.
type Manager struct {
	maxQueueSize int

	mu        sync.Mutex
	queue     taskHeap
	seqNext   int64
	all       map[string]*types.Task
	running   map[string]*types.Task
	completed map[string]*types.Task
	failed    map[string]*types.Task
	waiters   map[string][]chan struct{}

	stats Stats

	idCounter int64
	idMu      sync.Mutex
}

// New returns a Manager bounded to maxQueueSize queued tasks.
func New(maxQueueSize int) *Manager {
	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}
	return &Manager{
		maxQueueSize: maxQueueSize,
		all:          make(map[string]*types.Task),
		running:      make(map[string]*types.Task),
		completed:    make(map[string]*types.Task),
		failed:       make(map[string]*types.Task),
		waiters:      make(map[string][]chan struct{}),
	}
}

func (m *Manager) generateTaskID() string {
	m.idMu.Lock()
	m.idCounter++
	n := m.idCounter
	m.idMu.Unlock()

	ts := time.Now().UnixMilli()
	return "task_" + itoa(ts) + "_" + itoa(n) + "_" + uuid.NewString()[:8]
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// CreateTask registers a new task in pending status, not yet queued. Always
// succeeds.
func (m *Manager) CreateTask(experimentType string, cfg types.ExperimentConfig, priority, maxRetries int, dependencies []string, callback func(*types.Task)) string {
	taskID := m.generateTaskID()

	task := &types.Task{
		TaskID:         taskID,
		ExperimentType: experimentType,
		Config:         cfg,
		Status:         types.TaskPending,
		CreatedTime:    time.Now(),
		MaxRetries:     maxRetries,
		Priority:       priority,
		Dependencies:   append([]string(nil), dependencies...),
		Callback:       callback,
	}

	m.mu.Lock()
	m.all[taskID] = task
	m.stats.TotalCreated++
	m.mu.Unlock()

	log.Logger.Info().Str("task_id", taskID).Str("experiment_type", experimentType).Int("priority", priority).Msg("created task")
	return taskID
}

func (m *Manager) dependenciesMetLocked(task *types.Task) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := m.all[dep]
		if !ok {
			log.Logger.Warn().Str("task_id", task.TaskID).Str("dependency", dep).Msg("dependency task does not exist")
			return false
		}
		if depTask.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

func (m *Manager) enqueueLocked(task *types.Task) {
	m.seqNext++
	heapPush(&m.queue, &queueItem{
		task:          task,
		createdMillis: task.CreatedTime.UnixMilli(),
		seq:           m.seqNext,
	})
	metrics.QueueDepth.Set(float64(len(m.queue)))
}

// SubmitTask pushes a pending task onto the priority queue, provided its
// dependencies are satisfied and the queue has capacity.
func (m *Manager) SubmitTask(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.all[taskID]
	if !ok {
		log.Logger.Error().Str("task_id", taskID).Msg("submit: task does not exist")
		return false
	}

	if !m.dependenciesMetLocked(task) {
		return false
	}
	if len(m.queue) >= m.maxQueueSize {
		log.Logger.Warn().Str("task_id", taskID).Msg("task queue full, cannot submit")
		return false
	}

	m.enqueueLocked(task)
	return true
}

// GetNextTask pops the highest-priority task, or nil if the queue is empty.
func (m *Manager) GetNextTask() *types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil
	}
	item := heapPop(&m.queue)
	metrics.QueueDepth.Set(float64(len(m.queue)))
	return item.task
}

// StartTask transitions a pending task to running on the given host.
func (m *Manager) StartTask(taskID, host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.all[taskID]
	if !ok {
		log.Logger.Error().Str("task_id", taskID).Msg("start: task does not exist")
		return false
	}
	if task.Status != types.TaskPending {
		log.Logger.Warn().Str("task_id", taskID).Str("status", string(task.Status)).Msg("start: task not pending")
		return false
	}

	now := time.Now()
	task.Status = types.TaskRunning
	task.StartTime = &now
	task.AssignedHost = host
	m.running[taskID] = task

	metrics.RunningTasks.Set(float64(len(m.running)))
	log.Logger.Info().Str("task_id", taskID).Str("host", host).Msg("started task")
	return true
}

func (m *Manager) notifyLocked(taskID string) {
	for _, ch := range m.waiters[taskID] {
		close(ch)
	}
	delete(m.waiters, taskID)
}

// CompleteTask transitions a running task to completed, storing result and
// invoking the task's callback (if any) with panics recovered and logged.
func (m *Manager) CompleteTask(taskID string, result *types.ExperimentResult) bool {
	m.mu.Lock()
	task, ok := m.running[taskID]
	if !ok {
		m.mu.Unlock()
		log.Logger.Error().Str("task_id", taskID).Msg("complete: task not running")
		return false
	}

	now := time.Now()
	task.Status = types.TaskCompleted
	task.EndTime = &now
	task.Result = result
	task.Progress = 1.0

	m.completed[taskID] = task
	delete(m.running, taskID)
	m.stats.TotalCompleted++
	m.notifyLocked(taskID)
	callback := task.Callback
	m.mu.Unlock()

	metrics.RunningTasks.Set(float64(m.runningCount()))
	metrics.TasksTotal.WithLabelValues(string(types.TaskCompleted)).Inc()
	log.Logger.Info().Str("task_id", taskID).Msg("task completed")

	if callback != nil {
		m.invokeCallback(task, callback)
	}
	return true
}

func (m *Manager) invokeCallback(task *types.Task, callback func(*types.Task)) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Str("task_id", task.TaskID).Interface("panic", r).Msg("task callback panicked")
		}
	}()
	callback(task)
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// FailTask marks a running task as failed, retrying it (back to pending and
// re-queued) if retries remain.
func (m *Manager) FailTask(taskID, errorMessage string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.running[taskID]
	if !ok {
		log.Logger.Error().Str("task_id", taskID).Msg("fail: task not running")
		return false
	}

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = types.TaskPending
		task.StartTime = nil
		task.EndTime = nil
		task.AssignedHost = ""
		task.Progress = 0
		task.ErrorMessage = ""

		delete(m.running, taskID)
		m.enqueueLocked(task)
		m.stats.TotalRetried++
		metrics.TasksRetried.Inc()
		metrics.RunningTasks.Set(float64(len(m.running)))

		log.Logger.Info().Str("task_id", taskID).Int("retry", task.RetryCount).Int("max_retries", task.MaxRetries).Msg("retrying task")
		return true
	}

	now := time.Now()
	task.Status = types.TaskFailed
	task.EndTime = &now
	task.ErrorMessage = errorMessage

	m.failed[taskID] = task
	delete(m.running, taskID)
	m.stats.TotalFailed++
	m.notifyLocked(taskID)

	metrics.RunningTasks.Set(float64(len(m.running)))
	metrics.TasksTotal.WithLabelValues(string(types.TaskFailed)).Inc()
	log.Logger.Error().Str("task_id", taskID).Str("error", errorMessage).Msg("task failed")
	return true
}

// UpdateProgress clamps and stores the fractional progress of a running task.
func (m *Manager) UpdateProgress(taskID string, progress float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.running[taskID]
	if !ok {
		return false
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	task.Progress = progress
	return true
}

// CancelTask transitions a pending or running task to cancelled.
func (m *Manager) CancelTask(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.all[taskID]
	if !ok {
		return false
	}

	switch task.Status {
	case types.TaskPending, types.TaskRunning:
		delete(m.running, taskID)
		task.Status = types.TaskCancelled
		m.notifyLocked(taskID)
		metrics.RunningTasks.Set(float64(len(m.running)))
		log.Logger.Info().Str("task_id", taskID).Msg("cancelled task")
		return true
	default:
		log.Logger.Warn().Str("task_id", taskID).Str("status", string(task.Status)).Msg("cannot cancel terminal task")
		return false
	}
}

// GetTask returns the task record, or nil if unknown.
func (m *Manager) GetTask(taskID string) *types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.all[taskID]
}

// GetTaskStatus returns a task's status and whether it exists.
func (m *Manager) GetTaskStatus(taskID string) (types.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.all[taskID]
	if !ok {
		return "", false
	}
	return task.Status, true
}

// AllTasksByStatus groups every task by pending/running/completed/failed/cancelled.
func (m *Manager) AllTasksByStatus() map[string][]*types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string][]*types.Task{
		"pending": nil, "running": nil, "completed": nil, "failed": nil, "cancelled": nil,
	}
	for _, task := range m.all {
		switch task.Status {
		case types.TaskPending:
			out["pending"] = append(out["pending"], task)
		case types.TaskCancelled:
			out["cancelled"] = append(out["cancelled"], task)
		}
	}
	for _, task := range m.running {
		out["running"] = append(out["running"], task)
	}
	for _, task := range m.completed {
		out["completed"] = append(out["completed"], task)
	}
	for _, task := range m.failed {
		out["failed"] = append(out["failed"], task)
	}
	return out
}

// TasksByHost returns every running task currently assigned to host.
func (m *Manager) TasksByHost(host string) []*types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Task
	for _, task := range m.running {
		if task.AssignedHost == host {
			out = append(out, task)
		}
	}
	return out
}

func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) IsQueueEmpty() bool { return m.QueueSize() == 0 }

func (m *Manager) IsQueueFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) >= m.maxQueueSize
}

// GetStats returns a snapshot of the manager's counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.QueueSize = len(m.queue)
	s.RunningCount = len(m.running)
	s.CompletedCount = len(m.completed)
	s.FailedCount = len(m.failed)
	s.TotalTasks = len(m.all)
	return s
}

// ClearCompleted deletes completed tasks whose end-time is older than
// maxAgeHours.
func (m *Manager) ClearCompleted(maxAgeHours int) int {
	return m.clearTerminal(m.completed, maxAgeHours)
}

// ClearFailed deletes failed tasks whose end-time is older than maxAgeHours.
func (m *Manager) ClearFailed(maxAgeHours int) int {
	return m.clearTerminal(m.failed, maxAgeHours)
}

func (m *Manager) clearTerminal(bucket map[string]*types.Task, maxAgeHours int) int {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove []string
	for taskID, task := range bucket {
		if task.EndTime != nil && task.EndTime.Before(cutoff) {
			toRemove = append(toRemove, taskID)
		}
	}
	for _, taskID := range toRemove {
		delete(bucket, taskID)
		delete(m.all, taskID)
	}
	if len(toRemove) > 0 {
		log.Logger.Info().Int("count", len(toRemove)).Msg("cleared terminal tasks")
	}
	return len(toRemove)
}

// WaitForTaskCompletion blocks until task-id reaches a terminal status or
// timeout elapses (0 means wait indefinitely), returning whether it
// terminated in time. It is driven by a per-task completion channel rather
// than a sleep-poll loop.
func (m *Manager) WaitForTaskCompletion(taskID string, timeout time.Duration) bool {
	m.mu.Lock()
	task, ok := m.all[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if task.Status.Terminal() {
		m.mu.Unlock()
		return true
	}

	ch := make(chan struct{})
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// Shutdown empties the queue and clears every task bucket.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = nil
	m.all = make(map[string]*types.Task)
	m.running = make(map[string]*types.Task)
	m.completed = make(map[string]*types.Task)
	m.failed = make(map[string]*types.Task)
	for _, chans := range m.waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.waiters = make(map[string][]chan struct{})

	metrics.QueueDepth.Set(0)
	metrics.RunningTasks.Set(0)
	log.Logger.Info().Msg("task manager shut down")
}
