// Package framework is the orchestration engine's façade (SPEC_FULL.md
// §4.1): the single entry point that owns the task manager, resource
// manager, registry, lifecycle runner, and result manager, and schedules
// the worker pool that drives experiments through them. Grounded 1:1 in
// original_source/labkit/labgrid/framework.py's LabGrid class, with the
// composition-in-one-constructor shape additionally informed by
// _examples/cuemby-warren/pkg/manager/manager.go's NewManager.
package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/netlab/pkg/config"
	"github.com/cuemby/netlab/pkg/lifecycle"
	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/registry"
	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/resourcemanager"
	"github.com/cuemby/netlab/pkg/resultmanager"
	"github.com/cuemby/netlab/pkg/taskmanager"
	"github.com/cuemby/netlab/pkg/types"
)

// Sentinel errors surfaced synchronously from RunExperiment, matching the
// error taxonomy in SPEC_FULL.md §7.
var (
	ErrNotStarted    = errors.New("framework: not started")
	ErrTypeUnknown   = errors.New("framework: experiment type not registered")
	ErrConfigInvalid = errors.New("framework: experiment config invalid")
	ErrQueueFull     = errors.New("framework: task queue full")
)

const absoluteWorkerCap = 64

// hostBinder is implemented by experiment types that need to know which
// host they were assigned, since the Experiment interface itself carries
// no host parameter — the lifecycle runner only tracks it for bookkeeping.
type hostBinder interface {
	BindHost(host string)
}

// Framework composes the five engine components and owns the worker pool
// lifetime. Construct with New, then Start before calling RunExperiment.
type Framework struct {
	cfg        types.FrameworkConfig
	servers    map[string]types.ServerConfig
	capability remote.Capability

	registry *registry.Registry
	tasks    *taskmanager.Manager
	hosts    *resourcemanager.Manager
	results  *resultmanager.Manager

	mu        sync.Mutex
	running   bool
	startTime time.Time

	workersActive bool
	shutdownCh    chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Framework from the servers and (optional) framework
// configuration files, building its own SSHCapability and each component
// instance. At least one server config is required.
func New(serversConfigFile, frameworkConfigFile string) (*Framework, error) {
	servers, err := config.LoadServers(serversConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load servers config: %w", err)
	}

	fwCfg, err := config.LoadFramework(frameworkConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load framework config: %w", err)
	}

	capability := remote.NewSSHCapability(servers)
	return newWithCapability(servers, fwCfg, capability)
}

// NewWithCapability builds a Framework over a caller-supplied remote
// capability (e.g. a MockCapability in tests) instead of dialing SSH.
func NewWithCapability(servers map[string]types.ServerConfig, fwCfg types.FrameworkConfig, capability remote.Capability) (*Framework, error) {
	return newWithCapability(servers, fwCfg, capability)
}

func newWithCapability(servers map[string]types.ServerConfig, fwCfg types.FrameworkConfig, capability remote.Capability) (*Framework, error) {
	if len(servers) == 0 {
		return nil, errors.New("framework: no server configuration available")
	}

	results, err := resultmanager.New(fwCfg.LogDir, fwCfg.ResultRetentionDays)
	if err != nil {
		return nil, fmt.Errorf("init result manager: %w", err)
	}

	f := &Framework{
		cfg:        fwCfg,
		servers:    servers,
		capability: capability,
		registry:   registry.New(),
		tasks:      taskmanager.New(fwCfg.TaskQueueSize),
		hosts:      resourcemanager.New(servers, capability),
		results:    results,
	}

	log.Logger.Info().Int("servers", len(servers)).Msg("framework initialized")
	return f, nil
}

// Start launches the worker pool. A second call while running is a no-op
// with a warning.
func (f *Framework) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		log.Logger.Warn().Msg("framework already running")
		return
	}

	workerCount := f.workerCount()
	f.shutdownCh = make(chan struct{})
	f.workersActive = true
	f.running = true
	f.startTime = time.Now()
	f.mu.Unlock()

	// Seed every host's status with a synchronous probe before workers start
	// pulling tasks, so AllocateServer never sees a host stuck ServerOffline
	// for a full monitoring interval just because it hasn't been probed yet.
	f.hosts.ProbeAll(context.Background())

	for i := 0; i < workerCount; i++ {
		f.wg.Add(1)
		go f.workerLoop(i + 1)
	}

	if f.cfg.EnableMonitoring {
		f.hosts.StartMonitoring()
	}

	log.Logger.Info().Int("workers", workerCount).Msg("framework started")
}

func (f *Framework) workerCount() int {
	n := f.cfg.MaxWorkerThreads
	if byHosts := len(f.servers) * f.cfg.MaxWorkersPerServer; byHosts < n {
		n = byHosts
	}
	if f.cfg.MaxTotalWorkers < n {
		n = f.cfg.MaxTotalWorkers
	}
	if absoluteWorkerCap < n {
		n = absoluteWorkerCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Stop signals every worker to drain its current task and exit, joins with
// a short grace, and shuts down the five components. Safe to call in any
// state.
func (f *Framework) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.workersActive = false
	close(f.shutdownCh)
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Logger.Warn().Msg("workers did not drain within grace period")
	}

	f.tasks.Shutdown()
	f.hosts.Shutdown()
	f.results.Shutdown()

	log.Logger.Info().Msg("framework stopped")
}

// RunWithFramework starts f, invokes fn, and unconditionally stops f
// afterward — a RAII-like entry/exit helper since Go has no
// __enter__/__exit__.
func RunWithFramework(f *Framework, fn func(*Framework) error) error {
	f.Start()
	defer f.Stop()
	return fn(f)
}

func (f *Framework) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Framework) workerLoop(id int) {
	defer f.wg.Done()
	log.Logger.Debug().Int("worker", id).Msg("worker started")

	for {
		select {
		case <-f.shutdownCh:
			log.Logger.Debug().Int("worker", id).Msg("worker exiting")
			return
		default:
		}

		task := f.tasks.GetNextTask()
		if task == nil {
			select {
			case <-f.shutdownCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		f.executeTask(task)
	}
}

func (f *Framework) executeTask(task *types.Task) {
	host, ok := f.hosts.AllocateServer(task.Priority)
	if !ok {
		// Resource exhaustion is not a task failure (SPEC_FULL.md §7): leave
		// the task pending and put it back on the queue intact so the next
		// host release retriggers allocation, instead of consuming a retry.
		log.Logger.Debug().Str("task_id", task.TaskID).Msg("no host available, re-queueing task")
		select {
		case <-f.shutdownCh:
		case <-time.After(time.Second):
		}
		if !f.tasks.SubmitTask(task.TaskID) {
			f.tasks.FailTask(task.TaskID, "unable to allocate host")
		}
		return
	}

	if !f.tasks.StartTask(task.TaskID, host) {
		f.hosts.ReleaseServer(host)
		return
	}

	exp, ok := f.registry.CreateExperiment(task.ExperimentType, task.Config, f.capability)
	if !ok {
		f.tasks.FailTask(task.TaskID, "unable to construct experiment instance")
		f.hosts.ReleaseServer(host)
		return
	}
	if hb, ok := exp.(hostBinder); ok {
		hb.BindHost(host)
	}

	runner := lifecycle.New(exp, task.Config)
	runner.AssignHost(host)

	timeout := time.Duration(task.Config.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	result := runner.Run(ctx)
	cancel()
	runner.ReleaseHost()

	f.results.StoreResult(result)

	if result.Status == types.ExperimentCompleted {
		f.tasks.CompleteTask(task.TaskID, result)
	} else {
		errMsg := result.ErrorMessage
		if errMsg == "" {
			errMsg = "experiment execution failed"
		}
		f.tasks.FailTask(task.TaskID, errMsg)
	}

	f.hosts.ReleaseServer(host)
}

// RegisterExperiment delegates to the underlying registry.
func (f *Framework) RegisterExperiment(experimentType string, constructor registry.Constructor, description string, tags []string) {
	f.registry.Register(experimentType, constructor, description, tags)
}

func validateConfig(cfg types.ExperimentConfig) error {
	if cfg.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrConfigInvalid)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrConfigInvalid)
	}
	if cfg.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must be >= 0", ErrConfigInvalid)
	}
	return nil
}

// RunExperiment validates cfg, creates and submits a task, and returns its
// task-id. Fails synchronously with ErrNotStarted, ErrTypeUnknown,
// ErrConfigInvalid, or ErrQueueFull.
func (f *Framework) RunExperiment(experimentType string, cfg types.ExperimentConfig) (string, error) {
	if !f.isRunning() {
		return "", ErrNotStarted
	}
	if !f.registry.Validate(experimentType) {
		return "", fmt.Errorf("%w: %s", ErrTypeUnknown, experimentType)
	}
	if err := validateConfig(cfg); err != nil {
		return "", err
	}

	taskID := f.tasks.CreateTask(experimentType, cfg, cfg.Priority, cfg.RetryCount, cfg.Dependencies, nil)
	if !f.tasks.SubmitTask(taskID) {
		return "", ErrQueueFull
	}

	log.Logger.Info().Str("task_id", taskID).Str("experiment_type", experimentType).Msg("submitted experiment task")
	return taskID, nil
}

// WaitForExperiment blocks up to timeout for task-id to reach a terminal
// status, returning whether it did.
func (f *Framework) WaitForExperiment(taskID string, timeout time.Duration) bool {
	return f.tasks.WaitForTaskCompletion(taskID, timeout)
}

// GetExperimentStatus returns task-id's current status, if it exists.
func (f *Framework) GetExperimentStatus(taskID string) (types.TaskStatus, bool) {
	return f.tasks.GetTaskStatus(taskID)
}

// GetExperimentResult returns the result attached to task-id when the task
// completed. Failed tasks carry no result, so for them it returns (nil, false).
func (f *Framework) GetExperimentResult(taskID string) (*types.ExperimentResult, bool) {
	task := f.tasks.GetTask(taskID)
	if task == nil || task.Result == nil {
		return nil, false
	}
	return task.Result, true
}

// ListExperiments returns every registered experiment type.
func (f *Framework) ListExperiments() []string {
	return f.registry.List()
}

// GetAllTasks groups every task by status.
func (f *Framework) GetAllTasks() map[string][]*types.Task {
	return f.tasks.AllTasksByStatus()
}

// GetTaskStats returns a snapshot of the task manager's counters.
func (f *Framework) GetTaskStats() taskmanager.Stats {
	return f.tasks.GetStats()
}

// GetServerInfo returns one host's current resource-manager view.
func (f *Framework) GetServerInfo(host string) (types.ServerInfo, bool) {
	return f.hosts.GetServerInfo(host)
}

// GetAllServerInfo returns every host's current resource-manager view.
func (f *Framework) GetAllServerInfo() map[string]types.ServerInfo {
	return f.hosts.GetAllServerInfo()
}

// GetClusterSummary aggregates host counts and load across the cluster.
func (f *Framework) GetClusterSummary() resourcemanager.ClusterSummary {
	return f.hosts.GetClusterSummary()
}

// GetResultStatistics aggregates counts and timing stats across every
// stored result.
func (f *Framework) GetResultStatistics() resultmanager.Statistics {
	return f.results.GetResultStatistics()
}

// SearchResults matches query against stored results.
func (f *Framework) SearchResults(query string) []*types.ExperimentResult {
	return f.results.SearchResults(query)
}

// CompareResults aggregates stats across the given experiment ids.
func (f *Framework) CompareResults(experimentIDs []string) resultmanager.Comparison {
	return f.results.CompareResults(experimentIDs)
}

// CleanupOldResults deletes results older than days.
func (f *Framework) CleanupOldResults(days int) int {
	return f.results.CleanupOldResults(days)
}

// ExportResults writes every stored result to filePath in the given format.
func (f *Framework) ExportResults(filePath, format string) bool {
	return f.results.ExportResults(filePath, nil, format)
}

// SetAllocationStrategy changes the resource manager's host-selection
// policy.
func (f *Framework) SetAllocationStrategy(strategy string) {
	f.hosts.SetAllocationStrategy(strategy)
}

// HealthCheck reports overall framework status, per-host health, task
// stats, and result stats.
type HealthCheck struct {
	FrameworkStatus string
	UptimeSeconds   float64
	Servers         map[string]resourcemanager.HealthResult
	Tasks           taskmanager.Stats
	Results         resultmanager.Statistics
}

// HealthCheck executes a live health check across every component.
func (f *Framework) HealthCheck(ctx context.Context) HealthCheck {
	f.mu.Lock()
	running := f.running
	start := f.startTime
	f.mu.Unlock()

	status := "stopped"
	var uptime float64
	if running {
		status = "running"
		uptime = time.Since(start).Seconds()
	}

	return HealthCheck{
		FrameworkStatus: status,
		UptimeSeconds:   uptime,
		Servers:         f.hosts.HealthCheck(ctx),
		Tasks:           f.tasks.GetStats(),
		Results:         f.results.GetResultStatistics(),
	}
}

// Info is the shape returned by GetFrameworkInfo.
type Info struct {
	Name                string
	Version             string
	Status              string
	StartTime           *time.Time
	UptimeSeconds       float64
	Servers             int
	RegisteredExperiments int
}

// GetFrameworkInfo returns a snapshot of the façade's own status.
func (f *Framework) GetFrameworkInfo() Info {
	f.mu.Lock()
	defer f.mu.Unlock()

	info := Info{
		Name:                  "netlab",
		Version:               "1.0.0",
		Servers:               len(f.servers),
		RegisteredExperiments: f.registry.Count(),
	}
	if f.running {
		info.Status = "running"
		st := f.startTime
		info.StartTime = &st
		info.UptimeSeconds = time.Since(st).Seconds()
	} else {
		info.Status = "stopped"
	}
	return info
}
