// Package resourcemanager implements the host inventory, allocation
// strategies, and health monitoring described in SPEC_FULL.md §4.5:
// grounded 1:1 in original_source/labkit/labgrid/resource_manager.py, with
// the monitoring loop's snapshot-then-unlocked-probe shape additionally
// informed by the periodic-ticker pattern in
// _examples/cuemby-warren/pkg/scheduler/scheduler.go.
package resourcemanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/metrics"
	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/types"
)

const (
	offlineThreshold = 5 * time.Minute
	historyWindow    = 24 * time.Hour
)

// Strategy names accepted by SetAllocationStrategy.
const (
	StrategyRoundRobin   = "round-robin"
	StrategyLeastLoaded  = "least-loaded"
	StrategyPriorityBase = "priority-based"
)

type hostState struct {
	info    types.ServerInfo
	history []types.ResourceMetricsSample
	probing bool
}

// Manager tracks host inventory, allocates hosts to tasks, and runs the
// background monitoring loop that probes host health.
type Manager struct {
	capability remote.Capability

	mu    sync.Mutex
	hosts map[string]*hostState

	strategy  string
	rrIndex   int
	rrOrder   []string

	monitorInterval time.Duration
	monitorCancel   context.CancelFunc
	monitorDone     chan struct{}
	monitorActive   bool
}

// New builds a resource manager over the given server inventory. Every host
// begins offline until the first successful probe.
func New(servers map[string]types.ServerConfig, capability remote.Capability) *Manager {
	m := &Manager{
		capability:      capability,
		hosts:           make(map[string]*hostState, len(servers)),
		strategy:        StrategyRoundRobin,
		monitorInterval: 30 * time.Second,
	}

	names := make([]string, 0, len(servers))
	for name, cfg := range servers {
		m.hosts[name] = &hostState{
			info: types.ServerInfo{
				Config: cfg,
				Status: types.ServerOffline,
			},
		}
		names = append(names, name)
	}
	sort.Strings(names)
	m.rrOrder = names

	return m
}

// SetMonitoringInterval overrides the default 30s monitoring tick. Must be
// called before StartMonitoring.
func (m *Manager) SetMonitoringInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.monitorInterval = d
	m.mu.Unlock()
}

// StartMonitoring launches the background health-probe loop. A second call
// while already running is a no-op.
func (m *Manager) StartMonitoring() {
	m.mu.Lock()
	if m.monitorActive {
		m.mu.Unlock()
		log.Logger.Warn().Msg("resource monitoring already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	m.monitorActive = true
	interval := m.monitorInterval
	m.mu.Unlock()

	m.ProbeAll(ctx)
	go m.monitorLoop(ctx, interval)
	log.Logger.Info().Dur("interval", interval).Msg("resource monitoring started")
}

// StopMonitoring halts the background probe loop; safe to call repeatedly
// and from any state.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.monitorActive {
		m.mu.Unlock()
		return
	}
	cancel := m.monitorCancel
	done := m.monitorDone
	m.monitorActive = false
	m.mu.Unlock()

	cancel()
	<-done
	log.Logger.Info().Msg("resource monitoring stopped")
}

func (m *Manager) monitorLoop(ctx context.Context, interval time.Duration) {
	defer close(m.monitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll snapshots host names under the lock, probes each concurrently
// (skipping any host whose previous probe is still in flight so overlapping
// probes never race on the same host), then re-takes the lock per host to
// commit results. Exported so callers can seed hosts online before the
// background monitoring loop (if any) takes over, matching the original's
// probe-then-sleep order instead of leaving every host offline for a full
// monitoring interval.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.hosts))
	for name, hs := range m.hosts {
		if hs.probing {
			continue
		}
		hs.probing = true
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			m.probeOne(ctx, host)
		}(name)
	}
	wg.Wait()
}

func (m *Manager) probeOne(ctx context.Context, host string) {
	timer := metrics.NewTimer()
	info, ok := m.capability.GetSystemInfo(ctx, host)
	timer.ObserveDuration(metrics.MonitoringProbeDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	hs, exists := m.hosts[host]
	if !exists {
		return
	}
	hs.probing = false

	if !ok {
		log.Logger.Debug().Str("host", host).Msg("system info probe failed")
		return
	}

	now := time.Now()
	hs.info.CPUUsage = &info.CPUUsage
	hs.info.MemoryUsage = &info.MemoryUsage
	hs.info.DiskUsage = &info.DiskUsage
	hs.info.LoadAverage = &info.LoadAverage
	hs.info.LastHeartbeat = &now

	if hs.info.Status == types.ServerOffline {
		hs.info.Status = types.ServerIdle
	}

	hs.history = append(hs.history, types.ResourceMetricsSample{
		Timestamp:   now,
		CPUUsage:    info.CPUUsage,
		MemoryUsage: info.MemoryUsage,
		DiskUsage:   info.DiskUsage,
		LoadAverage: info.LoadAverage,
	})
	cutoff := now.Add(-historyWindow)
	hs.history = pruneHistory(hs.history, cutoff)
}

func pruneHistory(samples []types.ResourceMetricsSample, cutoff time.Time) []types.ResourceMetricsSample {
	kept := samples[:0]
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// availableLocked returns hosts eligible for allocation: not offline/error,
// under capacity, and heartbeat within the offline threshold (the heartbeat
// check passes a host with no heartbeat recorded, but New starts every host
// offline, so an unprobed host is excluded by its status). It also demotes
// hosts whose heartbeat has aged out to offline.
func (m *Manager) availableLocked() []string {
	now := time.Now()
	var out []string
	for _, name := range m.rrOrder {
		hs := m.hosts[name]
		if hs.info.Status == types.ServerOffline || hs.info.Status == types.ServerError {
			continue
		}
		if hs.info.LastHeartbeat != nil && now.Sub(*hs.info.LastHeartbeat) > offlineThreshold {
			hs.info.Status = types.ServerOffline
			continue
		}
		if hs.info.CurrentTasks >= hs.info.Config.MaxConcurrentTasks {
			continue
		}
		out = append(out, name)
	}
	return out
}

// AllocateServer selects a host for a task of the given priority, honoring
// the current allocation strategy, and reserves a slot on it.
func (m *Manager) AllocateServer(taskPriority int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.availableLocked()
	if len(available) == 0 {
		metrics.AllocationFailures.Inc()
		return "", false
	}

	var selected string
	switch m.strategy {
	case StrategyLeastLoaded:
		selected = m.leastLoadedLocked(available)
	case StrategyPriorityBase:
		if taskPriority > 5 {
			selected = m.leastLoadedLocked(available)
		} else {
			selected = m.roundRobinLocked(available)
		}
	default:
		selected = m.roundRobinLocked(available)
	}
	if selected == "" {
		metrics.AllocationFailures.Inc()
		return "", false
	}

	hs := m.hosts[selected]
	hs.info.CurrentTasks++
	if hs.info.CurrentTasks >= hs.info.Config.MaxConcurrentTasks {
		hs.info.Status = types.ServerBusy
	}

	m.capability.UpdateServerTaskCount(selected, hs.info.CurrentTasks)
	m.updateServerGauges()

	log.Logger.Info().Str("host", selected).Int("current_tasks", hs.info.CurrentTasks).Msg("allocated host")
	return selected, true
}

// roundRobinLocked advances a rotating pointer over the stable host-name
// order so repeated calls cycle fairly across the available set, rather
// than degenerating to "always pick the first available" (SPEC_FULL.md
// §4.5's explicit improvement over the distilled spec).
func (m *Manager) roundRobinLocked(available []string) string {
	set := make(map[string]bool, len(available))
	for _, name := range available {
		set[name] = true
	}
	n := len(m.rrOrder)
	for i := 0; i < n; i++ {
		idx := (m.rrIndex + i) % n
		name := m.rrOrder[idx]
		if set[name] {
			m.rrIndex = (idx + 1) % n
			return name
		}
	}
	return ""
}

func (m *Manager) leastLoadedLocked(available []string) string {
	best := ""
	bestTasks := -1
	for _, name := range available {
		tasks := m.hosts[name].info.CurrentTasks
		if bestTasks == -1 || tasks < bestTasks {
			best = name
			bestTasks = tasks
		}
	}
	return best
}

// ReleaseServer decrements a host's task count, flooring at zero, and marks
// it idle once the count drops to zero or it was previously busy.
func (m *Manager) ReleaseServer(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs, ok := m.hosts[host]
	if !ok {
		return
	}

	if hs.info.CurrentTasks > 0 {
		hs.info.CurrentTasks--
	}
	if hs.info.CurrentTasks == 0 || hs.info.Status == types.ServerBusy {
		if hs.info.Status != types.ServerOffline && hs.info.Status != types.ServerError {
			hs.info.Status = types.ServerIdle
		}
	}

	m.capability.UpdateServerTaskCount(host, hs.info.CurrentTasks)
	m.updateServerGauges()

	log.Logger.Info().Str("host", host).Int("current_tasks", hs.info.CurrentTasks).Msg("released host")
}

func (m *Manager) updateServerGauges() {
	counts := map[types.ServerStatus]int{}
	for _, hs := range m.hosts {
		counts[hs.info.Status]++
		metrics.ServerLoad.WithLabelValues(hs.info.Config.Name).Set(serverLoad(hs.info))
	}
	for _, status := range []types.ServerStatus{types.ServerIdle, types.ServerBusy, types.ServerOffline, types.ServerError} {
		metrics.ServersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// SetAllocationStrategy changes the allocation policy. Unknown values fall
// back to round-robin with a warning.
func (m *Manager) SetAllocationStrategy(strategy string) {
	switch strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyPriorityBase:
	default:
		log.Logger.Warn().Str("strategy", strategy).Msg("unknown allocation strategy, falling back to round-robin")
		strategy = StrategyRoundRobin
	}

	m.mu.Lock()
	m.strategy = strategy
	m.mu.Unlock()

	log.Logger.Info().Str("strategy", strategy).Msg("set allocation strategy")
}

// GetServerInfo returns a copy of one host's current state.
func (m *Manager) GetServerInfo(host string) (types.ServerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.hosts[host]
	if !ok {
		return types.ServerInfo{}, false
	}
	return hs.info, true
}

// GetAllServerInfo returns every host's current state, keyed by name.
func (m *Manager) GetAllServerInfo() map[string]types.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.ServerInfo, len(m.hosts))
	for name, hs := range m.hosts {
		out[name] = hs.info
	}
	return out
}

func serverLoad(info types.ServerInfo) float64 {
	if info.Config.MaxConcurrentTasks <= 0 {
		return 1.0
	}
	taskLoad := float64(info.CurrentTasks) / float64(info.Config.MaxConcurrentTasks)
	resourceLoad := 0.0
	if info.CPUUsage != nil && *info.CPUUsage > resourceLoad {
		resourceLoad = *info.CPUUsage
	}
	if info.MemoryUsage != nil && *info.MemoryUsage > resourceLoad {
		resourceLoad = *info.MemoryUsage
	}
	return 0.7*taskLoad + 0.3*resourceLoad
}

// GetServerLoad returns the weighted 0.7/0.3 task/resource load estimate
// for host, in [0,1]. Unknown hosts are reported fully loaded.
func (m *Manager) GetServerLoad(host string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.hosts[host]
	if !ok {
		return 1.0
	}
	return serverLoad(hs.info)
}

func (m *Manager) isAvailableLocked(name string) bool {
	hs := m.hosts[name]
	if hs.info.Status == types.ServerOffline || hs.info.Status == types.ServerError {
		return false
	}
	if hs.info.CurrentTasks >= hs.info.Config.MaxConcurrentTasks {
		return false
	}
	if hs.info.LastHeartbeat != nil && time.Since(*hs.info.LastHeartbeat) > offlineThreshold {
		return false
	}
	return true
}

// ClusterSummary is the payload returned by GetClusterSummary.
type ClusterSummary struct {
	TotalServers     int
	AvailableServers int
	BusyServers      int
	OfflineServers   int
	TotalTasks       int
	MaxTasks         int
	ClusterLoad      float64
	AllocationStrategy string
}

// GetClusterSummary aggregates counts and average load across every host.
func (m *Manager) GetClusterSummary() ClusterSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := ClusterSummary{AllocationStrategy: m.strategy}
	var loadTotal float64
	var availableCount int

	for name, hs := range m.hosts {
		summary.TotalServers++
		summary.TotalTasks += hs.info.CurrentTasks
		summary.MaxTasks += hs.info.Config.MaxConcurrentTasks

		if hs.info.Status == types.ServerBusy {
			summary.BusyServers++
		}
		if hs.info.Status == types.ServerOffline {
			summary.OfflineServers++
		}
		if m.isAvailableLocked(name) {
			summary.AvailableServers++
			loadTotal += serverLoad(hs.info)
			availableCount++
		}
	}

	if availableCount > 0 {
		summary.ClusterLoad = loadTotal / float64(availableCount)
	}
	return summary
}

// HealthResult is one host's health-check outcome.
type HealthResult struct {
	Status    string
	Error     string
	CheckedAt time.Time
}

// HealthCheck probes every host with a trivial command and reports per-host
// health, independent of the background monitoring loop.
func (m *Manager) HealthCheck(ctx context.Context) map[string]HealthResult {
	m.mu.Lock()
	names := make([]string, 0, len(m.hosts))
	for name := range m.hosts {
		names = append(names, name)
	}
	m.mu.Unlock()

	results := make(map[string]HealthResult, len(names))
	for _, name := range names {
		res := m.capability.ExecuteCommand(ctx, name, "echo health_check", 10*time.Second)
		now := time.Now()
		if res.Success {
			results[name] = HealthResult{Status: "healthy", CheckedAt: now}
		} else {
			errMsg := res.Error
			if errMsg == "" {
				errMsg = "command_execution_failed"
			}
			results[name] = HealthResult{Status: "unhealthy", Error: errMsg, CheckedAt: now}
		}
	}
	return results
}

// GetResourceHistory returns the rolling metrics samples for host from the
// last `hours` hours (default 24 when hours <= 0).
func (m *Manager) GetResourceHistory(host string, hours int) []types.ResourceMetricsSample {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	hs, ok := m.hosts[host]
	if !ok {
		return nil
	}
	var out []types.ResourceMetricsSample
	for _, s := range hs.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown stops monitoring and clears host state.
func (m *Manager) Shutdown() {
	m.StopMonitoring()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts = make(map[string]*hostState)
	log.Logger.Info().Msg("resource manager shut down")
}
