package resourcemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/types"
)

func servers() map[string]types.ServerConfig {
	return map[string]types.ServerConfig{
		"alpha": {Name: "alpha", Host: "10.0.0.1", User: "lab", MaxConcurrentTasks: 1},
		"beta":  {Name: "beta", Host: "10.0.0.2", User: "lab", MaxConcurrentTasks: 1},
	}
}

func onlineCapability(names ...string) *remote.MockCapability {
	cap := remote.NewMockCapability()
	for _, name := range names {
		cap.SetSystemInfo(name, remote.SystemInfo{})
	}
	return cap
}

func TestResourceManager_AllocateRequiresOnlineHost(t *testing.T) {
	cap := remote.NewMockCapability()
	m := New(servers(), cap)

	_, ok := m.AllocateServer(0)
	assert.False(t, ok, "hosts start offline until a heartbeat lands")
}

func TestResourceManager_AllocateRoundRobin(t *testing.T) {
	cap := onlineCapability("alpha", "beta")
	m := New(servers(), cap)
	m.ProbeAll(context.Background())

	first, ok := m.AllocateServer(0)
	require.True(t, ok)
	second, ok := m.AllocateServer(0)
	require.True(t, ok)
	assert.NotEqual(t, first, second, "round-robin should not pick the same host twice in a row")
}

func TestResourceManager_AllocateReleaseCycle(t *testing.T) {
	cap := onlineCapability("alpha")
	m := New(map[string]types.ServerConfig{"alpha": {Name: "alpha", MaxConcurrentTasks: 1}}, cap)
	m.ProbeAll(context.Background())

	host, ok := m.AllocateServer(0)
	require.True(t, ok)
	assert.Equal(t, "alpha", host)

	_, ok = m.AllocateServer(0)
	assert.False(t, ok, "single-slot host should be busy")

	info, _ := m.GetServerInfo("alpha")
	assert.Equal(t, types.ServerBusy, info.Status)

	m.ReleaseServer("alpha")
	info, _ = m.GetServerInfo("alpha")
	assert.Equal(t, types.ServerIdle, info.Status)
	assert.Equal(t, 0, info.CurrentTasks)

	_, ok = m.AllocateServer(0)
	assert.True(t, ok, "host should be allocatable again after release")
}

func TestResourceManager_LeastLoadedStrategy(t *testing.T) {
	cap := onlineCapability("alpha", "beta")
	m := New(map[string]types.ServerConfig{
		"alpha": {Name: "alpha", MaxConcurrentTasks: 5},
		"beta":  {Name: "beta", MaxConcurrentTasks: 5},
	}, cap)
	m.ProbeAll(context.Background())
	m.SetAllocationStrategy(StrategyLeastLoaded)

	first, _ := m.AllocateServer(0)
	// Loading the first host more should push subsequent allocations to the
	// other host.
	m.AllocateServer(0)
	m.AllocateServer(0)

	next, ok := m.AllocateServer(0)
	require.True(t, ok)
	assert.NotEqual(t, first, next)
}

func TestResourceManager_PriorityBasedStrategy(t *testing.T) {
	m := New(servers(), onlineCapability("alpha", "beta"))
	m.SetAllocationStrategy(StrategyPriorityBase)
	assert.Equal(t, StrategyPriorityBase, m.strategy)
}

func TestResourceManager_UnknownStrategyFallsBackToRoundRobin(t *testing.T) {
	m := New(servers(), remote.NewMockCapability())
	m.SetAllocationStrategy("bogus")
	assert.Equal(t, StrategyRoundRobin, m.strategy)
}

func TestResourceManager_ClusterSummary(t *testing.T) {
	cap := onlineCapability("alpha", "beta")
	m := New(servers(), cap)
	m.ProbeAll(context.Background())

	summary := m.GetClusterSummary()
	assert.Equal(t, 2, summary.TotalServers)
	assert.Equal(t, 2, summary.AvailableServers)
	assert.Equal(t, 2, summary.MaxTasks)
}

func TestResourceManager_OfflineHeartbeatExcludedFromAllocation(t *testing.T) {
	m := New(map[string]types.ServerConfig{"alpha": {Name: "alpha", MaxConcurrentTasks: 1}}, remote.NewMockCapability())

	stale := time.Now().Add(-10 * time.Minute)
	m.mu.Lock()
	m.hosts["alpha"].info.Status = types.ServerIdle
	m.hosts["alpha"].info.LastHeartbeat = &stale
	m.mu.Unlock()

	_, ok := m.AllocateServer(0)
	assert.False(t, ok)

	summary := m.GetClusterSummary()
	assert.Equal(t, 1, summary.OfflineServers)
}

func TestResourceManager_ServerLoadWeighting(t *testing.T) {
	cpu := 0.4
	info := types.ServerInfo{
		Config:       types.ServerConfig{MaxConcurrentTasks: 2},
		CurrentTasks: 1,
		CPUUsage:     &cpu,
	}
	// 0.7*0.5 + 0.3*0.4 = 0.47
	assert.InDelta(t, 0.47, serverLoad(info), 0.001)
}

func TestResourceManager_MonitoringStartStopIdempotent(t *testing.T) {
	m := New(servers(), onlineCapability("alpha", "beta"))
	m.SetMonitoringInterval(20 * time.Millisecond)

	m.StartMonitoring()
	m.StartMonitoring() // no-op, logs a warning
	time.Sleep(50 * time.Millisecond)
	m.StopMonitoring()
	m.StopMonitoring() // no-op

	info, _ := m.GetServerInfo("alpha")
	assert.NotNil(t, info.LastHeartbeat)
}
