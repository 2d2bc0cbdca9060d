package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/types"
)

type stubExperiment struct{}

func (stubExperiment) Initialize(ctx context.Context) (bool, error)  { return true, nil }
func (stubExperiment) Execute(ctx context.Context) (bool, error)     { return true, nil }
func (stubExperiment) CollectData(ctx context.Context) (bool, error) { return true, nil }
func (stubExperiment) AnalyzeData(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}
func (stubExperiment) SaveData(ctx context.Context) (bool, error) { return true, nil }
func (stubExperiment) Cleanup(ctx context.Context)                {}

func stubConstructor(cfg types.ExperimentConfig, cap remote.Capability) (Experiment, error) {
	return stubExperiment{}, nil
}

func failingConstructor(cfg types.ExperimentConfig, cap remote.Capability) (Experiment, error) {
	return nil, errors.New("boom")
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	r := New()
	r.Register("latency-probe", stubConstructor, "measures RTT", []string{"network", "latency"})

	assert.True(t, r.Validate("latency-probe"))
	assert.Equal(t, 1, r.Count())

	exp, ok := r.CreateExperiment("latency-probe", types.ExperimentConfig{}, remote.NewMockCapability())
	require.True(t, ok)
	require.NotNil(t, exp)
}

func TestRegistry_CreateUnknownType(t *testing.T) {
	r := New()
	_, ok := r.CreateExperiment("missing", types.ExperimentConfig{}, remote.NewMockCapability())
	assert.False(t, ok)
}

func TestRegistry_CreateConstructorError(t *testing.T) {
	r := New()
	r.Register("broken", failingConstructor, "", nil)
	_, ok := r.CreateExperiment("broken", types.ExperimentConfig{}, remote.NewMockCapability())
	assert.False(t, ok)
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	r.Register("t1", stubConstructor, "", nil)

	assert.True(t, r.Unregister("t1"))
	assert.False(t, r.Unregister("t1"))
	assert.False(t, r.Validate("t1"))
}

func TestRegistry_SearchAndGrouping(t *testing.T) {
	r := New()
	r.Register("latency-probe", stubConstructor, "measures round trip time", []string{"network"})
	r.Register("throughput-probe", stubConstructor, "measures bandwidth", []string{"network", "bandwidth"})
	r.Register("cpu-stress", stubConstructor, "stresses CPU", []string{"compute"})

	assert.ElementsMatch(t, []string{"latency-probe", "throughput-probe"}, r.Search("probe"))
	assert.ElementsMatch(t, []string{"latency-probe", "throughput-probe"}, r.ByTag("network"))
	assert.ElementsMatch(t, []string{"cpu-stress"}, r.Search("stress"))
}

func TestRegistry_InfoAndSummary(t *testing.T) {
	r := New()
	r.Register("t1", stubConstructor, "desc", []string{"a", "b"})

	info, ok := r.GetInfo("t1")
	require.True(t, ok)
	assert.Equal(t, "desc", info.Description)
	assert.ElementsMatch(t, []string{"a", "b"}, info.Tags)
	assert.Contains(t, info.Module, "registry")

	summary := r.ExportSummary()
	assert.Equal(t, 1, summary.TotalCount)
	assert.Equal(t, 1, summary.TagsSummary["a"])
}

func TestRegistry_OverwriteLastWins(t *testing.T) {
	r := New()
	r.Register("t1", stubConstructor, "first", nil)
	r.Register("t1", stubConstructor, "second", nil)

	info, ok := r.GetInfo("t1")
	require.True(t, ok)
	assert.Equal(t, "second", info.Description)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_Clear(t *testing.T) {
	r := New()
	r.Register("t1", stubConstructor, "", nil)
	r.Register("t2", stubConstructor, "", nil)

	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestGlobalRegistry(t *testing.T) {
	Global().Clear()
	RegisterGlobal("global-type", stubConstructor, "", []string{"x"})

	assert.Contains(t, ListGlobal(), "global-type")
	exp, ok := CreateGlobal("global-type", types.ExperimentConfig{}, remote.NewMockCapability())
	require.True(t, ok)
	require.NotNil(t, exp)
}
