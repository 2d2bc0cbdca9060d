// Package lifecycle drives the six-phase experiment pipeline described in
// SPEC_FULL.md §4.4: initialize → execute → collect-data → analyze-data →
// save-data → cleanup. It is grounded 1:1 in
// original_source/labkit/labgrid/experiment.py's Lab.run(), with the
// early-failure end_time gap fixed (see DESIGN.md).
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/metrics"
	"github.com/cuemby/netlab/pkg/registry"
	"github.com/cuemby/netlab/pkg/types"
)

// Experiment is re-exported from pkg/registry so callers of pkg/lifecycle
// don't need to import both packages for the same interface (the registry
// owns the declaration per SPEC_FULL.md §2's dependency-order rationale).
type Experiment = registry.Experiment

// Runner drives one Experiment instance through the lifecycle against one
// assigned host, producing an ExperimentResult.
type Runner struct {
	exp          Experiment
	config       types.ExperimentConfig
	assignedHost string
	result       *types.ExperimentResult
	logger       func(level, msg string)
}

// New builds a Runner for exp, pre-creating its result record in pending
// status with a fresh experiment-id distinct from the owning task-id.
func New(exp Experiment, cfg types.ExperimentConfig) *Runner {
	return &Runner{
		exp:    exp,
		config: cfg,
		result: &types.ExperimentResult{
			ExperimentID: "exp_" + uuid.NewString(),
			Status:       types.ExperimentPending,
			OutputDir:    cfg.OutputDir,
		},
	}
}

// AssignHost records the host the lifecycle will run against.
func (r *Runner) AssignHost(host string) {
	r.assignedHost = host
	r.log("info", "assigned host "+host)
}

// ReleaseHost clears the assigned host. The caller is responsible for
// returning the host to the resource manager; this only updates local
// bookkeeping.
func (r *Runner) ReleaseHost() {
	if r.assignedHost != "" {
		r.log("info", "released host "+r.assignedHost)
		r.assignedHost = ""
	}
}

// EnsureOutputDir creates the experiment's output directory.
func (r *Runner) EnsureOutputDir() bool {
	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		r.log("error", fmt.Sprintf("create output dir: %v", err))
		return false
	}
	r.log("info", "output directory ready: "+r.config.OutputDir)
	return true
}

func (r *Runner) log(level, msg string) {
	line := fmt.Sprintf("[%s] %s", level, msg)
	r.result.Logs = append(r.result.Logs, line)
	if r.logger != nil {
		r.logger(level, msg)
		return
	}
	entry := log.Logger.With().Str("experiment_id", r.result.ExperimentID).Logger()
	switch level {
	case "error":
		entry.Error().Msg(msg)
	case "warn":
		entry.Warn().Msg(msg)
	default:
		entry.Info().Msg(msg)
	}
}

func (r *Runner) fail(errMsg string, start time.Time) *types.ExperimentResult {
	r.result.Status = types.ExperimentFailed
	r.result.ErrorMessage = errMsg
	end := time.Now()
	r.result.EndTime = &end
	d := end.Sub(start).Seconds()
	r.result.DurationSecs = &d
	metrics.ExperimentsTotal.WithLabelValues(string(types.ExperimentFailed)).Inc()
	r.log("error", errMsg)
	return r.result
}

// Run executes the full lifecycle, recovering panics in any phase and
// converting them into a failed result. ctx carries the per-task timeout;
// Cleanup is still attempted on a short grace context once ctx has expired.
func (r *Runner) Run(ctx context.Context) (result *types.ExperimentResult) {
	start := time.Now()
	r.result.StartTime = &start
	r.result.Status = types.ExperimentInitializing

	defer func() {
		if rec := recover(); rec != nil {
			result = r.fail(fmt.Sprintf("panic: %v", rec), start)
		}
	}()

	r.log("info", "starting experiment run")

	if ok, err := r.exp.Initialize(ctx); err != nil || !ok {
		return r.fail(phaseError("initialize", err), start)
	}

	r.result.Status = types.ExperimentRunning
	if ok, err := r.exp.Execute(ctx); err != nil || !ok {
		return r.fail(phaseError("execute", err), start)
	}

	r.result.Status = types.ExperimentCollecting
	if ok, err := r.exp.CollectData(ctx); err != nil || !ok {
		return r.fail(phaseError("collect-data", err), start)
	}

	r.result.Status = types.ExperimentAnalyzing
	timer := metrics.NewTimer()
	metricsOut, err := r.exp.AnalyzeData(ctx)
	timer.ObserveDurationVec(metrics.PhaseDuration, "analyze-data")
	if metricsOut != nil {
		r.result.Metrics = metricsOut
	}
	if err != nil {
		return r.fail(phaseError("analyze-data", err), start)
	}

	r.result.Status = types.ExperimentSaving
	if ok, err := r.exp.SaveData(ctx); err != nil || !ok {
		r.log("warn", "save-data failed, experiment continues: "+phaseError("save-data", err))
	}

	r.result.Status = types.ExperimentCleaning
	r.runCleanup(ctx)

	r.result.Status = types.ExperimentCompleted
	end := time.Now()
	r.result.EndTime = &end
	d := end.Sub(start).Seconds()
	r.result.DurationSecs = &d
	metrics.ExperimentDuration.Observe(d)
	metrics.ExperimentsTotal.WithLabelValues(string(types.ExperimentCompleted)).Inc()

	r.log("info", "experiment run completed")
	return r.result
}

// runCleanup invokes Cleanup on every path that reaches the cleaning phase,
// never overwriting an already-set error message, and recovering any panic
// so cleanup is always best-effort.
func (r *Runner) runCleanup(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log("error", fmt.Sprintf("cleanup panicked: %v", rec))
		}
	}()

	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	timer := metrics.NewTimer()
	r.exp.Cleanup(cleanupCtx)
	timer.ObserveDurationVec(metrics.PhaseDuration, "cleanup")
}

func phaseError(label string, err error) string {
	if err != nil {
		return err.Error()
	}
	return label
}

// Result returns the current (possibly still-running) result record.
func (r *Runner) Result() *types.ExperimentResult {
	return r.result
}
