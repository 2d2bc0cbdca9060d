/*
Package metrics provides Prometheus metrics collection and health reporting
for the orchestration engine.

# Metrics

Task manager: netlab_tasks_total{status}, netlab_tasks_retried_total,
netlab_task_queue_depth, netlab_tasks_running.

Resource manager: netlab_servers_total{status}, netlab_server_load{host},
netlab_allocation_failures_total, netlab_monitoring_probe_duration_seconds.

Lifecycle runner: netlab_experiment_phase_duration_seconds{phase},
netlab_experiments_total{status}, netlab_experiment_duration_seconds.

Result manager: netlab_results_stored_total, netlab_result_persist_duration_seconds.

The Timer helper (NewTimer/ObserveDuration/ObserveDurationVec) times phases,
probes and persists; netlab_experiment_duration_seconds is observed by the
lifecycle runner from the run's own start and end times.

# Health

HealthChecker tracks named components (cmd/netlabd registers the registry, the
task manager, the resource manager and the remote capability) via
RegisterComponent/UpdateComponent, and GetHealth/GetReadiness/HealthHandler/
ReadyHandler/LivenessHandler expose them over HTTP through the optional
--http-addr listener of cmd/netlabd's run subcommand.
*/
package metrics
