/*
Package metrics exposes Prometheus metrics and health state for the worker.

All collectors are registered on the default registry at init and served by
Handler on /metrics.

# Metrics

Worker:

	kiln_worker_state{state}                 1 for the current state
	kiln_jobs_total{kind,result}             finished jobs
	kiln_jobs_rejected_total                 calls refused while busy
	kiln_job_duration_seconds{kind}

Builds:

	kiln_packages_total{status}              packages by final status
	kiln_package_build_duration_seconds
	kiln_build_phases_total{phase}           classifier phase changes

Environment and host:

	kiln_environment_teardown_failures_total{step}
	kiln_environment_processes_killed_total
	kiln_host_disk_free_bytes
	kiln_media_imaging_progress

Remote calls:

	kiln_queue_requests_total{method,status}
	kiln_api_requests_total{method,status}
	kiln_api_request_duration_seconds{method}

Collector samples the gauges that are not updated inline (worker state,
free disk) every 15 seconds.

# Health

Components report their state with UpdateComponent. /health is unhealthy
when a critical component (SetCriticalComponents) is unhealthy and degraded
when another one is; /ready requires every critical component to be
registered and healthy. NewMux serves both plus /live and /metrics.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, string(kind))
*/
package metrics
