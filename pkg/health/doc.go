/*
Package health probes the services a worker depends on and reports their
state to the readiness endpoint.

A Monitor runs each registered Checker every Interval. A dependency turns
unhealthy after Retries consecutive failures and healthy again on the first
success; every outcome is passed to a ReportFunc, normally
metrics.UpdateComponent:

	mon := health.NewMonitor(health.DefaultConfig(), metrics.UpdateComponent)
	mon.Add(metrics.ComponentCoordinator,
		health.NewHTTPChecker(baseURL).
			WithBasicAuth(user, password).
			WithStatusRange(200, 499))
	mon.Start()
	defer mon.Stop()

The coordinator is not a critical component, so an unreachable coordinator
degrades /health without failing /ready.
*/
package health
