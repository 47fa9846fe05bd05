// Package api hosts the HTTP surface browsers and operators talk to.
// Notable routes:
//   - POST /v1/jobs and GET /v1/jobs/{job_id} to create and inspect jobs.
//   - POST /v1/leases for browsers polling for work.
//   - POST /v1/jobs/{job_id}/heartbeat, /release, /submit under a lease.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus.
//
// Times are encoded as milliseconds since the Unix epoch.
package api
