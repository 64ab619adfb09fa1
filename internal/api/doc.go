// Package api hosts the HTTP session service: screenshot capture through the
// self-managed engine or the remote fleet, remote computer create/close, and
// the local browser registry. Notable routes:
//   - GET /health for probes and GET /metrics for Prometheus scraping.
//   - POST /screenshot for multi-tab captures.
//   - POST /cdp/{create,screenshot,close} for remote computers.
//   - POST /local-cdp/{create,screenshot,close} and GET /local-cdp/sessions
//     for locally spawned browsers.
//
// Every error body is {"error": ..., "kind": ...}; the status is derived from
// the error kind.
package api
