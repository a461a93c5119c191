// Package http serves the gateway's local control API on the loopback
// interface. The CLI and any local UI drive the gateway through it.
//
// Endpoints:
//   - POST /login: body {"email","password"}; response {"user_id","email"}.
//   - POST /logout: 204; 409 while a session is active.
//   - GET /instruments: active instruments; ?refresh=true bypasses the cache.
//     Response {"instruments":[...],"stale":bool,"fetched_at"}.
//   - GET /session: {"active":bool,"session":{...}}.
//   - POST /session/start: body {"product_id","booking_id"}; 201 with the session.
//   - POST /session/stop: the stop result; a no-op when idle.
//   - GET /queue: {"stats":{...},"entries":[...],"paused":bool}.
//   - POST /queue/sync: runs one delivery cycle and returns its report.
//   - POST /queue/{event_id}/retry: requeues a terminal entry.
//   - DELETE /queue/{event_id}: discards a terminal entry.
//   - POST /queue/clear: discards every terminal entry.
//   - GET /notices, DELETE /notices/{id}: user-facing notices.
//   - GET /healthz: liveness plus backend reachability.
//   - GET /metrics: Prometheus exposition.
//
// Errors are {"error_code","message","errors"} with the status mapping in
// responder.go.
package http
