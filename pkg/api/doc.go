/*
Package api implements the Colony status API and the node agent status page.

Both are plain HTTP servers built on a chi router. The master status server
exposes the controller's query and control surface, a server-sent event
stream of cluster events, health probes and Prometheus metrics. The agent
status page exposes the replicas supervised on one host.

# Architecture

	┌──────────────── colony CLI / dashboards ─────────────────┐
	│   colony services list        curl /api/v1/services      │
	└───────────────────────────┬──────────────────────────────┘
	                            │ HTTP/JSON (default :7070)
	┌───────────────────────────▼──── MASTER ──────────────────┐
	│  chi router                                              │
	│    RequestID → RealIP → Recoverer → requestLogger        │
	│    [readOnly]                                            │
	│                                                          │
	│  /api/v1/*  ──────────►  controller.Status               │
	│  /api/v1/events  ─────►  events.Broker (SSE)             │
	│  /health /ready /live /metrics  ──►  pkg/metrics         │
	└──────────────────────────────────────────────────────────┘

# Endpoints

Master status server:

	GET  /api/v1/services                  descriptors keyed by id (?host=, ?state=)
	POST /api/v1/services/{id}/start       request a start
	POST /api/v1/services/{id}/shutdown    request a shutdown without restart
	GET  /api/v1/nodes/configured          configured hosts and their online flag
	GET  /api/v1/nodes/available           hosts of every agent in view
	GET  /api/v1/config                    desired configuration (JSON, or YAML via Accept)
	PUT  /api/v1/config                    replace the desired configuration
	POST /api/v1/config/reload             re-read the configuration store
	GET  /api/v1/events                    server-sent events (?type= prefix filter)

Agent status page:

	GET  /services                         supervised replicas on this host
	POST /services/{id}/stop               stop one replica locally

Errors are returned as {"error": "..."} with these status codes:

	404  unknown service id, or not supervised by this agent
	409  the service's host is offline
	400  invalid configuration or malformed body
	413  configuration body over 4 MiB
	403  mutating request against a read-only server

Start and shutdown are accepted with 202: the controller only sends a
command, and the outcome arrives later as a status report. Poll
/api/v1/services or follow /api/v1/events to observe it.

# Read-only Mode

A server built with ReadOnly set answers GET, HEAD and OPTIONS only. Use it
for endpoints exposed to monitoring networks.

# Metrics

Every request increments colony_api_requests_total{method,status} and
observes colony_api_request_duration_seconds{method}. The method label
combines the HTTP verb with the chi route pattern, so ids in paths do not
create new series.
*/
package api
