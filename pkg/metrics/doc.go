/*
Package metrics provides Prometheus metrics, host utilisation sampling and
health reporting for Colony daemons.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler. The status API and the agent status page
mount it at /metrics next to the health handlers.

# Architecture

	┌───────────────────── MASTER ─────────────────────┐
	│  controller ──► Launch/Shutdown/Status counters   │
	│       │                                           │
	│       ▼                                           │
	│  Collector (ticker) ──► descriptor, node and      │
	│                         view gauges               │
	│  api middleware ──► request count and duration    │
	└───────────────────────────────────────────────────┘
	┌───────────────────── AGENT ──────────────────────┐
	│  supervisor ──► restarts, supervised processes    │
	│  HostCollector (ticker) ──► host CPU and memory   │
	└───────────────────────────────────────────────────┘

# Metrics Catalog

Cluster (master):

	colony_nodes_total{status}                   configured nodes by online/offline
	colony_service_descriptors_total{state}      descriptors per lifecycle state
	colony_service_descriptors_fatal             descriptors marked fatal
	colony_membership_view_version               last applied view version
	colony_membership_view_members{kind}         members in view by kind

Controller (master):

	colony_launch_commands_total                 Launching commands sent
	colony_shutdown_commands_total               shutdown and delete commands sent
	colony_status_updates_total{outcome}         status reports applied or ignored
	colony_reconfigurations_total{trigger,result}
	colony_launch_all_duration_seconds

Agent:

	colony_process_restarts_total{service}
	colony_supervised_processes
	colony_host_cpu_percent
	colony_host_memory_percent

API:

	colony_api_requests_total{method,status}
	colony_api_request_duration_seconds{method}

# Collectors

Gauges derived from controller state are refreshed by a Collector polling a
ClusterSource, so the controller never touches them while holding its lock.
The agent command samples the host with a HostCollector, which uses gopsutil
and keeps the last good sample.

	collector := metrics.NewCollector(ctrl, 15*time.Second)
	collector.Start()
	defer collector.Stop()

# Health

The health registry tracks named components (membership, config, api,
agent). Daemons declare which are critical with SetCriticalComponents and
flip them with UpdateComponent. HealthHandler reports degraded or unhealthy
states, ReadyHandler returns 503 until every critical component is healthy,
and LivenessHandler always answers 200 while the process runs.

# Timers

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LaunchAllDuration)
*/
package metrics
