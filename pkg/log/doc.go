/*
Package log provides structured logging for Colony using zerolog.

A single package-level zerolog.Logger is configured once at process start by
Init and shared by every component. Components derive child loggers that
carry their context fields, so every line can be traced back to a host and a
service replica without restarting anything.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(levelFlag),
		JSONOutput: true,
		Output:     os.Stdout,
	})

JSONOutput selects machine-readable output. Without it a human-readable
console writer is used.

# Context Loggers

	ctrlLog := log.WithComponent("controller")
	agentLog := log.WithHost("agent", "worker-1")
	svcLog := log.WithServiceID("worker-1:detector:2")

Conventional field names used across Colony:

	component   emitting package (controller, agent, membership, api, ...)
	host        host the component acts for
	service_id  replica identity host:service:instance
	state       replica lifecycle state
	stream      stdout or stderr, for captured process output

# Levels

Debug carries per-message protocol traffic and captured process output.
Info records lifecycle transitions (node up, replica running). Warn marks
conditions an operator should look at (view wait timed out, command for an
unreachable host). Error records failed operations; none of them stop the
controller.
*/
package log
