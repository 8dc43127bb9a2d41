/*
Package agent implements the colony node agent: the per-host process that
runs the services the controller assigns to it.

The agent joins the group as an agent member and handles Command messages
addressed to its host. Every launched replica gets a supervisor goroutine
that starts the process through a Runner, waits for it and applies the
restart policy:

  - an unexpected exit counts as a crash
  - below MaxRestarts the process is restarted after RestartWait and the
    agent reports Running with Restarts set to the crash count
  - at MaxRestarts the descriptor is marked fatal and reported
    InactiveNoStart, and the agent stops trying
  - with MinUptime set, a restarted process that exits sooner is fatal at
    once

A launch that can never work, such as a missing command or working
directory, is reported Inactive and fatal without any retry.

Shutdown commands cancel the supervisor, give the process ShutdownWait to
exit after SIGTERM and report the end state:

	ShuttingDownNoRestart -> InactiveNoStart
	Delete                -> DeleteInactive
	ShuttingDown          -> Inactive

Status reports go to every master in the current view. SendHealthReports
re-sends all supervised descriptors and is meant to be driven by a ticker.

ExecRunner is the production Runner. It expands $VAR and ${VAR} from the
agent environment at launch time, unset variables becoming empty, and logs
process output line by line at debug level.
*/
package agent
