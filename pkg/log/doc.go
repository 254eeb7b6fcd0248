/*
Package log provides structured logging for sandboxd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and console output
for interactive use. All logs include timestamps and support filtering by
severity level.

# Usage

Initializing the logger:

	import "github.com/hyperbox/sandboxd/pkg/log"

	// JSON output (the daemon's launchd-managed logs)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (interactive CLI use)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component loggers:

	orchLog := log.WithComponent("orchestrator")
	orchLog.Info().Str("id", id).Msg("container created")

	sbLog := log.WithComponent("sandbox-helper").With().Str("container", id).Logger()
	sbLog.Error().Err(err).Msg("vm boot failed")

# Design

A single global Logger is initialized once at process start via Init, then
every package derives a child logger from WithComponent carrying a
"component" field, plus whatever identifiers the call site adds ("id",
"container", "sandbox"). There is no node, service, or task concept in
this single-host daemon, so the logger surface stays to exactly that: a
global instance, a config, and one context helper.
*/
package log
