/*
Package log provides structured logging for the orchestration engine using
zerolog.

# Architecture

	┌──────────────── LOGGING SYSTEM ────────────────┐
	│  Global Logger (zerolog.Logger, Init()'d once)   │
	│         │                                        │
	│  Component loggers: WithComponent, WithHost,     │
	│  WithTaskID, WithExperimentID                    │
	│         │                                        │
	│  Output: stdout (console or JSON) or any io.Writer│
	└───────────────────────────────────────────────┘

Every package in this module logs through this package rather than fmt or the
standard library's log package, so that log level, format, and destination are
controlled from one place (normally set once in cmd/netlabd's root command).

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	hostLog := log.WithHost("worker-1")
	hostLog.Info().Str("task_id", taskID).Msg("allocated host")
*/
package log
