/*
Package log provides structured logging for mergequeue using zerolog.

The package wraps zerolog to give JSON-structured logging with component-
specific child loggers, configurable levels, and a small set of helpers for
the fields the coordinator attaches most often: queue entry id, workspace
name, and agent id.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	log.Info("worker starting")

	workerLog := log.WithComponent("worker").With().Str("worker_id", id).Logger()
	workerLog.Info().Msg("claimed entry")

	entryLog := log.WithQueueID(entry.ID)
	entryLog.Warn().Msg("reclaimed as stale")

# Context loggers

  - WithComponent: tag logs with a subsystem name (queue, worker, reslock, recovery)
  - WithQueueID: tag logs with the queue entry id under mutation
  - WithWorkspace: tag logs with the workspace name
  - WithAgentID: tag logs with the claiming/requesting agent id

Never log secrets or the content of a workspace's diff; this package carries
no redaction of its own, so callers must keep log fields to identifiers and
short status text.
*/
package log
