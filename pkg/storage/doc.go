/*
Package storage owns the embedded bbolt database backing one repository's
merge-queue state: queue entries, queue events, the processing lock,
workspace records, and the agent registry, one bucket per table.

# Layout

A repository's state directory (conventionally <repo>/.zjj/) holds
state.db, opened by Open. Buckets are created on first open:

  - schema_version — single row, schema compatibility check
  - queue_entries  — one row per QueueEntry, keyed by a big-endian id
  - queue_events   — append-only, keyed by a big-endian event id
  - processing_lock — at most one row
  - workspaces     — one row per WorkspaceRecord, keyed by workspace name
  - agents         — one row per AgentRegistry entry, keyed by agent id

This package intentionally knows nothing about queue semantics: pkg/queue
opens the transactions against the queue buckets (pkg/registry only
touches the agents bucket), so that
a single Go transaction can enforce the atomicity the specification
requires across an entry update, its event row, and the processing lock.
*/
package storage
