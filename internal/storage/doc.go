// Package storage persists task definitions.
//
// Drivers:
//   - memory: process-local, used by tests and one-shot CLI runs
//   - file: JSON snapshot + JSON-lines journal, compacted periodically
//   - sqlite: modernc.org/sqlite, single writer connection, WAL
//   - postgres: lib/pq, shared between scheduler instances
//
// Definition fields are replaced wholesale by Put. Run bookkeeping
// (last_run/next_run) is only written through CompareAndSwapRun.
package storage
