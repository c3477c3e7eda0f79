// Package storage persists snapshots of the job list.
//
// Backends:
//   - file: the tasks.dat text format, rewritten atomically on every save
//   - sqlite: one jobs table, rewritten in a single transaction
//   - none: an in-memory snapshot, lost on exit
package storage
