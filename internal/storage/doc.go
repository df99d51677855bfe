// Package storage persists the journal of completed job runs.
//
// Only finished runs are recorded. Pending jobs live in memory and are never
// written here.
//
// Drivers:
//   - "file": JSON Lines, dependency-free
//   - "sqlite": SQLite database file (build tag "sqlite")
package storage
