// Package storage persists job run history.
//
// Drivers:
//   - "file": JSON Lines journal, compacted when a retention limit is set
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
