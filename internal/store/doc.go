// Package store keeps a SQLite history of finished runs.
//
// A Store is also a harness.Reporter: it buffers assertions while a run
// is in flight and writes the run, its scenarios and every assertion in
// one transaction when the run ends.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
