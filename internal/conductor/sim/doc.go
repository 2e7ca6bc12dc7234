// Package sim is an in-memory conductor hosting the course application.
//
// Every Provision call creates an isolated cell. Writes are visible to the
// authoring instance at once and reach the other members of the cell after
// Options.PropagationDelay. A partitioned conductor never delivers, so
// WaitForConsistency only returns when its context ends.
//
// The simulation exists so the harness can be exercised without a real
// runtime. It has no peers, no network and no persistence.
package sim
