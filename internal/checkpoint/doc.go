// Package checkpoint holds the append-only audit log of layer evaluations.
// Every gate decision, including holds, reruns and cancellations, is written
// here so an operator can answer why a run stopped where it did. Backends:
// in-memory, JSON lines on disk, and SQLite.
package checkpoint
