// Package sink persists normalized feed events.
//
// Receiver callbacks run on the connection's read loop and must never
// block, so every sink is fed through a growable in-memory buffer with a
// dedicated drain goroutine. Three sinks are provided: daily-rotated CSV
// files (optionally gzipped), a fixed-depth book snapshot CSV, and a
// batched Postgres writer.
package sink
