// Package telemon documents the device telemetry ingestion pipeline.
//
// Telemon receives telemetry packets from small embedded devices over UDP,
// persists them durably to SQLite, and maintains live aggregate statistics.
// The pipeline never blocks the network receiver and never loses an accepted
// packet on graceful shutdown, even under bursty load.
//
// # Architecture
//
// Data flows one way through four stages:
//
//	┌──────────────┐    ┌──────────────┐    ┌───────────────────┐
//	│   Receiver   │ →  │    Engine    │ →  │  Store (SQLite)   │
//	│ (UDP socket, │    │ (drain, parse│    │  batched flushes  │
//	│ bounded queue│    │ assign seq,  │ →  ├───────────────────┤
//	│ drop-oldest) │    │  fan out)    │    │ Stats (aggregates)│
//	└──────────────┘    └──────────────┘    └───────────────────┘
//
// The receiver's capture path does exactly one thing with a datagram: copy
// it into a bounded ring buffer. When the buffer fills, the oldest packet is
// evicted and counted; capture never blocks the socket and never grows
// without bound. The engine drains the buffer on a short poll, parses each
// packet into a typed telemetry event, assigns a strictly increasing
// sequence id, and hands the event to both the durable store and the
// statistics aggregator. Every valid event reaches both consumers.
//
// # Durability
//
// The store accumulates events in a pending batch and writes them in one
// transaction when the batch fills or goes stale. A failed write merges the
// batch back to the front of pending so the next flush retries those events
// first. Delivery to storage is therefore at-least-once: an event accepted
// by Submit is never discarded, but a crash between a partially acknowledged
// write and its retry can produce duplicates.
//
// # Shutdown
//
// Startup opens storage before the socket binds, so no packet is accepted
// without a place to persist it. Shutdown runs the same order in reverse:
// stop the receiver, drain and dispatch whatever the queue still holds,
// force a final flush, then close the database.
//
// # Packages
//
//   - receiver: UDP capture with a bounded drop-oldest queue
//   - telemetry: the data model and the JSON envelope parser
//   - store: batched SQLite persistence, retention cleanup, queries
//   - stats: per-device and per-gesture running aggregates
//   - engine: the orchestrator running the pipeline's four loops
//   - feed: optional NATS publisher for live consumers
//   - config: the immutable process configuration snapshot
//   - component, errors, health, metric, pkg/...: shared infrastructure
//
// The cmd/telemon entrypoint wires everything together and serves /metrics,
// /healthz, and /statsz when an HTTP address is configured.
package telemon
