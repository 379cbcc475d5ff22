// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// Ports are the boundaries between the coordination core and the outside
// world. They define what the core needs from external systems without
// specifying how those needs are fulfilled.
//
// # Port Interfaces
//
//   - [ReplicatedLog]: Read/propose-write/push/pull/ancestry over the shared ledger
//   - [ChangeWatcher]: Filesystem change notifications per project
//   - [SuspendSignal]: OS power transition events
//   - [ConnectivityProber]: Network reachability checks
//   - [QueueStore]: Durable storage for deferred operations
//   - [HistoryStore]: Durable storage for the audit log
//   - [Logger]: Structured logging abstraction
//
// # Usage
//
// The coordination core (internal/lock, internal/orchestrator,
// internal/conflict, internal/resilience) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement them with concrete
// implementations (fsnotify, SQLite, zerolog, a real ledger client).
//
// This separation enables:
//   - Testing coordination logic with in-memory fakes and a manual clock
//   - Swapping the ledger substrate without touching the lock protocol
//   - Clear boundaries and dependency direction
package ports
